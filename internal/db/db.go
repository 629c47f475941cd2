package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName       = ".workroom"
	defaultDBName = "workroom.db"
)

type Config struct {
	Workspace string
}

func dataDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName)
}

// EnsureWorkspace creates the workspace data directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := dataDir(workspace)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. SQLite serialises
// writers, so the pool is capped at one connection to avoid SQLITE_BUSY under
// concurrent requests.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return filepath.Join(dataDir(workspace), defaultDBName)
}

// UploadsPath returns the directory stored attachments live under.
func UploadsPath(workspace, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	if dir == "" {
		dir = "uploads"
	}
	return filepath.Join(dataDir(workspace), dir)
}

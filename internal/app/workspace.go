package app

import (
	"database/sql"
	"fmt"

	"workroom/internal/config"
	"workroom/internal/db"
	"workroom/internal/engine"
	"workroom/internal/migrate"
)

// Workspace bundles an open database with the engine configured for it.
type Workspace struct {
	Dir    string
	Conn   *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace directory, migrates the database and loads
// workroom.yml, falling back to defaults when the file is absent. configPath
// overrides the workspace config file when set.
func Open(dir, configPath string) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(dir, configPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.UploadsDir = db.UploadsPath(dir, cfg.Server.UploadsDir)
	return &Workspace{Dir: dir, Conn: conn, Config: cfg, Engine: e}, nil
}

func loadConfig(dir, configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.FromFile(configPath)
	}
	return config.Load(dir)
}

func (w *Workspace) Close() error {
	return w.Conn.Close()
}

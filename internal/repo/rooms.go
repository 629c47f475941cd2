package repo

import (
	"context"
	"database/sql"
	"strings"

	"workroom/internal/domain"
)

const roomColumns = `id,task_id,client_id,worker_id,client_finalised,worker_finalised,finalised_at,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (domain.Room, error) {
	var (
		rm          domain.Room
		finalisedAt sql.NullString
	)
	err := row.Scan(&rm.ID, &rm.TaskID, &rm.ClientID, &rm.WorkerID, &rm.ClientFinalised, &rm.WorkerFinalised, &finalisedAt, &rm.CreatedAt)
	if err == sql.ErrNoRows {
		return rm, ErrNotFound
	}
	if err != nil {
		return rm, err
	}
	if finalisedAt.Valid {
		v := finalisedAt.String
		rm.FinalisedAt = &v
	}
	return rm, nil
}

func (r Repo) InsertRoom(ctx context.Context, tx *sql.Tx, rm domain.Room) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO rooms(`+roomColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		rm.ID, rm.TaskID, rm.ClientID, rm.WorkerID, boolInt(rm.ClientFinalised), boolInt(rm.WorkerFinalised), nullableStringPtr(rm.FinalisedAt), rm.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

func (r Repo) GetRoom(ctx context.Context, id string) (domain.Room, error) {
	return r.GetRoomTx(ctx, nil, id)
}

func (r Repo) GetRoomTx(ctx context.Context, tx *sql.Tx, id string) (domain.Room, error) {
	return scanRoom(r.q(tx).QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id=?`, id))
}

func (r Repo) GetRoomByTask(ctx context.Context, taskID string) (domain.Room, error) {
	return scanRoom(r.DB.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE task_id=?`, taskID))
}

// RoomFilters narrows ListRooms. Rooms are returned newest first.
type RoomFilters struct {
	ActorID         string
	Locked          *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRooms(ctx context.Context, f RoomFilters) ([]domain.Room, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ActorID != "" {
		clauses = append(clauses, "(client_id=? OR worker_id=?)")
		args = append(args, f.ActorID, f.ActorID)
	}
	if f.Locked != nil {
		if *f.Locked {
			clauses = append(clauses, "finalised_at IS NOT NULL")
		} else {
			clauses = append(clauses, "finalised_at IS NULL")
		}
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryRooms(ctx, query, args...)
}

// ListRoomsFinalisedBefore returns locked rooms whose finalised_at precedes cutoff (RFC3339).
func (r Repo) ListRoomsFinalisedBefore(ctx context.Context, cutoff string, limit int) ([]domain.Room, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryRooms(ctx, `SELECT `+roomColumns+` FROM rooms WHERE finalised_at IS NOT NULL AND finalised_at < ? ORDER BY finalised_at ASC, id ASC LIMIT ?`, cutoff, limit)
}

func (r Repo) queryRooms(ctx context.Context, query string, args ...any) ([]domain.Room, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rm)
	}
	return res, rows.Err()
}

// UpdateRoomFinalisation persists the finalisation flags of rm.
func (r Repo) UpdateRoomFinalisation(ctx context.Context, tx *sql.Tx, rm domain.Room) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE rooms SET client_finalised=?, worker_finalised=?, finalised_at=? WHERE id=?`,
		boolInt(rm.ClientFinalised), boolInt(rm.WorkerFinalised), nullableStringPtr(rm.FinalisedAt), rm.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRoom(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM rooms WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

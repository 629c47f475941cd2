package repo

import (
	"context"
	"database/sql"
	"strings"

	"workroom/internal/domain"
)

// InsertMessage stores a message and its attachments in order.
func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO messages(id,room_id,sender_id,text,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.RoomID, m.SenderID, nullable(m.Text), m.CreatedAt); err != nil {
		return err
	}
	for i, a := range m.Attachments {
		if _, err := q.ExecContext(ctx, `INSERT INTO attachments(message_id,position,url,name,kind,content_type,size) VALUES (?,?,?,?,?,?,?)`,
			m.ID, i, a.URL, a.Name, a.Kind, nullable(a.ContentType), a.Size); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	var (
		m    domain.Message
		text sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,room_id,sender_id,text,created_at FROM messages WHERE id=?`, id).
		Scan(&m.ID, &m.RoomID, &m.SenderID, &text, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Text = text.String
	msgs := []domain.Message{m}
	if err := r.attachAttachments(ctx, msgs); err != nil {
		return m, err
	}
	return msgs[0], nil
}

// MessageCursor positions a page after the message with this (created_at, id).
type MessageCursor struct {
	CreatedAt int64
	ID        string
}

// ListMessages returns a room's messages oldest first, strictly after cursor when set.
func (r Repo) ListMessages(ctx context.Context, roomID string, limit int, cursor *MessageCursor) ([]domain.Message, error) {
	clauses := []string{"room_id=?"}
	args := []any{roomID}
	if cursor != nil {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	query := `SELECT id,room_id,sender_id,text,created_at FROM messages WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var (
			m    domain.Message
			text sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &text, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Text = text.String
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachAttachments(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// CountMessages returns the number of messages stored for a room.
func (r Repo) CountMessages(ctx context.Context, roomID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room_id=?`, roomID).Scan(&n)
	return n, err
}

func (r Repo) attachAttachments(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	placeholders := make([]string, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		placeholders[i] = "?"
		args[i] = m.ID
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT message_id,url,name,kind,COALESCE(content_type,''),size FROM attachments WHERE message_id IN (`+
		strings.Join(placeholders, ",")+`) ORDER BY message_id, position`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			msgID string
			a     domain.Attachment
		)
		if err := rows.Scan(&msgID, &a.URL, &a.Name, &a.Kind, &a.ContentType, &a.Size); err != nil {
			return err
		}
		i := index[msgID]
		msgs[i].Attachments = append(msgs[i].Attachments, a)
	}
	return rows.Err()
}

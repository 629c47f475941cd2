package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"workroom/internal/config"
	"workroom/internal/domain"
	"workroom/internal/engine/auth"
	"workroom/internal/events"
	"workroom/internal/metrics"
	"workroom/internal/repo"
	"workroom/internal/workroom"
)

var (
	ErrRoomLocked   = errors.New("room is finalised")
	ErrEmptyMessage = errors.New("message has no text and no attachments")
	ErrInvalidInput = errors.New("invalid input")
)

// Notification describes a committed change pushed to connected participants.
type Notification struct {
	Type    string
	RoomID  string
	ActorID string
	Message *domain.Message
	Room    *domain.Room
}

// Notifier fans committed changes out to live connections.
type Notifier interface {
	Notify(n Notification)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Service
	Config     *config.Config
	Now        func() time.Time
	UploadsDir string
	Notifier   Notifier
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
		Log:    zerolog.Nop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) notify(n Notification) {
	if e.Notifier != nil {
		e.Notifier.Notify(n)
	}
}

// RoomID derives the room id bound to a task, so one task maps to one room.
func RoomID(taskID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("workroom|"+taskID)).String()
}

// RoomCreateOptions are parameters for opening a room on a task engagement.
type RoomCreateOptions struct {
	TaskID   string
	ClientID string
	WorkerID string
	ActorID  string
}

// CreateRoom opens the room for a task. Repeating the call with the same
// participants returns the existing room.
func (e Engine) CreateRoom(ctx context.Context, opts RoomCreateOptions) (domain.Room, error) {
	opts.TaskID = strings.TrimSpace(opts.TaskID)
	opts.ClientID = strings.TrimSpace(opts.ClientID)
	opts.WorkerID = strings.TrimSpace(opts.WorkerID)
	switch {
	case opts.TaskID == "":
		return domain.Room{}, fmt.Errorf("%w: task_id is required", ErrInvalidInput)
	case opts.ClientID == "" || opts.WorkerID == "":
		return domain.Room{}, fmt.Errorf("%w: client_id and worker_id are required", ErrInvalidInput)
	case opts.ClientID == opts.WorkerID:
		return domain.Room{}, fmt.Errorf("%w: client and worker must differ", ErrInvalidInput)
	}
	if existing, found, err := e.roomForTask(ctx, opts); found || err != nil {
		return existing, err
	}
	if opts.ActorID == "" {
		opts.ActorID = opts.ClientID
	}
	rm := domain.Room{
		ID:        RoomID(opts.TaskID),
		TaskID:    opts.TaskID,
		ClientID:  opts.ClientID,
		WorkerID:  opts.WorkerID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Room{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRoom(ctx, tx, rm); err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			return domain.Room{}, err
		}
		// A concurrent create won the insert. The pool has one connection,
		// so release it before reading the winner back.
		_ = tx.Rollback()
		if existing, found, rerr := e.roomForTask(ctx, opts); found || rerr != nil {
			return existing, rerr
		}
		return domain.Room{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RoomCreated, rm.ID, "room", rm.ID, opts.ActorID, events.EventPayload{
		"task_id": rm.TaskID, "client_id": rm.ClientID, "worker_id": rm.WorkerID,
	}); err != nil {
		return domain.Room{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Room{}, err
	}
	e.Metrics.RoomCreated()
	e.Log.Info().Str("room_id", rm.ID).Str("task_id", rm.TaskID).Msg("room created")
	return rm, nil
}

// roomForTask reports the task's existing room. A room with other
// participants is a conflict.
func (e Engine) roomForTask(ctx context.Context, opts RoomCreateOptions) (domain.Room, bool, error) {
	existing, err := e.Repo.GetRoomByTask(ctx, opts.TaskID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return domain.Room{}, false, nil
	case err != nil:
		return domain.Room{}, false, err
	case existing.ClientID != opts.ClientID || existing.WorkerID != opts.WorkerID:
		return domain.Room{}, true, fmt.Errorf("task %s already has a room with other participants: %w", opts.TaskID, repo.ErrConflict)
	}
	return existing, true, nil
}

// GetRoom returns a room the actor participates in.
func (e Engine) GetRoom(ctx context.Context, roomID, actorID string) (domain.Room, error) {
	rm, err := e.Repo.GetRoom(ctx, roomID)
	if err != nil {
		return domain.Room{}, err
	}
	if !rm.Participant(actorID) {
		return domain.Room{}, auth.ForbiddenError{Action: "read", RoomID: roomID}
	}
	return rm, nil
}

// ListMessages returns an oldest-first page of the room's messages.
func (e Engine) ListMessages(ctx context.Context, roomID, actorID string, limit int, cursor *repo.MessageCursor) ([]domain.Message, error) {
	if _, err := e.GetRoom(ctx, roomID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListMessages(ctx, roomID, limit, cursor)
}

// Upload is a file received with a message.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// PostMessageOptions are parameters for a single message write.
type PostMessageOptions struct {
	RoomID   string
	SenderID string
	Text     string
	Uploads  []Upload
	// Linked are attachments already hosted elsewhere, referenced by URL.
	Linked []domain.Attachment
}

// PostMessage validates and stores one message. Locked rooms and empty
// messages are rejected before anything is written.
func (e Engine) PostMessage(ctx context.Context, opts PostMessageOptions) (domain.Message, error) {
	text := strings.TrimSpace(opts.Text)
	if text == "" && len(opts.Uploads) == 0 && len(opts.Linked) == 0 {
		return domain.Message{}, ErrEmptyMessage
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	rm, err := e.Repo.GetRoomTx(ctx, tx, opts.RoomID)
	if err != nil {
		return domain.Message{}, err
	}
	if !rm.Participant(opts.SenderID) {
		return domain.Message{}, auth.ForbiddenError{Action: "write to", RoomID: rm.ID}
	}
	if rm.Locked() {
		return domain.Message{}, ErrRoomLocked
	}
	m := domain.Message{
		ID:        uuid.NewString(),
		RoomID:    rm.ID,
		SenderID:  opts.SenderID,
		Text:      text,
		CreatedAt: e.now().UnixMilli(),
	}
	for _, a := range opts.Linked {
		norm, ok := workroom.NormalizeAttachment(map[string]any{"url": a.URL, "name": a.Name, "content_type": a.ContentType, "kind": a.Kind})
		if !ok {
			return domain.Message{}, fmt.Errorf("%w: attachment url is required", ErrInvalidInput)
		}
		m.Attachments = append(m.Attachments, domain.Attachment{URL: norm.URL, Name: norm.Name, Kind: string(norm.Kind), ContentType: a.ContentType, Size: a.Size})
	}
	stored, written, err := e.storeUploads(m.ID, opts.Uploads)
	if err != nil {
		return domain.Message{}, err
	}
	cleanup := func() {
		if len(stored) > 0 {
			_ = os.RemoveAll(e.messageDir(m.ID))
		}
	}
	m.Attachments = append(m.Attachments, stored...)
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		cleanup()
		return domain.Message{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MessageCreated, rm.ID, "message", m.ID, opts.SenderID, events.EventPayload{
		"attachments": len(m.Attachments),
	}); err != nil {
		cleanup()
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		cleanup()
		return domain.Message{}, err
	}
	e.Metrics.MessageCreated(written)
	e.notify(Notification{Type: workroom.EventMessage, RoomID: rm.ID, ActorID: opts.SenderID, Message: &m})
	return m, nil
}

func (e Engine) messageDir(messageID string) string {
	return filepath.Join(e.UploadsDir, messageID)
}

func (e Engine) storeUploads(messageID string, uploads []Upload) ([]domain.Attachment, int64, error) {
	if len(uploads) == 0 {
		return nil, 0, nil
	}
	if e.UploadsDir == "" {
		return nil, 0, errors.New("uploads are not configured")
	}
	dir := e.messageDir(messageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, err
	}
	var (
		out     []domain.Attachment
		written int64
		used    = map[string]bool{}
	)
	for i, up := range uploads {
		name := sanitizeFileName(up.Name)
		if name == "" {
			name = fmt.Sprintf("file-%d", i+1)
		}
		if used[name] {
			name = fmt.Sprintf("%d-%s", i+1, name)
		}
		used[name] = true
		if err := os.WriteFile(filepath.Join(dir, name), up.Data, 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return nil, 0, fmt.Errorf("store %s: %w", name, err)
		}
		u := "/files/" + messageID + "/" + url.PathEscape(name)
		norm, _ := workroom.NormalizeAttachment(map[string]any{"url": u, "name": name, "content_type": up.ContentType})
		out = append(out, domain.Attachment{URL: u, Name: name, Kind: string(norm.Kind), ContentType: up.ContentType, Size: int64(len(up.Data))})
		written += int64(len(up.Data))
	}
	return out, written, nil
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
}

// FinaliseRoom marks the actor's side of the room finalised. Repeating the
// call for a side that is already finalised changes nothing and writes no event.
func (e Engine) FinaliseRoom(ctx context.Context, roomID, actorID string) (domain.Room, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Room{}, err
	}
	defer tx.Rollback()
	rm, err := e.Repo.GetRoomTx(ctx, tx, roomID)
	if err != nil {
		return domain.Room{}, err
	}
	role, err := e.Auth.ParticipantRole(ctx, tx, roomID, actorID, "finalise")
	if err != nil {
		return domain.Room{}, err
	}
	next, changed, err := applyFinalisation(rm, role, e.now())
	if err != nil {
		return domain.Room{}, err
	}
	if !changed {
		return rm, nil
	}
	if err := e.Repo.UpdateRoomFinalisation(ctx, tx, next); err != nil {
		return domain.Room{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RoomFinalised, rm.ID, "room", rm.ID, actorID, events.EventPayload{"role": role}); err != nil {
		return domain.Room{}, err
	}
	if next.Locked() {
		if err := e.Events.Append(ctx, tx, events.RoomLocked, rm.ID, "room", rm.ID, actorID, events.EventPayload{
			"task_id": rm.TaskID, "finalised_at": *next.FinalisedAt,
		}); err != nil {
			return domain.Room{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Room{}, err
	}
	if next.Locked() {
		e.Metrics.RoomLocked()
		e.Log.Info().Str("room_id", rm.ID).Msg("room locked")
	}
	e.notify(Notification{Type: workroom.EventFinalised, RoomID: rm.ID, ActorID: actorID, Room: &next})
	return next, nil
}

// applyFinalisation moves a room through Open -> OnePartyFinalised -> Locked.
func applyFinalisation(rm domain.Room, role string, now time.Time) (domain.Room, bool, error) {
	switch role {
	case auth.RoleClient:
		if rm.ClientFinalised {
			return rm, false, nil
		}
		rm.ClientFinalised = true
	case auth.RoleWorker:
		if rm.WorkerFinalised {
			return rm, false, nil
		}
		rm.WorkerFinalised = true
	default:
		return rm, false, fmt.Errorf("invalid participant role %q", role)
	}
	if rm.Locked() {
		ts := now.UTC().Format(time.RFC3339)
		rm.FinalisedAt = &ts
	}
	return rm, true, nil
}

// PurgeFinalisedRooms deletes rooms locked before cutoff together with their
// messages and stored uploads. It returns the number of rooms removed.
func (e Engine) PurgeFinalisedRooms(ctx context.Context, cutoff time.Time, actorID string) (int, error) {
	if actorID == "" {
		actorID = "retention"
	}
	purged := 0
	for {
		rooms, err := e.Repo.ListRoomsFinalisedBefore(ctx, cutoff.UTC().Format(time.RFC3339), 100)
		if err != nil {
			return purged, err
		}
		if len(rooms) == 0 {
			return purged, nil
		}
		for _, rm := range rooms {
			if err := e.purgeRoom(ctx, rm, actorID); err != nil {
				return purged, fmt.Errorf("purge room %s: %w", rm.ID, err)
			}
			purged++
		}
	}
}

func (e Engine) purgeRoom(ctx context.Context, rm domain.Room, actorID string) error {
	msgs, err := e.Repo.ListMessages(ctx, rm.ID, 0, nil)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRoom(ctx, tx, rm.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.RoomPurged, rm.ID, "room", rm.ID, actorID, events.EventPayload{
		"task_id": rm.TaskID, "messages": len(msgs),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.UploadsDir != "" {
		for _, m := range msgs {
			if len(m.Attachments) > 0 {
				if err := os.RemoveAll(e.messageDir(m.ID)); err != nil {
					e.Log.Warn().Err(err).Str("message_id", m.ID).Msg("remove uploads")
				}
			}
		}
	}
	e.Metrics.RoomPurged()
	return nil
}

// RoomListOptions filters ListRooms for one participant.
type RoomListOptions struct {
	ActorID string
	Locked  *bool
	Limit   int
	// Cursor continues after the room with this created_at and id.
	CursorCreatedAt string
	CursorID        string
}

// ListRooms returns the actor's rooms newest first.
func (e Engine) ListRooms(ctx context.Context, opts RoomListOptions) ([]domain.Room, error) {
	if opts.ActorID == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	return e.Repo.ListRooms(ctx, repo.RoomFilters{
		ActorID:         opts.ActorID,
		Locked:          opts.Locked,
		Limit:           opts.Limit,
		CursorCreatedAt: opts.CursorCreatedAt,
		CursorID:        opts.CursorID,
	})
}

// CreateAPIKey issues a key for actorID. The plaintext secret is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "wr_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

package workroom

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// Result describes a Submit call. Skipped is set when another submission was
// already in flight and nothing was attempted.
type Result struct {
	Message Message
	Skipped bool
}

// Outbox owns the composer draft and performs at most one submission at a time.
type Outbox struct {
	roomID   string
	writer   Writer
	tracker  *Tracker
	delivery *Delivery

	inFlight atomic.Bool

	mu    sync.Mutex
	text  string
	files []File
}

// NewOutbox returns an outbox for roomID. delivery may be nil, in which case
// confirmed messages are only returned to the caller.
func NewOutbox(roomID string, w Writer, tracker *Tracker, delivery *Delivery) *Outbox {
	return &Outbox{roomID: roomID, writer: w, tracker: tracker, delivery: delivery}
}

// SetText replaces the draft text.
func (o *Outbox) SetText(s string) {
	o.mu.Lock()
	o.text = s
	o.mu.Unlock()
}

// Attach adds a pending file to the draft.
func (o *Outbox) Attach(f File) {
	o.mu.Lock()
	o.files = append(o.files, f)
	o.mu.Unlock()
}

// Draft returns a copy of the current draft.
func (o *Outbox) Draft() Draft {
	o.mu.Lock()
	defer o.mu.Unlock()
	files := make([]File, len(o.files))
	copy(files, o.files)
	return Draft{Text: o.text, Files: files}
}

// Busy reports whether a submission is in flight.
func (o *Outbox) Busy() bool {
	return o.inFlight.Load()
}

// Submit sends the draft. Empty drafts and locked rooms are rejected before
// any network call. On success the draft is cleared and the stored message is
// merged into the delivery timeline; on failure the draft is left intact.
// Writer errors wrapping a ValidationError are permanent and returned as is.
func (o *Outbox) Submit(ctx context.Context) (Result, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer o.inFlight.Store(false)

	d := o.Draft()
	if strings.TrimSpace(d.Text) == "" && len(d.Files) == 0 {
		return Result{}, ErrEmptyMessage
	}
	if o.tracker != nil {
		if err := o.tracker.Guard(); err != nil {
			return Result{}, err
		}
	}
	d.Text = strings.TrimSpace(d.Text)

	rec, err := o.writer.PostMessage(ctx, o.roomID, d)
	if err != nil {
		var ve ValidationError
		if errors.As(err, &ve) {
			return Result{}, err
		}
		return Result{}, &TransientError{Op: "post message", Err: err}
	}
	o.clearIfUnchanged(d)

	msg, ok := Project(rec)
	if !ok {
		return Result{}, nil
	}
	if o.delivery != nil {
		if err := o.delivery.Deliver(ctx, msg); err != nil && !errors.Is(err, ErrClosed) {
			return Result{Message: msg}, err
		}
	}
	return Result{Message: msg}, nil
}

// clearIfUnchanged drops the submitted content, keeping anything the user
// added while the write was in flight.
func (o *Outbox) clearIfUnchanged(sent Draft) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if strings.TrimSpace(o.text) == sent.Text {
		o.text = ""
	}
	if len(o.files) >= len(sent.Files) {
		o.files = append([]File(nil), o.files[len(sent.Files):]...)
	}
}

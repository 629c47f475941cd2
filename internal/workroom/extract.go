package workroom

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Candidate keys probed, in order, when projecting a raw message record. The
// lists are part of the wire contract with older producers; append, never
// reorder.
var (
	SenderKeys       = []string{"senderId", "userId", "authorId"}
	SenderObjectKeys = []string{"sender", "user", "author"}
	NestedIDKeys     = []string{"id", "_id"}
	TextKeys         = []string{"text", "content", "message", "body", "msg", "caption"}
	TimestampKeys    = []string{"createdAt", "created_at", "timestamp", "time", "createdOn", "created_on", "date"}
	MessageIDKeys    = []string{"id", "_id", "messageId", "message_id"}
	AttachmentKeys   = []string{"attachments", "files", "media"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ExtractSenderID returns the first non-empty sender identity in rec.
func ExtractSenderID(rec Record) (string, bool) {
	if id, ok := firstString(rec, SenderKeys); ok {
		return id, true
	}
	for _, k := range SenderObjectKeys {
		obj, ok := rec[k].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := firstString(obj, NestedIDKeys); ok {
			return id, true
		}
	}
	return "", false
}

// ExtractText returns the first non-empty text field in rec.
func ExtractText(rec Record) (string, bool) {
	return firstString(rec, TextKeys)
}

// ExtractTimestamp returns the first parseable timestamp in rec as unix milliseconds.
func ExtractTimestamp(rec Record) (int64, bool) {
	for _, k := range TimestampKeys {
		v, ok := rec[k]
		if !ok {
			continue
		}
		if ms, ok := toMillis(v); ok {
			return ms, true
		}
	}
	return 0, false
}

// ExtractMessageID returns the message's identity.
func ExtractMessageID(rec Record) (string, bool) {
	return firstString(rec, MessageIDKeys)
}

// ExtractAttachments returns the normalised attachments of rec.
func ExtractAttachments(rec Record) []Attachment {
	for _, k := range AttachmentKeys {
		if v, ok := rec[k]; ok && v != nil {
			if atts := NormalizeAttachments(v); len(atts) > 0 {
				return atts
			}
		}
	}
	return nil
}

// Project assembles a Message from a raw record. ok is false when the record
// has no identity, since such a record cannot be deduplicated.
func Project(rec Record) (Message, bool) {
	if rec == nil {
		return Message{}, false
	}
	id, ok := ExtractMessageID(rec)
	if !ok {
		return Message{}, false
	}
	m := Message{ID: id}
	m.SenderID, _ = ExtractSenderID(rec)
	m.Text, _ = ExtractText(rec)
	m.Timestamp, _ = ExtractTimestamp(rec)
	m.Attachments = ExtractAttachments(rec)
	return m, true
}

// ProjectAll projects every record that carries an identity.
func ProjectAll(recs []Record) []Message {
	out := make([]Message, 0, len(recs))
	for _, rec := range recs {
		if m, ok := Project(rec); ok {
			out = append(out, m)
		}
	}
	return out
}

func firstString(rec map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if s, ok := asString(rec[k]); ok {
			return s, true
		}
	}
	return "", false
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return "", false
		}
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), x.String() != ""
	}
	return "", false
}

func toMillis(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case int:
		return int64(x), true
	case int64:
		return x, true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		if f, err := x.Float64(); err == nil {
			return int64(f), true
		}
	case time.Time:
		if x.IsZero() {
			return 0, false
		}
		return x.UnixMilli(), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli(), true
			}
		}
	}
	return 0, false
}

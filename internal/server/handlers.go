package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"workroom/internal/engine"
)

const multipartMemory = 8 << 20

// postMessage accepts either JSON or multipart/form-data. Multipart forms
// carry the text in "text" and files in "files".
func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	actor, authErr := actorIDFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	if !h.allowWrite(actor) {
		respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many writes", nil))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	opts := engine.PostMessageOptions{RoomID: chi.URLParam(r, "room_id"), SenderID: actor}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			respondStatusError(w, badBody(err))
			return
		}
		defer r.MultipartForm.RemoveAll()
		opts.Text = r.FormValue("text")
		if raw := r.FormValue("attachments"); raw != "" {
			var linked []any
			if err := json.Unmarshal([]byte(raw), &linked); err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "attachments must be a JSON array", nil))
				return
			}
			opts.Linked = linkedAttachments(linked)
		}
		for _, field := range []string{"files", "file"} {
			for _, fh := range r.MultipartForm.File[field] {
				up, err := readUpload(fh)
				if err != nil {
					respondStatusError(w, handleError(err))
					return
				}
				opts.Uploads = append(opts.Uploads, up)
			}
		}
	case "application/json", "":
		var body postMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respondStatusError(w, badBody(err))
			return
		}
		opts.Text = body.Text
		opts.Linked = linkedAttachments(body.Attachments)
	default:
		respondStatusError(w, newAPIError(http.StatusUnsupportedMediaType, "unsupported_media_type", "expected JSON or multipart/form-data", nil))
		return
	}

	m, err := h.engine.PostMessage(r.Context(), opts)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	writeJSON(w, http.StatusCreated, m.Body())
}

func badBody(err error) huma.StatusError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return handleError(err)
	}
	return newAPIError(http.StatusBadRequest, "bad_request", "malformed request body", map[string]any{"error": err.Error()})
}

func readUpload(fh *multipart.FileHeader) (engine.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return engine.Upload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return engine.Upload{}, err
	}
	return engine.Upload{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data}, nil
}

// subscribe upgrades to a websocket bound to one room. The connection receives
// message.created, typing and room.finalised frames and may send typing.
func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	actor, authErr := actorIDFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	if h.hub == nil {
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "unavailable", "push is disabled", nil))
		return
	}
	rm, err := h.engine.GetRoom(r.Context(), chi.URLParam(r, "room_id"), actor)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket accept")
		return
	}
	c := h.hub.Join(rm.ID, actor, conn)
	if err := h.hub.Serve(r.Context(), c); err != nil {
		h.log.Debug().Err(err).Str("room_id", rm.ID).Str("user_id", actor).Msg("push connection closed")
	}
}

// serveFile streams a stored attachment to a participant of its room.
func (h *handlers) serveFile(w http.ResponseWriter, r *http.Request) {
	actor, authErr := actorIDFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid file name", nil))
		return
	}
	m, err := h.engine.Repo.GetMessage(r.Context(), chi.URLParam(r, "message_id"))
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	if _, err := h.engine.GetRoom(r.Context(), m.RoomID, actor); err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	for _, a := range m.Attachments {
		if a.Name != name || !strings.HasPrefix(a.URL, "/files/") {
			continue
		}
		if a.ContentType != "" {
			w.Header().Set("Content-Type", a.ContentType)
		}
		http.ServeFile(w, r, filepath.Join(h.engine.UploadsDir, m.ID, filepath.Base(name)))
		return
	}
	respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "file not found", nil))
}

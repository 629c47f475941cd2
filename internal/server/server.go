package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"workroom/internal/domain"
	"workroom/internal/engine"
	"workroom/internal/engine/auth"
	"workroom/internal/hub"
	"workroom/internal/metrics"
	"workroom/internal/ratelimit"
	"workroom/internal/repo"
)

const defaultMaxUploadBytes = 25 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Hub      *hub.Hub
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
	// OriginPatterns are the hosts allowed to open push connections from a browser.
	OriginPatterns []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"room_locked"`
	Message string         `json:"message" example:"room is finalised"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	engine         engine.Engine
	hub            *hub.Hub
	writes         *ratelimit.Pool
	metrics        *metrics.Metrics
	log            zerolog.Logger
	maxUploadBytes int64
	originPatterns []string
}

// New returns an HTTP handler exposing the workroom API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	h := &handlers{
		engine:         cfg.Engine,
		hub:            cfg.Hub,
		writes:         ratelimit.NewPool(0, 0),
		metrics:        cfg.Metrics,
		log:            cfg.Log,
		maxUploadBytes: defaultMaxUploadBytes,
		originPatterns: cfg.OriginPatterns,
	}
	if c := cfg.Engine.Config; c != nil {
		h.writes = ratelimit.NewPool(c.RateLimit.WriteRPS, c.RateLimit.WriteBurst)
		if c.Server.MaxUploadBytes > 0 {
			h.maxUploadBytes = c.Server.MaxUploadBytes
		}
	}

	router := chi.NewRouter()
	router.Use(captureJSONBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Workroom API", "0.1.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = "/docs"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerRooms(group, h)
	registerMessages(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	router.Post(path.Join(basePath, "rooms/{room_id}/messages"), h.postMessage)
	router.Get(path.Join(basePath, "rooms/{room_id}/ws"), h.subscribe)
	router.Get("/files/{message_id}/{name}", h.serveFile)
	router.Handle("/metrics", cfg.Metrics.Handler())

	return router, nil
}

// captureJSONBody buffers JSON request bodies so handlers can tell an empty
// body from a zero value. Multipart uploads are streamed untouched.
func captureJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") || r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}
		buf, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(buf))
		ctx := context.WithValue(r.Context(), bodyBytesKey{}, buf)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"room_id": fe.RoomID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrRoomLocked):
		return newAPIError(http.StatusConflict, "room_locked", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrEmptyMessage):
		return newAPIError(http.StatusBadRequest, "empty_message", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.As(err, &tooLarge):
		return newAPIError(http.StatusRequestEntityTooLarge, "too_large", "upload exceeds size limit", map[string]any{"limit": tooLarge.Limit})
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "canceled", "request canceled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ID: p.ActorID, Name: p.Name, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, strings.TrimSpace(input.Body.Name), authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

type roomPath struct {
	RoomID string `path:"room_id"`
}

type roomOutput struct {
	Body RoomResponse `json:"body"`
}

func registerRooms(api huma.API, h *handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-room",
		Method:        http.MethodPost,
		Path:          "/rooms",
		Summary:       "Open the room for a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateRoomRequest `json:"body"`
	}) (*roomOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rm, err := e.CreateRoom(ctx, engine.RoomCreateOptions{
			TaskID:   input.Body.TaskID,
			ClientID: input.Body.ClientID,
			WorkerID: input.Body.WorkerID,
			ActorID:  actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &roomOutput{Body: roomResponse(rm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rooms",
		Method:      http.MethodGet,
		Path:        "/rooms",
		Summary:     "List the caller's rooms",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" doc:"open or locked; empty lists both"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRooms `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		var locked *bool
		switch input.State {
		case "open":
			v := false
			locked = &v
		case "locked":
			v := true
			locked = &v
		case "":
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "state must be open or locked", map[string]any{"state": input.State})
		}
		limit := normalizeLimit(input.Limit)
		rooms, err := e.ListRooms(ctx, engine.RoomListOptions{
			ActorID:         actor,
			Locked:          locked,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRooms{Items: []RoomResponse{}}
		if len(rooms) > limit {
			last := rooms[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			rooms = rooms[:limit]
		}
		for _, rm := range rooms {
			resp.Items = append(resp.Items, roomResponse(rm))
		}
		return &struct {
			Body paginatedRooms `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-room",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}",
		Summary:     "Get a room and its finalisation state",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *roomPath) (*roomOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rm, err := e.GetRoom(ctx, input.RoomID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &roomOutput{Body: roomResponse(rm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalise-room",
		Method:      http.MethodPost,
		Path:        "/rooms/{room_id}/finalise",
		Summary:     "Finalise the caller's side of the room",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *roomPath) (*roomOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !h.allowWrite(actor) {
			return nil, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many writes", nil)
		}
		rm, err := e.FinaliseRoom(ctx, input.RoomID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &roomOutput{Body: roomResponse(rm)}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/messages",
		Summary:     "Page through a room's messages, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoomID string `path:"room_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedMessages `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursor, err := parseMessageCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		msgs, err := e.ListMessages(ctx, input.RoomID, actor, limit+1, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMessages{Items: []domain.MessageBody{}}
		if len(msgs) > limit {
			last := msgs[limit-1]
			resp.NextCursor = composeCursor(strconv.FormatInt(last.CreatedAt, 10), last.ID)
			msgs = msgs[:limit]
		}
		for _, m := range msgs {
			resp.Items = append(resp.Items, m.Body())
		}
		return &struct {
			Body paginatedMessages `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-room-events",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/events",
		Summary:     "List a room's audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoomID string `path:"room_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetRoom(ctx, input.RoomID, actor); err != nil {
			return nil, handleError(err)
		}
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{RoomID: input.RoomID, Type: input.Type, Before: before, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h *handlers) allowWrite(actor string) bool {
	if h.writes.Allow(actor) {
		return true
	}
	h.metrics.Limited("write")
	return false
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func parseMessageCursor(cursor string) (*repo.MessageCursor, error) {
	ts, id, err := parseCompositeCursor(cursor)
	if err != nil || ts == "" {
		return nil, err
	}
	createdAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &repo.MessageCursor{CreatedAt: createdAt, ID: id}, nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bmravec/gdman/internal/downloader"
	"github.com/bmravec/gdman/internal/logctx"
	"github.com/bmravec/gdman/internal/storage"
	"github.com/bmravec/gdman/internal/transfer"
	"github.com/bmravec/gdman/internal/transfer/hosting"
)

const maxRequestSize = 1 << 20 // 1MB

// Downloads is the registry as seen by the control plane.
type Downloads interface {
	AddDownload(ctx context.Context, rawURL, dest string) (int, error)
	List() []downloader.Snapshot
	Snapshot(id int) (downloader.Snapshot, error)
	History(ctx context.Context) ([]storage.TransferRecord, error)

	Start(ctx context.Context, id int) error
	Pause(ctx context.Context, id int) error
	Stop(ctx context.Context, id int) error
	Cancel(ctx context.Context, id int) error
	Export(ctx context.Context, id int) error
	Remove(ctx context.Context, id int) error

	Challenge(id int) (hosting.Challenge, error)
	SubmitChallenge(ctx context.Context, id int, text string) error
}

type AddDownloadRequest struct {
	URL         string `json:"url"`
	Destination string `json:"destination"`
}

type ChallengeRequest struct {
	Text string `json:"text"`
}

type DownloadResponse struct {
	ID               int    `json:"id"`
	Kind             string `json:"kind"`
	Title            string `json:"title"`
	Source           string `json:"source"`
	Destination      string `json:"destination"`
	Group            string `json:"group"`
	State            string `json:"state"`
	SizeTotal        int64  `json:"size_total"`
	SizeCompleted    int64  `json:"size_completed"`
	TimeRemaining    int64  `json:"time_remaining"`
	Reason           string `json:"reason,omitempty"`
	Error            string `json:"error,omitempty"`
	ChallengePending bool   `json:"challenge_pending"`
}

type HistoryResponse struct {
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Size        int64     `json:"size"`
	Completed   int64     `json:"completed"`
	Reason      string    `json:"reason,omitempty"`
	InstanceID  string    `json:"instance_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func newDownloadResponse(s downloader.Snapshot) DownloadResponse {
	resp := DownloadResponse{
		ID:               s.ID,
		Kind:             string(s.Kind),
		Title:            s.Title,
		Source:           s.Source,
		Destination:      s.Destination,
		Group:            s.Group,
		State:            s.State.String(),
		SizeTotal:        s.SizeTotal,
		SizeCompleted:    s.SizeCompleted,
		TimeRemaining:    s.TimeRemaining,
		ChallengePending: s.ChallengePending,
	}

	if s.Err != nil {
		resp.Reason = transfer.Reason(s.Err)
		resp.Error = s.Err.Error()
	}

	return resp
}

type DownloadHandler struct {
	downloads Downloads
	username  string
	password  string
}

// NewDownloadHandler creates the control plane handler. Basic auth is required
// when username is not empty.
func NewDownloadHandler(downloads Downloads, username, password string) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		username:  username,
		password:  password,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()
	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/", h.HandleAdd)
	r.Get("/", h.HandleList)
	r.Get("/history", h.HandleHistory)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleRemove)
		r.Get("/challenge", h.HandleChallenge)
		r.Post("/challenge", h.HandleSubmitChallenge)
		r.Post("/{action}", h.HandleAction)
	})

	return r
}

// HandleAdd is add_download: it classifies and queues the URL and returns the new transfer.
func (h *DownloadHandler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req AddDownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	id, err := h.downloads.AddDownload(r.Context(), req.URL, req.Destination)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	snap, err := h.downloads.Snapshot(id)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, newDownloadResponse(snap))
}

func (h *DownloadHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	snaps := h.downloads.List()

	resp := make([]DownloadResponse, 0, len(snaps))
	for _, s := range snaps {
		resp = append(resp, newDownloadResponse(s))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *DownloadHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.downloads.History(r.Context())
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	resp := make([]HistoryResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, HistoryResponse{
			Source:      rec.Source,
			Destination: rec.Destination,
			Kind:        rec.Kind,
			Title:       rec.Title,
			State:       rec.State,
			Size:        rec.Size,
			Completed:   rec.Completed,
			Reason:      rec.Reason,
			InstanceID:  rec.InstanceID,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *DownloadHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	h.respondSnapshot(w, r, id, http.StatusOK)
}

func (h *DownloadHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	if err := h.downloads.Remove(r.Context(), id); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleAction runs one of the transfer controls named by the last path segment.
func (h *DownloadHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	var control func(context.Context, int) error

	switch action := chi.URLParam(r, "action"); action {
	case "start":
		control = h.downloads.Start
	case "pause":
		control = h.downloads.Pause
	case "stop":
		control = h.downloads.Stop
	case "cancel":
		control = h.downloads.Cancel
	case "export":
		control = h.downloads.Export
	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown action " + action})

		return
	}

	if err := control(r.Context(), id); err != nil {
		h.writeError(w, r, err)

		return
	}

	h.respondSnapshot(w, r, id, http.StatusOK)
}

// HandleChallenge serves the pending verification image as PNG.
func (h *DownloadHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	c, err := h.downloads.Challenge(id)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(c.PNG)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.PNG)
}

// HandleSubmitChallenge is the human-input collaborator: it hands the operator's
// answer to the waiting pipeline.
func (h *DownloadHandler) HandleSubmitChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	var req ChallengeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "text is required"})

		return
	}

	if err := h.downloads.SubmitChallenge(r.Context(), id, req.Text); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) respondSnapshot(w http.ResponseWriter, r *http.Request, id, status int) {
	snap, err := h.downloads.Snapshot(id)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, status, newDownloadResponse(snap))
}

func (h *DownloadHandler) transferID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid transfer id"})

		return 0, false
	}

	return id, true
}

func (h *DownloadHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, downloader.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidURL),
		errors.Is(err, downloader.ErrNoDestination),
		errors.Is(err, downloader.ErrNoChallengeSupport):
		return http.StatusBadRequest
	case errors.Is(err, downloader.ErrInvalidTransition),
		errors.Is(err, hosting.ErrNoChallenge):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *DownloadHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="gdman"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

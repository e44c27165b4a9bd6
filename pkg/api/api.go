// Package api serves the stored plate events: an HTML page for people and a
// JSON endpoint for programs.
package api

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/edgeflare/platewatch/pkg/httputil"
	"github.com/edgeflare/platewatch/pkg/httputil/middleware"
	"github.com/edgeflare/platewatch/pkg/metrics"
	"github.com/edgeflare/platewatch/pkg/plate"
	"github.com/edgeflare/platewatch/pkg/store"
	"go.uber.org/zap"
)

// MaxLimit caps ?limit= and the number of rows on the index page.
const MaxLimit = 1000

//go:embed templates/index.html
var templateFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Reader is the read side of store.Store.
type Reader interface {
	ListRecent(ctx context.Context, limit int) ([]plate.Event, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

var _ Reader = (store.Store)(nil)

type Options struct {
	Logger *zap.Logger
	// ListenerState reports the ingestion state for /healthz. Nil means no
	// listener runs in this process.
	ListenerState func() string
}

type Handler struct {
	store  Reader
	opts   Options
	logger *zap.Logger
}

func New(r Reader, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: r, opts: opts, logger: logger.With(zap.String("component", "api"))}
}

// Register mounts the routes on router.
func (h *Handler) Register(router *httputil.Router) {
	router.HandleFunc("GET /{$}", h.Index)
	router.HandleFunc("GET /healthz", h.Health)

	apiGroup := router.Group("/api")
	apiGroup.HandleFunc("GET /plates", h.ListPlates)
}

type indexData struct {
	Events []plate.Event
	Total  int64
}

// Index renders every stored event, newest first, up to MaxLimit rows.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := h.store.ListRecent(ctx, MaxLimit)
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}
	total, err := h.store.Count(ctx)
	if err != nil {
		h.fail(w, r, "count", err)
		return
	}

	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, indexData{Events: events, Total: total}); err != nil {
		middleware.LoggerFromContext(ctx).Error("render index", zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	httputil.HTML(w, http.StatusOK, buf.Bytes())
}

// ListPlates returns the newest events as JSON. limit defaults to
// store.DefaultLimit, must be a positive integer and is capped at MaxLimit.
func (h *Handler) ListPlates(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}
	httputil.JSON(w, http.StatusOK, events)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return store.DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if err := plate.CheckLimit(limit); err != nil {
		return 0, err
	}
	return min(limit, MaxLimit), nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Listener string `json:"listener"`
}

// Health reports store reachability and the listener state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Listener: "disabled"}
	if h.opts.ListenerState != nil {
		resp.Listener = h.opts.ListenerState()
	}

	if err := h.store.Ping(r.Context()); err != nil {
		middleware.LoggerFromContext(r.Context()).Warn("store ping failed", zap.Error(err))
		resp.Status = "unavailable"
		httputil.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// fail maps store errors onto HTTP responses without leaking backend detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if plate.IsInvalidArgument(err) {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.StorageErrors.WithLabelValues(op).Inc()
	h.logger.Error("store query failed",
		zap.String("op", op),
		zap.String("req_id", httputil.RequestID(r)),
		zap.Error(err))
	httputil.Error(w, http.StatusInternalServerError, "failed to read plates")
}

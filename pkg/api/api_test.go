package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edgeflare/platewatch/pkg/httputil"
	"github.com/edgeflare/platewatch/pkg/plate"
	"github.com/edgeflare/platewatch/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type brokenStore struct{ err error }

func (b brokenStore) ListRecent(context.Context, int) ([]plate.Event, error) { return nil, b.err }
func (b brokenStore) Count(context.Context) (int64, error)                  { return 0, b.err }
func (b brokenStore) Ping(context.Context) error                            { return b.err }

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "plates.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Init(ctx))
	return s
}

func newRouter(r Reader, opts Options) *httputil.Router {
	router := httputil.NewRouter()
	New(r, opts).Register(router)
	return router
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func decodeEvents(t *testing.T, w *httptest.ResponseRecorder) []plate.Event {
	t.Helper()
	var events []plate.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	return events
}

func TestListPlates(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	for i := 1; i <= 12; i++ {
		_, err := s.Append(ctx, fmt.Sprintf("P%02d", i), fmt.Sprintf("2024-01-01T00:00:%02d", i))
		require.NoError(t, err)
	}
	router := newRouter(s, Options{})

	t.Run("DefaultLimit", func(t *testing.T) {
		w := get(t, router, "/api/plates")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		events := decodeEvents(t, w)
		require.Len(t, events, 10)
		assert.Equal(t, "P12", events[0].Plate)
		assert.Equal(t, "2024-01-01T00:00:12", events[0].Timestamp)
		assert.Equal(t, "P03", events[9].Plate)
	})

	t.Run("Limit", func(t *testing.T) {
		events := decodeEvents(t, get(t, router, "/api/plates?limit=2"))
		require.Len(t, events, 2)
		assert.Equal(t, []string{"P12", "P11"}, []string{events[0].Plate, events[1].Plate})
	})

	t.Run("LimitAboveCount", func(t *testing.T) {
		assert.Len(t, decodeEvents(t, get(t, router, "/api/plates?limit=100")), 12)
	})

	t.Run("LimitClamped", func(t *testing.T) {
		w := get(t, router, "/api/plates?limit=1000000")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeEvents(t, w), 12)
	})

	for _, limit := range []string{"0", "-1", "abc", "1.5"} {
		t.Run("BadLimit_"+limit, func(t *testing.T) {
			w := get(t, router, "/api/plates?limit="+limit)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var body httputil.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, http.StatusBadRequest, body.Code)
			assert.Contains(t, body.Message, "limit")
		})
	}
}

func TestListPlatesEmpty(t *testing.T) {
	w := get(t, newRouter(newSQLiteStore(t), Options{}), "/api/plates")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestStorageFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	router := newRouter(brokenStore{err: &plate.StorageError{Op: "list", Err: errors.New("disk I/O error")}}, Options{Logger: zap.New(core)})

	for _, target := range []string{"/", "/api/plates"} {
		w := get(t, router, target)
		assert.Equal(t, http.StatusInternalServerError, w.Code, target)
		assert.NotContains(t, w.Body.String(), "disk I/O error")
	}
	assert.Equal(t, 2, logs.FilterMessage("store query failed").Len())
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	router := newRouter(s, Options{})

	w := get(t, router, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "No plates detected yet.")

	_, err := s.Append(ctx, "A000AA78", "2024-01-01T00:00:00")
	require.NoError(t, err)
	_, err = s.Append(ctx, "<script>", "2024-01-02T00:00:00")
	require.NoError(t, err)

	body := get(t, router, "/").Body.String()
	assert.Contains(t, body, "2 event(s) stored")
	assert.Contains(t, body, "A000AA78")
	assert.Contains(t, body, "&lt;script&gt;")
	assert.NotContains(t, body, "<td><script>")
	assert.Less(t, strings.Index(body, "2024-01-02T00:00:00"), strings.Index(body, "2024-01-01T00:00:00"))

	assert.Equal(t, http.StatusNotFound, get(t, router, "/nope").Code)
}

func TestHealth(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		router := newRouter(newSQLiteStore(t), Options{ListenerState: func() string { return "subscribed" }})
		w := get(t, router, "/healthz")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok","listener":"subscribed"}`, w.Body.String())
	})

	t.Run("NoListener", func(t *testing.T) {
		w := get(t, newRouter(newSQLiteStore(t), Options{}), "/healthz")
		assert.JSONEq(t, `{"status":"ok","listener":"disabled"}`, w.Body.String())
	})

	t.Run("StoreDown", func(t *testing.T) {
		w := get(t, newRouter(brokenStore{err: errors.New("closed")}, Options{}), "/healthz")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status":"unavailable","listener":"disabled"}`, w.Body.String())
	})
}

func TestParseLimit(t *testing.T) {
	limit, err := parseLimit("")
	require.NoError(t, err)
	assert.Equal(t, 10, limit)

	limit, err = parseLimit("5000")
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, limit)

	_, err = parseLimit("0")
	assert.ErrorIs(t, err, plate.ErrInvalidArgument)
}

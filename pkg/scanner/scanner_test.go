package scanner

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/edgeflare/platewatch/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReading(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Reading
		wantErr bool
	}{
		{"Valid", "A000AA78,2024-01-01T12:00:00.123456", Reading{"A000AA78", "2024-01-01T12:00:00.123456"}, false},
		{"TrailingNewline", "B123BB99,2024-01-01T12:00:00\n", Reading{"B123BB99", "2024-01-01T12:00:00"}, false},
		{"FirstCommaOnly", "C456CC12,2024,extra", Reading{"C456CC12", "2024,extra"}, false},
		{"NoComma", "A000AA78 2024-01-01", Reading{}, true},
		{"EmptyPlate", ",2024-01-01", Reading{}, true},
		{"EmptyTimestamp", "A000AA78,", Reading{}, true},
		{"Empty", "", Reading{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReading(tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedReading)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandlers(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 30, 0, 500, time.UTC)
	s := New(Options{
		Now:  func() time.Time { return now },
		Pick: func(n int) int { return n - 1 },
	})
	router := httputil.NewRouter()
	s.Register(router)

	t.Run("Index", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, IndexText, w.Body.String())
	})

	t.Run("GetPlate", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/get_plate", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "E101EE56,2024-03-01T08:30:00.0000005Z", w.Body.String())

		r, err := ParseReading(w.Body.String())
		require.NoError(t, err)
		assert.Equal(t, "E101EE56", r.Plate)
	})
}

func TestReadUsesDefaultPlates(t *testing.T) {
	s := New(Options{})
	for range 50 {
		r := s.Read()
		assert.True(t, slices.Contains(DefaultPlates, r.Plate), r.Plate)
		_, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		assert.NoError(t, err)
	}
}

// Package scanner is a stand-in for the plate camera: an HTTP endpoint that
// reports a random plate with the current time on every request.
package scanner

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/platewatch/pkg/httputil"
	"github.com/edgeflare/platewatch/pkg/httputil/middleware"
	"go.uber.org/zap"
)

// DefaultPlates are the plates the demo scanner picks from.
var DefaultPlates = []string{"A000AA78", "B123BB99", "C456CC12", "D789DD34", "E101EE56"}

// IndexText is served on / as a pointer to the real endpoint.
const IndexText = "Se /get_plate"

// Reading is one parsed scanner response.
type Reading struct {
	Plate     string
	Timestamp string
}

var ErrMalformedReading = errors.New("malformed scanner reading")

// ParseReading splits a "<plate>,<timestamp>" body at the first comma.
func ParseReading(body string) (Reading, error) {
	body = strings.TrimSpace(body)
	p, ts, ok := strings.Cut(body, ",")
	if !ok {
		return Reading{}, fmt.Errorf("%w: no comma in %q", ErrMalformedReading, body)
	}
	p, ts = strings.TrimSpace(p), strings.TrimSpace(ts)
	if p == "" || ts == "" {
		return Reading{}, fmt.Errorf("%w: empty field in %q", ErrMalformedReading, body)
	}
	return Reading{Plate: p, Timestamp: ts}, nil
}

// String formats r the way the scanner serves it.
func (r Reading) String() string {
	return r.Plate + "," + r.Timestamp
}

type Options struct {
	Plates []string
	// Now defaults to time.Now
	Now func() time.Time
	// Pick returns an index in [0, n), defaults to math/rand/v2.IntN
	Pick func(n int) int
}

type Scanner struct {
	plates []string
	now    func() time.Time
	pick   func(int) int
}

func New(opts Options) *Scanner {
	s := &Scanner{plates: opts.Plates, now: opts.Now, pick: opts.Pick}
	if len(s.plates) == 0 {
		s.plates = DefaultPlates
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.pick == nil {
		s.pick = rand.IntN
	}
	return s
}

// Read produces one reading stamped with the local time.
func (s *Scanner) Read() Reading {
	return Reading{
		Plate:     s.plates[s.pick(len(s.plates))],
		Timestamp: s.now().Format(time.RFC3339Nano),
	}
}

func (s *Scanner) Register(router *httputil.Router) {
	router.HandleFunc("GET /{$}", s.Index)
	router.HandleFunc("GET /get_plate", s.GetPlate)
}

func (s *Scanner) Index(w http.ResponseWriter, r *http.Request) {
	httputil.Text(w, http.StatusOK, IndexText)
}

func (s *Scanner) GetPlate(w http.ResponseWriter, r *http.Request) {
	reading := s.Read()
	middleware.LoggerFromContext(r.Context()).Debug("plate read", zap.String("plate", reading.Plate))
	httputil.Text(w, http.StatusOK, reading.String())
}

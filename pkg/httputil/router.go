package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Middleware wraps an http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions configures a Router.
type RouterOptions func(*Router)

// Router is a thin layer over http.ServeMux with middleware and route groups.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	prefix     string
	group      bool
	middleware []Middleware
	mu         sync.RWMutex
	tlsErr     error
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux: http.NewServeMux(),
		server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithLogger sets the logger used for server lifecycle messages.
func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithTLS serves HTTPS using the given key pair, generating a self-signed one
// when neither file exists. A load failure is returned by ListenAndServe.
func WithTLS(certFile, keyFile string) RouterOptions {
	return func(r *Router) {
		cert, err := LoadOrGenerateCert(certFile, keyFile)
		if err != nil {
			r.tlsErr = fmt.Errorf("error loading TLS certificates: %w", err)
			return
		}
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
}

// Use adds one or more middleware, applied in the order they are added. On the
// root router they wrap the whole mux, so they also see unmatched requests
// such as CORS preflights. On a group they wrap routes registered after the call.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group creates a new sub-router with a specified prefix. A group of a group
// inherits its parent's middleware; root middleware applies to every route.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g := &Router{
		mux:    r.mux,
		server: r.server,
		logger: r.logger,
		prefix: r.prefix + prefix,
		group:  true,
	}
	if r.group {
		g.middleware = slices.Clone(r.middleware)
	}
	return g
}

// Handle registers handler for "METHOD /pattern". On a group with a /prefix
// the route resolves to "METHOD /prefix/pattern". It panics on a malformed
// pattern, like http.ServeMux does.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok {
		panic(fmt.Sprintf("httputil: invalid method pattern %q", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	finalHandler := handler
	if r.group {
		finalHandler = r.wrap(handler)
	}
	r.mux.Handle(fmt.Sprintf("%s %s%s", method, r.prefix, pattern), finalHandler)
}

// HandleFunc is Handle for a plain function.
func (r *Router) HandleFunc(methodPattern string, fn http.HandlerFunc) {
	r.Handle(methodPattern, fn)
}

// ServeHTTP makes the router usable as an http.Handler, e.g. in httptest.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Handler().ServeHTTP(w, req)
}

// Handler returns the mux wrapped in the root middleware.
func (r *Router) Handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.group {
		return r.mux
	}
	return r.wrap(r.mux)
}

// wrap must be called with r.mu held.
func (r *Router) wrap(h http.Handler) http.Handler {
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	return h
}

// ListenAndServe starts the server, choosing HTTPS when TLS is configured.
// It returns nil after Shutdown.
func (r *Router) ListenAndServe(addr string) error {
	if r.tlsErr != nil {
		return r.tlsErr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (r *Router) Serve(ln net.Listener) error {
	r.server.Addr = ln.Addr().String()
	r.server.Handler = r.Handler()
	r.logger.Info("starting server", zap.String("addr", r.server.Addr), zap.Bool("tls", r.server.TLSConfig != nil))

	var err error
	if r.server.TLSConfig != nil {
		err = r.server.ServeTLS(ln, "", "")
	} else {
		err = r.server.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	return r.server.Shutdown(ctx)
}

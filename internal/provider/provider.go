// Package provider serves one service description over mutual TLS. Every
// declared operation is routed at /<name>/v<api><path> behind the request
// gate; the provider also answers its self-description, an OpenAPI export
// and metrics, and keeps itself registered with the directory.
package provider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"svcweave/internal/credentials"
	"svcweave/internal/description"
	"svcweave/internal/directory"
	"svcweave/internal/gate"
	"svcweave/internal/logging"
	"svcweave/internal/message"
	"svcweave/internal/metrics"
)

// RequestIDHeader carries the inbound request id; it is echoed on the
// response.
const RequestIDHeader = "X-Request-Id"

// Handler implements one operation.
type Handler func(ctx context.Context, req *message.Request) (*message.Response, error)

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logging.Component(logger, "provider") }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Provider) { p.metrics = m }
}

// WithAuth installs the collaborators of the basic scheme.
func WithAuth(authn gate.Authenticator, authz gate.Authorizer) Option {
	return func(p *Provider) {
		p.authn = authn
		p.authz = authz
	}
}

// WithDirectory sets the client used to register the provider.
func WithDirectory(c *directory.Client) Option {
	return func(p *Provider) { p.directory = c }
}

// WithClientCAs makes the provider verify client certificates against pool.
// Without it any client certificate is accepted.
func WithClientCAs(pool *x509.CertPool) Option {
	return func(p *Provider) { p.clientCAs = pool }
}

// Provider is the server side of one service.
type Provider struct {
	svc       *description.Service
	bundle    *credentials.Bundle
	logger    *slog.Logger
	metrics   *metrics.Collector
	authn     gate.Authenticator
	authz     gate.Authorizer
	directory *directory.Client
	clientCAs *x509.CertPool
	router    http.Handler

	mu         sync.RWMutex
	handlers   map[string]Handler
	server     *http.Server
	listener   net.Listener
	stopReg    context.CancelFunc
	registered <-chan struct{}

	serving atomic.Bool
}

// New builds the provider for svc. bundle is the certificate the provider
// presents and publishes in its self-description.
func New(svc *description.Service, bundle *credentials.Bundle, opts ...Option) *Provider {
	p := &Provider{
		svc:      svc,
		bundle:   bundle,
		logger:   logging.Discard(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.router = p.routes()
	return p
}

// Handle binds h to a declared operation.
func (p *Provider) Handle(operation string, h Handler) error {
	if _, ok := p.svc.Operation(operation); !ok {
		return fmt.Errorf("%s does not declare operation %q", p.svc.IdentificationName(), operation)
	}
	p.mu.Lock()
	p.handlers[operation] = h
	p.mu.Unlock()
	return nil
}

// Handler returns the routed HTTP handler.
func (p *Provider) Handler() http.Handler {
	return p.router
}

func (p *Provider) routes() http.Handler {
	g := gate.New(p.svc, gate.WithLogger(p.logger), gate.WithMetrics(p.metrics), gate.WithAuth(p.authn, p.authz))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(p.availability)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, r.Method+" is not routed for "+r.URL.Path)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})

	if base := p.svc.BasePath(); base != "" {
		r.Get(base, p.handleSelf)
	}
	r.Get("/openapi.json", p.handleOpenAPI)
	if p.metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.metrics.Handler())
	}
	for _, name := range p.svc.OperationNames() {
		op, _ := p.svc.Operation(name)
		pattern := description.RoutePattern(p.svc.FullPath(op))
		r.Method(op.Method(), pattern, p.record(op, g.Wrap(op, p.invoke(op))))
	}
	return r
}

// availability answers 503 unless the provider is serving.
func (p *Provider) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.serving.Load() {
			writeError(w, http.StatusServiceUnavailable, "service is not serving")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// record builds the inbound message.Request and stores it on the context.
func (p *Provider) record(op *description.Operation, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		req := &message.Request{
			Operation:  op.Name,
			Headers:    message.HeadersFrom(r.Header),
			PathParams: map[string]any{},
			Query:      map[string]any{},
			Client:     message.Client{RemoteAddr: r.RemoteAddr, RequestID: requestID},
		}
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			req.Client.Subject = r.TLS.PeerCertificates[0].Subject.String()
		}
		for _, name := range description.Placeholders(op.Request.Path) {
			req.PathParams[name] = chi.URLParam(r, name)
		}
		for key, vals := range r.URL.Query() {
			if len(vals) > 0 {
				req.Query[key] = vals[0]
			}
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req.Body); err != nil {
				writeError(w, http.StatusBadRequest, "body is not valid JSON")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(message.WithRequest(r.Context(), req)))
	})
}

func (p *Provider) invoke(op *description.Operation) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.RLock()
		h := p.handlers[op.Name]
		p.mu.RUnlock()
		if h == nil {
			writeError(w, http.StatusNotImplemented, op.Name+" has no implementation")
			return
		}

		req, _ := message.FromContext(r.Context())
		start := time.Now()
		resp, err := h(r.Context(), req)
		if err != nil {
			p.logger.Error("handler failed", "operation", op.Name, "request_id", req.Client.RequestID, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if resp == nil {
			resp = &message.Response{Status: http.StatusNoContent}
		}
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
		p.logger.Debug("handled", "operation", op.Name, "status", resp.Status, "user", req.AuthorizedUser,
			"request_id", req.Client.RequestID, "duration", time.Since(start))
		if resp.Body == nil {
			w.WriteHeader(resp.Status)
			return
		}
		writeJSON(w, resp.Status, resp.Body)
	})
}

func (p *Provider) handleSelf(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"serviceContext": p.svc,
		"certificate":    string(p.bundle.CertPEM),
	})
}

func (p *Provider) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc, err := description.OpenAPI(r.Context(), p.svc)
	if err != nil {
		p.logger.Error("openapi export", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// TLSConfig is the server side of the mutual TLS handshake.
func (p *Provider) TLSConfig() *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{p.bundle.TLS},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	if p.clientCAs != nil {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = p.clientCAs
	}
	return cfg
}

// Start listens on addr, begins serving and, when the description's location
// points at the directory, starts the background registration. Registration
// stops when ctx ends or on Shutdown.
func (p *Provider) Start(ctx context.Context, addr string) error {
	useDirectory := directory.UsesDirectory(p.svc.Location)
	if useDirectory && p.directory == nil {
		return fmt.Errorf("%s registers with the directory but no directory client is configured", p.svc.IdentificationName())
	}

	ln, err := tls.Listen("tcp", addr, p.TLSConfig())
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           p.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	p.mu.Lock()
	p.server = srv
	p.listener = ln
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("serve", "error", err)
		}
	}()
	p.serving.Store(true)
	port := p.Port()
	p.logger.Info("serving", "service", p.svc.IdentificationName(), "addr", ln.Addr().String())

	if useDirectory {
		regCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.stopReg = cancel
		p.registered = p.directory.Register(regCtx, p.svc, port)
		p.mu.Unlock()
	}
	return nil
}

// Port is the bound listening port, or 0 before Start.
func (p *Provider) Port() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return 0
	}
	if addr, ok := p.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Registered is closed once the directory accepted the registration. It is
// nil when the provider does not use the directory.
func (p *Provider) Registered() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registered
}

// Shutdown stops accepting calls, stops registration and drains in-flight
// requests.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.serving.Store(false)
	p.mu.Lock()
	srv, stop := p.server, p.stopReg
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

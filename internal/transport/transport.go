// Package transport performs one mutually authenticated HTTPS exchange per
// call. It never retries; callers own retry policy.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"svcweave/internal/credentials"
	"svcweave/internal/logging"
	"svcweave/internal/message"
	"svcweave/internal/redact"
)

// Request is one outbound exchange.
type Request struct {
	Hostname string
	Port     int
	Path     string
	Method   string
	Headers  message.Headers
	// Auth is a "username:password" string sent as Basic authentication.
	Auth string
	Body []byte
	// Certificate is the PEM certificate the peer must present or chain to.
	Certificate []byte
	// RejectUnauthorized turns on verification of the peer certificate.
	RejectUnauthorized bool
}

func (r *Request) target() string {
	return net.JoinHostPort(r.Hostname, strconv.Itoa(r.Port))
}

// Sender is the transport contract the directory client, the resolver and
// the call pipeline depend on.
type Sender interface {
	Send(ctx context.Context, req *Request) (*message.CallResponse, error)
}

// TransportError is a connection, TLS or body decoding failure.
type TransportError struct {
	Op     string
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Option configures a Transport.
type Option func(*Transport)

// WithCredentialWait bounds how long Send waits for credentials.
func WithCredentialWait(d time.Duration) Option {
	return func(t *Transport) { t.credentialWait = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logging.Component(logger, "transport") }
}

func WithRedactor(r *redact.Redactor) Option {
	return func(t *Transport) { t.redactor = r }
}

// Transport is the production Sender.
type Transport struct {
	store          *CredentialStore
	credentialWait time.Duration
	logger         *slog.Logger
	redactor       *redact.Redactor

	mu      sync.Mutex
	clients map[string]*http.Client
}

func New(store *CredentialStore, opts ...Option) *Transport {
	t := &Transport{
		store:    store,
		logger:   logging.Discard(),
		redactor: redact.NewRedactor(),
		clients:  map[string]*http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send waits for process credentials, then performs the exchange.
func (t *Transport) Send(ctx context.Context, req *Request) (*message.CallResponse, error) {
	if err := t.awaitCredentials(ctx, req); err != nil {
		return nil, err
	}
	if req.Auth != "" {
		t.redactor.AddCredential(req.Auth)
	}

	client, err := t.client(req)
	if err != nil {
		return nil, &TransportError{Op: "configure", Target: req.target(), Err: err}
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := "https://" + req.target() + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &TransportError{Op: "build", Target: req.target(), Err: err}
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if req.Auth != "" {
		username, password, _ := strings.Cut(req.Auth, ":")
		httpReq.SetBasicAuth(username, password)
	}

	t.logger.Debug("sending request", "method", method, "url", t.redactor.Redact(url))
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "send", Target: req.target(), Err: err}
	}
	defer resp.Body.Close()
	return t.readResponse(req, resp)
}

func (t *Transport) awaitCredentials(ctx context.Context, req *Request) error {
	select {
	case <-t.store.Ready():
		return nil
	default:
	}
	t.logger.Debug("credentials not ready, deferring request", "target", req.target())

	var timeout <-chan time.Time
	if t.credentialWait > 0 {
		timer := time.NewTimer(t.credentialWait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-t.store.Ready():
		return nil
	case <-timeout:
		return &TransportError{Op: "credentials", Target: req.target(), Err: fmt.Errorf("not available after %s", t.credentialWait)}
	case <-ctx.Done():
		return &TransportError{Op: "credentials", Target: req.target(), Err: ctx.Err()}
	}
}

func (t *Transport) readResponse(req *Request, resp *http.Response) (*message.CallResponse, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read", Target: req.target(), Err: err}
	}

	var body any = map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, &TransportError{Op: "decode", Target: req.target(), Err: err}
		}
	}

	out := &message.CallResponse{
		Status:        resp.StatusCode,
		StatusMessage: statusMessage(resp),
		Headers:       message.HeadersFrom(resp.Header),
		Body:          body,
		Raw:           raw,
	}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		out.PeerCertificate = resp.TLS.PeerCertificates[0].Raw
	}
	t.logger.Debug("response received", "target", req.target(), "status", resp.StatusCode)
	return out, nil
}

func statusMessage(resp *http.Response) string {
	msg := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}

// client returns a cached client for the request's trust settings.
func (t *Transport) client(req *Request) (*http.Client, error) {
	snap := t.store.snapshot()
	sum := sha256.Sum256(req.Certificate)
	key := fmt.Sprintf("%d/%t/%s", snap.generation, req.RejectUnauthorized, hex.EncodeToString(sum[:]))

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c, nil
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{snap.cert},
		MinVersion:   tls.VersionTLS12,
	}
	switch {
	case !req.RejectUnauthorized:
		cfg.InsecureSkipVerify = true
	case len(req.Certificate) > 0:
		verify, err := credentials.PinnedVerifier(req.Certificate)
		if err != nil {
			return nil, fmt.Errorf("pinned certificate: %w", err)
		}
		// The pinned certificate is the trust anchor; the address it was
		// found at need not appear in its SANs.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verify
	default:
		cfg.RootCAs = snap.roots
	}

	c := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     cfg,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 4,
		},
	}
	t.clients[key] = c
	return c, nil
}

// Package gate runs the provider-side checks every inbound call passes before
// its handler: parameter validation against the operation contract, then the
// authorization chain selected by the operation's effective security scheme.
//
// Both stages read and update the *message.Request stored on the request
// context by the provider. Raw path and query values arrive as strings and
// leave coerced to their declared types.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"svcweave/internal/description"
	"svcweave/internal/logging"
	"svcweave/internal/message"
	"svcweave/internal/metrics"
)

// ErrDenied is returned by authenticators and authorizers that refuse a
// caller. Any other error is treated as an internal failure.
var ErrDenied = errors.New("access denied")

// Authenticator checks Basic credentials and returns the caller's user id.
type Authenticator interface {
	Authenticate(ctx context.Context, creds message.Credentials) (string, error)
}

// Authorizer decides whether userID may call operation on service.
type Authorizer interface {
	Authorize(ctx context.Context, userID, service, operation string) error
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logging.Component(logger, "gate") }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithAuth installs the collaborators used by the basic scheme.
func WithAuth(authn Authenticator, authz Authorizer) Option {
	return func(g *Gate) {
		g.authn = authn
		g.authz = authz
	}
}

// Gate builds the middleware for the operations of one service.
type Gate struct {
	svc     *description.Service
	authn   Authenticator
	authz   Authorizer
	logger  *slog.Logger
	metrics *metrics.Collector
}

func New(svc *description.Service, opts ...Option) *Gate {
	g := &Gate{svc: svc, logger: logging.Discard()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Wrap applies validation and then authorization for op in front of next.
func (g *Gate) Wrap(op *description.Operation, next http.Handler) http.Handler {
	return g.ValidateParameters(op)(g.Authorize(op)(next))
}

// ValidateParameters rejects calls that break op's parameter contract with
// 400 and coerces the accepted values in place.
func (g *Gate) ValidateParameters(op *description.Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, ok := message.FromContext(r.Context())
			if !ok {
				g.reject(w, http.StatusInternalServerError, "request record missing")
				return
			}
			if err := validate(op, req); err != nil {
				g.logger.Debug("parameter rejected", "operation", op.Name, "error", err, "request_id", req.Client.RequestID)
				g.reject(w, http.StatusBadRequest, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validate(op *description.Operation, req *message.Request) error {
	if req.PathParams == nil {
		req.PathParams = map[string]any{}
	}
	if req.Query == nil {
		req.Query = map[string]any{}
	}
	for _, p := range op.Request.Parameters {
		own, other := req.Query, req.PathParams
		if p.In == description.InPath {
			own, other = req.PathParams, req.Query
		}
		if _, found := other[p.Name]; found {
			return fmt.Errorf("parameter %s must be sent in %s", p.Name, p.In)
		}

		raw, present := own[p.Name]
		if present && isEmpty(raw) {
			present = false
			delete(own, p.Name)
		}
		if !present {
			if p.Required {
				return fmt.Errorf("missing required parameter %s", p.Name)
			}
			continue
		}

		value, err := coerce(p.Type, raw)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		own[p.Name] = value
	}
	return nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func coerce(t description.ParamType, raw any) (any, error) {
	if s, ok := raw.(string); ok {
		return t.Coerce(s)
	}
	if !t.Accepts(raw) {
		return nil, fmt.Errorf("must be of type %s", t)
	}
	return raw, nil
}

// Authorize runs the authorization chain for op's effective scheme.
func (g *Gate) Authorize(op *description.Operation) func(http.Handler) http.Handler {
	scheme := g.svc.EffectiveSecurity(op).Scheme
	realm := g.svc.IdentificationName() + "/" + op.Name

	return func(next http.Handler) http.Handler {
		if scheme.IsNone() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if scheme != description.SchemeBasic {
				g.reject(w, http.StatusInternalServerError, fmt.Sprintf("unsupported security scheme %q", scheme))
				return
			}
			req, ok := message.FromContext(r.Context())
			if !ok {
				g.reject(w, http.StatusInternalServerError, "request record missing")
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				g.challenge(w, realm, "basic credentials required")
				return
			}
			status, err := g.basic(r.Context(), op, req, message.Credentials{Username: username, Password: password})
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case status == http.StatusUnauthorized:
				g.challenge(w, realm, err.Error())
			default:
				g.reject(w, status, err.Error())
			}
		})
	}
}

// basic authenticates creds, authorizes the resulting user and attaches both
// to req. On failure it returns the status to answer with.
func (g *Gate) basic(ctx context.Context, op *description.Operation, req *message.Request, creds message.Credentials) (int, error) {
	if g.authn == nil || g.authz == nil {
		return http.StatusInternalServerError, errors.New("no authentication service configured")
	}
	service := g.svc.IdentificationName()

	userID, err := g.authn.Authenticate(ctx, creds)
	if errors.Is(err, ErrDenied) {
		g.logger.Info("authentication refused", "service", service, "operation", op.Name, "user", creds.Username)
		return http.StatusUnauthorized, errors.New("authentication failed")
	}
	if err != nil {
		g.logger.Error("authentication failed", "service", service, "operation", op.Name, "error", err)
		return http.StatusInternalServerError, fmt.Errorf("authentication: %w", err)
	}
	if userID == "" {
		return http.StatusUnauthorized, errors.New("authentication returned no user id")
	}

	err = g.authz.Authorize(ctx, userID, service, op.Name)
	if errors.Is(err, ErrDenied) {
		g.logger.Info("authorization refused", "service", service, "operation", op.Name, "user_id", userID)
		return http.StatusForbidden, fmt.Errorf("user %s may not call %s", userID, op.Name)
	}
	if err != nil {
		g.logger.Error("authorization failed", "service", service, "operation", op.Name, "error", err)
		return http.StatusInternalServerError, fmt.Errorf("authorization: %w", err)
	}

	req.Credentials = &creds
	req.AuthorizedUser = userID
	return http.StatusOK, nil
}

func (g *Gate) challenge(w http.ResponseWriter, realm, msg string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
	g.reject(w, http.StatusUnauthorized, msg)
}

func (g *Gate) reject(w http.ResponseWriter, status int, msg string) {
	g.metrics.RecordRejection(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Package runtime executes operations on remote services. A CallableService
// is bound to one logical reference; each Execute resolves it, marshals the
// call against the peer's published contract and sends it over mutual TLS.
// Execute makes a single attempt. A 503 answer or a transport failure resets
// the resolved target so the next call starts from the directory.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"svcweave/internal/circuitbreaker"
	"svcweave/internal/description"
	"svcweave/internal/logging"
	"svcweave/internal/message"
	"svcweave/internal/metrics"
	"svcweave/internal/redact"
	"svcweave/internal/resolver"
	"svcweave/internal/transport"
)

// StatusUnavailable is the answer that marks a resolved target as stale.
const StatusUnavailable = 503

// Call is one operation invocation.
type Call struct {
	Operation   string
	Parameters  map[string]any
	Body        any
	Credentials *message.Credentials
}

// ExecuteError means the call does not fit the target's declared contract or
// needs something this client does not support.
type ExecuteError struct {
	Service   string
	Operation string
	Reason    string
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("execute %s %s: %s", e.Service, e.Operation, e.Reason)
}

type Option func(*CallableService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *CallableService) { s.logger = logging.Component(logger, "runtime") }
}

func WithRedactor(r *redact.Redactor) Option {
	return func(s *CallableService) { s.redactor = r }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *CallableService) { s.metrics = m }
}

// WithBreaker fails calls fast while b is open.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *CallableService) { s.breaker = b }
}

// CallableService calls operations of one remote service.
type CallableService struct {
	ref      *resolver.Reference
	sender   transport.Sender
	logger   *slog.Logger
	redactor *redact.Redactor
	metrics  *metrics.Collector
	breaker  *circuitbreaker.Breaker
}

func New(ref *resolver.Reference, sender transport.Sender, opts ...Option) *CallableService {
	s := &CallableService{
		ref:      ref,
		sender:   sender,
		logger:   logging.Discard(),
		redactor: redact.NewRedactor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reference exposes the shared resolution state.
func (s *CallableService) Reference() *resolver.Reference {
	return s.ref
}

// Execute performs call against the resolved target.
func (s *CallableService) Execute(ctx context.Context, call Call) (*message.CallResponse, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}
	start := time.Now()
	id := s.ref.Dependency().String()

	resp, err := s.execute(ctx, call)
	success := err == nil && resp.Status != StatusUnavailable
	s.metrics.RecordCall(id, call.Operation, time.Since(start), success)

	var execErr *ExecuteError
	switch {
	case errors.As(err, &execErr):
		s.breaker.Release()
	case success:
		s.breaker.RecordSuccess()
	case err != nil:
		s.breaker.RecordFailure(err)
	default:
		s.breaker.RecordFailure(fmt.Errorf("status %d", resp.Status))
	}
	return resp, err
}

func (s *CallableService) execute(ctx context.Context, call Call) (*message.CallResponse, error) {
	target, err := s.ref.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	svc := target.Service
	id := svc.IdentificationName()
	if id == "" {
		s.ref.Invalidate()
		return nil, &description.ServiceContextError{Service: s.ref.Dependency().String(), Reason: "resolved service has no identification name"}
	}

	op, ok := svc.Operation(call.Operation)
	if !ok {
		return nil, &ExecuteError{Service: id, Operation: call.Operation, Reason: "operation is not declared"}
	}

	req := &transport.Request{
		Hostname:           target.Location,
		Port:               target.Port,
		Method:             op.Method(),
		Headers:            message.Headers{},
		Certificate:        target.Certificate,
		RejectUnauthorized: true,
	}

	scheme := svc.EffectiveSecurity(op).Scheme
	switch {
	case scheme.IsNone():
	case scheme == description.SchemeBasic:
		if call.Credentials == nil {
			return nil, &ExecuteError{Service: id, Operation: op.Name, Reason: "credentials are required for the basic scheme"}
		}
		s.redactor.AddCredential(call.Credentials.String())
		req.Auth = call.Credentials.String()
	default:
		return nil, &ExecuteError{Service: id, Operation: op.Name, Reason: fmt.Sprintf("unsupported security scheme %q", scheme)}
	}

	path, err := buildPath(op, call.Parameters)
	if err != nil {
		return nil, &ExecuteError{Service: id, Operation: op.Name, Reason: err.Error()}
	}
	req.Path = svc.BasePath() + path

	if call.Body != nil {
		body, err := encodeBody(call.Body)
		if err != nil {
			return nil, &ExecuteError{Service: id, Operation: op.Name, Reason: err.Error()}
		}
		req.Body = body
		req.Headers.Set("content-type", "application/json")
		req.Headers.Set("content-length", strconv.Itoa(len(body)))
	}

	s.logger.Debug("calling operation", "service", id, "operation", op.Name, "method", req.Method, "path", s.redactor.Redact(req.Path))
	resp, err := s.sender.Send(ctx, req)
	if err == nil && resp == nil {
		err = &transport.TransportError{Op: "send", Target: id, Err: errors.New("no response")}
	}
	if err != nil {
		s.ref.Invalidate()
		s.logger.Warn("call failed, target invalidated", "service", id, "operation", op.Name, "error", s.redactor.Redact(err.Error()))
		return nil, err
	}
	if resp.Status == StatusUnavailable {
		s.ref.Invalidate()
		s.logger.Warn("service unavailable, target invalidated", "service", id, "operation", op.Name)
	}
	return resp, nil
}

var placeholderRE = regexp.MustCompile(`:([A-Za-z0-9_]+)`)

// buildPath substitutes path parameters and appends query parameters in
// declaration order.
func buildPath(op *description.Operation, params map[string]any) (string, error) {
	pathValues := map[string]string{}
	var query strings.Builder
	for _, p := range op.Request.Parameters {
		v, ok := params[p.Name]
		if !ok || v == nil {
			if p.Required {
				return "", fmt.Errorf("missing required parameter %s", p.Name)
			}
			continue
		}
		if !p.Type.Accepts(v) {
			return "", fmt.Errorf("parameter %s must be of type %s", p.Name, p.Type)
		}
		value := description.FormatValue(v)

		switch p.In {
		case description.InPath:
			pathValues[p.Name] = url.PathEscape(value)
		case description.InQuery:
			if query.Len() == 0 {
				query.WriteByte('?')
			} else {
				query.WriteByte('&')
			}
			query.WriteString(url.QueryEscape(p.Name))
			query.WriteByte('=')
			query.WriteString(url.QueryEscape(value))
		default:
			return "", fmt.Errorf("parameter %s has unsupported location %s", p.Name, p.In)
		}
	}

	var missing []string
	path := placeholderRE.ReplaceAllStringFunc(op.Request.Path, func(token string) string {
		v, ok := pathValues[token[1:]]
		if !ok {
			missing = append(missing, token[1:])
			return token
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("no value for path placeholder %s", strings.Join(missing, ", "))
	}
	return path + query.String(), nil
}

func encodeBody(body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if trimmed := bytes.TrimSpace(encoded); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("body must be an object")
	}
	return encoded, nil
}

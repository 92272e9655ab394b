package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"svcweave/internal/description"
	"svcweave/internal/message"
	"svcweave/internal/metrics"
	"svcweave/internal/runtime"
)

const calculatorYAML = `
info:
  name: calculator
  api: 2
operations:
  square:
    request:
      method: GET
      path: /square/:n
      parameters:
        n: {in: path, type: integer, required: true}
  scale:
    request:
      method: GET
      path: /scale
      parameters:
        factor: {in: query, type: number, required: true}
        round: {in: query, type: boolean}
        label: {in: query, type: string}
  reset:
    request:
      method: POST
      path: /reset
    security:
      scheme: basic
  sign:
    request:
      method: POST
      path: /sign
    security:
      scheme: hmac
`

func loadCalculator(t *testing.T) *description.Service {
	t.Helper()
	svc, err := description.Parse([]byte(calculatorYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return svc
}

func operation(t *testing.T, svc *description.Service, name string) *description.Operation {
	t.Helper()
	op, ok := svc.Operation(name)
	if !ok {
		t.Fatalf("operation %s missing", name)
	}
	return op
}

// serve runs h with a request record holding the given raw values and
// returns the recorder plus the record as the handler saw it.
func serve(h http.Handler, r *http.Request, path, query map[string]any) (*httptest.ResponseRecorder, *message.Request) {
	req := &message.Request{Headers: message.HeadersFrom(r.Header), PathParams: path, Query: query}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r.WithContext(message.WithRequest(r.Context(), req)))
	return rec, req
}

type recordingHandler struct {
	called bool
	seen   *message.Request
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.seen, _ = message.FromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func TestValidateParameters(t *testing.T) {
	svc := loadCalculator(t)
	tests := []struct {
		name   string
		op     string
		path   map[string]any
		query  map[string]any
		status int
	}{
		{"valid path integer", "square", map[string]any{"n": "12"}, nil, 200},
		{"integer not a number", "square", map[string]any{"n": "abc"}, nil, 400},
		{"required path missing", "square", nil, nil, 400},
		{"required path empty", "square", map[string]any{"n": ""}, nil, 400},
		{"path param sent as query", "square", map[string]any{"n": "3"}, map[string]any{"n": "3"}, 400},
		{"path param only in query", "square", nil, map[string]any{"n": "3"}, 400},
		{"valid query", "scale", nil, map[string]any{"factor": "1.5", "round": "true"}, 200},
		{"query param sent as path", "scale", map[string]any{"factor": "2"}, map[string]any{"factor": "2"}, 400},
		{"optional query param in path", "scale", map[string]any{"label": "x"}, map[string]any{"factor": "2"}, 400},
		{"bad boolean", "scale", nil, map[string]any{"factor": "1", "round": "yes"}, 400},
		{"optional empty is skipped", "scale", nil, map[string]any{"factor": "1", "round": ""}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewCollector()
			g := New(svc, WithMetrics(m))
			next := &recordingHandler{}
			rec, _ := serve(g.ValidateParameters(operation(t, svc, tt.op))(next),
				httptest.NewRequest(http.MethodGet, "/", nil), tt.path, tt.query)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if next.called != (tt.status == 200) {
				t.Fatalf("handler called = %v for status %d", next.called, tt.status)
			}
			if tt.status == 400 && m.Snapshot().Rejections["400"] != 1 {
				t.Fatalf("rejection not recorded: %+v", m.Snapshot().Rejections)
			}
		})
	}
}

func TestValidateParametersCoercesInPlace(t *testing.T) {
	svc := loadCalculator(t)
	g := New(svc)
	next := &recordingHandler{}
	serve(g.ValidateParameters(operation(t, svc, "scale"))(next),
		httptest.NewRequest(http.MethodGet, "/", nil), nil,
		map[string]any{"factor": "2.5", "round": "false", "label": "7", "extra": "kept"})

	if !next.called {
		t.Fatalf("handler not called")
	}
	q := next.seen.Query
	if q["factor"] != 2.5 || q["round"] != false || q["label"] != "7" || q["extra"] != "kept" {
		t.Fatalf("unexpected coerced query %#v", q)
	}

	next = &recordingHandler{}
	serve(g.ValidateParameters(operation(t, svc, "square"))(next),
		httptest.NewRequest(http.MethodGet, "/", nil), map[string]any{"n": "-4"}, nil)
	if v, _ := next.seen.Param("n"); v != int64(-4) {
		t.Fatalf("n = %#v, want int64(-4)", v)
	}
}

type stubAuthn struct {
	userID string
	err    error
	got    message.Credentials
}

func (s *stubAuthn) Authenticate(_ context.Context, creds message.Credentials) (string, error) {
	s.got = creds
	return s.userID, s.err
}

type stubAuthz struct {
	err       error
	user      string
	service   string
	operation string
}

func (s *stubAuthz) Authorize(_ context.Context, userID, service, operation string) error {
	s.user, s.service, s.operation = userID, service, operation
	return s.err
}

func basicRequest(user, pass string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/calculator/v2/reset", nil)
	r.SetBasicAuth(user, pass)
	return r
}

func TestAuthorizeChallenge(t *testing.T) {
	svc := loadCalculator(t)
	g := New(svc, WithAuth(&stubAuthn{userID: "u1"}, &stubAuthz{}))
	h := g.Authorize(operation(t, svc, "reset"))(&recordingHandler{})

	for name, r := range map[string]*http.Request{
		"missing header": httptest.NewRequest(http.MethodPost, "/", nil),
		"wrong scheme": func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.Header.Set("Authorization", "Bearer abc")
			return r
		}(),
		"not base64": func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.Header.Set("Authorization", "Basic !!!")
			return r
		}(),
	} {
		t.Run(name, func(t *testing.T) {
			rec, _ := serve(h, r, nil, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="calculator/v2/reset"` {
				t.Fatalf("unexpected challenge %q", got)
			}
		})
	}
}

func TestAuthorizeChain(t *testing.T) {
	svc := loadCalculator(t)
	boom := errors.New("authentication service unreachable")
	tests := []struct {
		name      string
		authn     *stubAuthn
		authz     *stubAuthz
		status    int
		challenge bool
		reason    string
	}{
		{"success", &stubAuthn{userID: "u1"}, &stubAuthz{}, 200, false, ""},
		{"bad credentials", &stubAuthn{err: ErrDenied}, &stubAuthz{}, 401, true, ""},
		{"no user id", &stubAuthn{}, &stubAuthz{}, 401, true, ""},
		{"forbidden", &stubAuthn{userID: "u1"}, &stubAuthz{err: ErrDenied}, 403, false, ""},
		{"authentication failure", &stubAuthn{err: boom}, &stubAuthz{}, 500, false, "unreachable"},
		{"authorization failure", &stubAuthn{userID: "u1"}, &stubAuthz{err: errors.New("status 502")}, 500, false, "status 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(svc, WithAuth(tt.authn, tt.authz))
			next := &recordingHandler{}
			rec, req := serve(g.Authorize(operation(t, svc, "reset"))(next), basicRequest("alice", "pw"), nil, nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if (rec.Header().Get("WWW-Authenticate") != "") != tt.challenge {
				t.Fatalf("challenge header = %q", rec.Header().Get("WWW-Authenticate"))
			}
			if tt.reason != "" && !strings.Contains(rec.Body.String(), tt.reason) {
				t.Fatalf("reason missing from %s", rec.Body.String())
			}
			if tt.status != 200 {
				if next.called {
					t.Fatalf("handler must not run")
				}
				return
			}
			if tt.authn.got != (message.Credentials{Username: "alice", Password: "pw"}) {
				t.Fatalf("unexpected credentials %+v", tt.authn.got)
			}
			if tt.authz.user != "u1" || tt.authz.service != "calculator/v2" || tt.authz.operation != "reset" {
				t.Fatalf("unexpected authorize call %+v", tt.authz)
			}
			if req.AuthorizedUser != "u1" || req.Credentials == nil || req.Credentials.Username != "alice" {
				t.Fatalf("caller not attached: %+v", req)
			}
		})
	}
}

func TestAuthorizeSchemes(t *testing.T) {
	svc := loadCalculator(t)
	g := New(svc)

	next := &recordingHandler{}
	rec, _ := serve(g.Authorize(operation(t, svc, "square"))(next), httptest.NewRequest(http.MethodGet, "/", nil), nil, nil)
	if rec.Code != 200 || !next.called {
		t.Fatalf("scheme none should pass, got %d", rec.Code)
	}

	rec, _ = serve(g.Authorize(operation(t, svc, "sign"))(&recordingHandler{}), basicRequest("a", "b"), nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unsupported scheme should fail, got %d", rec.Code)
	}

	rec, _ = serve(g.Authorize(operation(t, svc, "reset"))(&recordingHandler{}), basicRequest("a", "b"), nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("basic without collaborators should fail, got %d", rec.Code)
	}
}

func TestWrapValidatesBeforeAuthorizing(t *testing.T) {
	svc := loadCalculator(t)
	authn := &stubAuthn{userID: "u1"}
	g := New(svc, WithAuth(authn, &stubAuthz{}))
	rec, _ := serve(g.Wrap(operation(t, svc, "reset"), &recordingHandler{}), basicRequest("a", "b"), nil, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}

	op := operation(t, svc, "square")
	rec, _ = serve(g.Wrap(op, &recordingHandler{}), httptest.NewRequest(http.MethodGet, "/", nil), map[string]any{"n": "x"}, nil)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Fatalf("expected error body, got %s", rec.Body.String())
	}
}

type stubExecutor struct {
	resp *message.CallResponse
	err  error
	call runtime.Call
}

func (s *stubExecutor) Execute(_ context.Context, call runtime.Call) (*message.CallResponse, error) {
	s.call = call
	return s.resp, s.err
}

func TestRemoteAuthenticator(t *testing.T) {
	exec := &stubExecutor{resp: &message.CallResponse{Status: 200, Body: map[string]any{"userId": "u-9"}}}
	a := &RemoteAuthenticator{Service: exec, Operation: "authenticate"}
	userID, err := a.Authenticate(context.Background(), message.Credentials{Username: "bob", Password: "pw"})
	if err != nil || userID != "u-9" {
		t.Fatalf("Authenticate = %q, %v", userID, err)
	}
	body := exec.call.Body.(map[string]string)
	if exec.call.Operation != "authenticate" || body["username"] != "bob" || body["password"] != "pw" {
		t.Fatalf("unexpected call %+v", exec.call)
	}

	exec.resp = &message.CallResponse{Status: 200, Body: map[string]any{}}
	if userID, err := a.Authenticate(context.Background(), message.Credentials{}); err != nil || userID != "" {
		t.Fatalf("missing userId should give an empty id, got %q, %v", userID, err)
	}

	exec.resp = &message.CallResponse{Status: 401}
	if _, err := a.Authenticate(context.Background(), message.Credentials{}); !errors.Is(err, ErrDenied) {
		t.Fatalf("401 should deny, got %v", err)
	}

	exec.resp = &message.CallResponse{Status: 500, StatusMessage: "Internal Server Error"}
	if _, err := a.Authenticate(context.Background(), message.Credentials{}); !errors.Is(err, ErrDenied) {
		t.Fatalf("500 should deny, got %v", err)
	}

	exec.resp, exec.err = nil, errors.New("dial failed")
	if _, err := a.Authenticate(context.Background(), message.Credentials{}); err == nil || errors.Is(err, ErrDenied) {
		t.Fatalf("transport failure should surface, got %v", err)
	}
}

func TestRemoteAuthorizer(t *testing.T) {
	exec := &stubExecutor{resp: &message.CallResponse{Status: 204}}
	a := &RemoteAuthorizer{Service: exec, Operation: "authorize"}
	if err := a.Authorize(context.Background(), "u1", "calculator/v2", "reset"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	body := exec.call.Body.(map[string]string)
	if body["userId"] != "u1" || body["service"] != "calculator/v2" || body["operation"] != "reset" {
		t.Fatalf("unexpected body %v", body)
	}

	exec.resp = &message.CallResponse{Status: 403}
	if err := a.Authorize(context.Background(), "u1", "s", "o"); !errors.Is(err, ErrDenied) {
		t.Fatalf("403 should deny, got %v", err)
	}

	exec.resp, exec.err = nil, errors.New("dial failed")
	if err := a.Authorize(context.Background(), "u1", "s", "o"); err == nil || errors.Is(err, ErrDenied) {
		t.Fatalf("transport failure should surface, got %v", err)
	}
}

func TestRemoteRefusalStatuses(t *testing.T) {
	svc := loadCalculator(t)
	ok := &message.CallResponse{Status: 200, Body: map[string]any{"userId": "u1"}}
	for _, status := range []int{400, 401, 403, 404, 500, 503} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			refused := &message.CallResponse{Status: status}
			for _, tt := range []struct {
				name  string
				authn *stubExecutor
				authz *stubExecutor
				want  int
			}{
				{"authentication", &stubExecutor{resp: refused}, &stubExecutor{resp: ok}, http.StatusUnauthorized},
				{"authorization", &stubExecutor{resp: ok}, &stubExecutor{resp: refused}, http.StatusForbidden},
			} {
				g := New(svc, WithAuth(
					&RemoteAuthenticator{Service: tt.authn, Operation: "authenticate"},
					&RemoteAuthorizer{Service: tt.authz, Operation: "authorize"}))
				next := &recordingHandler{}
				rec, _ := serve(g.Authorize(operation(t, svc, "reset"))(next), basicRequest("alice", "pw"), nil, nil)
				if rec.Code != tt.want || next.called {
					t.Fatalf("%s answering %d: status = %d, want %d", tt.name, status, rec.Code, tt.want)
				}
			}
		})
	}

	g := New(svc, WithAuth(
		&RemoteAuthenticator{Service: &stubExecutor{err: errors.New("dial failed")}, Operation: "authenticate"},
		&RemoteAuthorizer{Service: &stubExecutor{resp: ok}, Operation: "authorize"}))
	rec, _ := serve(g.Authorize(operation(t, svc, "reset"))(&recordingHandler{}), basicRequest("alice", "pw"), nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unreachable authentication service should be 500, got %d", rec.Code)
	}
}

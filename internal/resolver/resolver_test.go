package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"svcweave/internal/credentials"
	"svcweave/internal/description"
	"svcweave/internal/directory"
	"svcweave/internal/message"
	"svcweave/internal/metrics"
	"svcweave/internal/testutil"
	"svcweave/internal/transport"
)

const calculatorContext = `{
  "info": {"name": "calculator", "api": 2},
  "location": "directory",
  "operations": {
    "add": {
      "request": {
        "method": "GET",
        "path": "/add/:a",
        "parameters": {
          "a": {"in": "path", "type": "integer", "required": true},
          "b": {"in": "query", "type": "integer", "required": true}
        }
      }
    }
  }
}`

var calcDep = description.Dependency{Name: "calculator", API: 2, URL: "directory"}

type countingLocator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLocator) Lookup(context.Context, description.Dependency) (directory.Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return directory.Location{}, l.err
	}
	return directory.Location{Location: "10.0.0.5", Port: 9001}, nil
}

type countingFetcher struct {
	calls int
	err   error
}

func (f *countingFetcher) Retrieve(context.Context, description.Dependency, directory.Location) (*description.Service, []byte, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	svc, err := description.Parse([]byte(calculatorContext))
	if err != nil {
		return nil, nil, err
	}
	return svc, []byte("pem"), nil
}

func TestResolveStagesThenCaches(t *testing.T) {
	loc := &countingLocator{}
	fetch := &countingFetcher{}
	ref := NewReference(calcDep, loc, fetch)

	if ref.Current().State() != Unresolved {
		t.Fatalf("new reference should be unresolved")
	}
	target, err := ref.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.State() != Resolved || target.Location != "10.0.0.5" || target.Port != 9001 || string(target.Certificate) != "pem" {
		t.Fatalf("unexpected target: %+v", target)
	}
	if loc.calls != 1 || fetch.calls != 1 {
		t.Fatalf("expected one lookup and one retrieval, got %d and %d", loc.calls, fetch.calls)
	}

	again, err := ref.Resolve(context.Background())
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if loc.calls != 1 || fetch.calls != 1 {
		t.Fatalf("resolved target issued network calls: %d lookups, %d retrievals", loc.calls, fetch.calls)
	}
	if again.Service != target.Service {
		t.Fatalf("expected the cached record")
	}
}

func TestResolveLookupFailureResets(t *testing.T) {
	loc := &countingLocator{err: &directory.LookupError{Service: "calculator/v2", Status: 500, Reason: "directory refused"}}
	ref := NewReference(calcDep, loc, &countingFetcher{})

	_, err := ref.Resolve(context.Background())
	var lerr *directory.LookupError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LookupError, got %v", err)
	}
	if ref.Current().State() != Unresolved {
		t.Fatalf("failed lookup should leave the reference unresolved")
	}
}

func TestResolveRetrievalFailureResets(t *testing.T) {
	loc := &countingLocator{}
	fetch := &countingFetcher{err: &RetrievalError{Service: "calculator/v2", Reason: "no response"}}
	ref := NewReference(calcDep, loc, fetch)

	if _, err := ref.Resolve(context.Background()); err == nil {
		t.Fatalf("expected retrieval failure")
	}
	if cur := ref.Current(); cur.State() != Unresolved || cur.Location != "" {
		t.Fatalf("failed retrieval should reset the whole record, got %+v", cur)
	}

	fetch.err = nil
	if _, err := ref.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if loc.calls != 2 {
		t.Fatalf("expected the directory to be asked again, got %d lookups", loc.calls)
	}
}

func TestInvalidate(t *testing.T) {
	loc := &countingLocator{}
	m := metrics.NewCollector()
	ref := NewReference(calcDep, loc, &countingFetcher{}, WithMetrics(m))
	if _, err := ref.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ref.Invalidate()
	if ref.Current().State() != Unresolved {
		t.Fatalf("invalidate should reset the record")
	}
	if _, err := ref.Resolve(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if loc.calls != 2 {
		t.Fatalf("expected a new lookup after invalidation, got %d", loc.calls)
	}
	if m.Snapshot().Invalidations["calculator/v2"] != 1 {
		t.Fatalf("invalidation not counted: %+v", m.Snapshot().Invalidations)
	}
}

func TestTargetState(t *testing.T) {
	tests := []struct {
		target Target
		want   State
	}{
		{Target{}, Unresolved},
		{Target{Location: "h"}, Unresolved},
		{Target{Location: "h", Port: 1}, Located},
		{Target{Location: "h", Port: 1, Service: &description.Service{}}, Located},
		{Target{Location: "h", Port: 1, Service: &description.Service{}, Certificate: []byte("c")}, Resolved},
	}
	for _, tt := range tests {
		if got := tt.target.State(); got != tt.want {
			t.Fatalf("%+v: got %s, want %s", tt.target, got, tt.want)
		}
	}
}

func TestCacheSharesReferences(t *testing.T) {
	c := NewCache(&countingLocator{}, &countingFetcher{})
	a := c.Reference(calcDep)
	b := c.Reference(calcDep)
	if a != b {
		t.Fatalf("same dependency should share a reference")
	}
	other := c.Reference(description.Dependency{Name: "calculator", API: 3, URL: "directory"})
	if other == a {
		t.Fatalf("different api should get its own reference")
	}
}

type fakeSender struct {
	resp *message.CallResponse
	err  error
	req  *transport.Request
}

func (f *fakeSender) Send(_ context.Context, req *transport.Request) (*message.CallResponse, error) {
	f.req = req
	return f.resp, f.err
}

func selfDescription(t *testing.T, bundle *credentials.Bundle, doc string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"serviceContext": json.RawMessage(doc),
		"certificate":    string(bundle.CertPEM),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestRetrieverValidation(t *testing.T) {
	peer := testutil.Bundle(t, "calculator")
	other := testutil.Bundle(t, "other")
	good := selfDescription(t, peer, calculatorContext)
	loc := directory.Location{Location: "10.0.0.5", Port: 9001}

	tests := []struct {
		name string
		resp *message.CallResponse
		err  error
		ok   bool
	}{
		{name: "ok", resp: &message.CallResponse{Status: 200, Raw: good, PeerCertificate: peer.TLS.Certificate[0]}, ok: true},
		{name: "certificate mismatch", resp: &message.CallResponse{Status: 200, Raw: good, PeerCertificate: other.TLS.Certificate[0]}},
		{name: "bad status", resp: &message.CallResponse{Status: 503, Raw: []byte(`{}`)}},
		{name: "missing fields", resp: &message.CallResponse{Status: 200, Raw: []byte(`{"certificate":"x"}`), PeerCertificate: peer.TLS.Certificate[0]}},
		{name: "wrong identity", resp: &message.CallResponse{Status: 200, Raw: selfDescription(t, peer, `{"info":{"name":"users","api":1},"operations":{}}`), PeerCertificate: peer.TLS.Certificate[0]}},
		{name: "invalid context", resp: &message.CallResponse{Status: 200, Raw: selfDescription(t, peer, `{"info":{"name":"calculator"}}`), PeerCertificate: peer.TLS.Certificate[0]}},
		{name: "no response"},
		{name: "unreachable", err: errors.New("refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{resp: tt.resp, err: tt.err}
			svc, cert, err := NewRetriever(sender, nil).Retrieve(context.Background(), calcDep, loc)
			if sender.req.Path != "/calculator/v2" || sender.req.Method != "GET" || sender.req.RejectUnauthorized {
				t.Fatalf("unexpected request: %+v", sender.req)
			}
			if !tt.ok {
				var rerr *RetrievalError
				if !errors.As(err, &rerr) {
					t.Fatalf("expected RetrievalError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("retrieve: %v", err)
			}
			if svc.IdentificationName() != "calculator/v2" || string(cert) != string(peer.CertPEM) {
				t.Fatalf("unexpected result: %s %q", svc.IdentificationName(), cert)
			}
			add, _ := svc.Operation("add")
			if len(add.Request.Parameters) != 2 || add.Request.Parameters[0].Name != "a" {
				t.Fatalf("parameter order lost: %+v", add.Request.Parameters)
			}
		})
	}
}

func TestResolveOverMutualTLS(t *testing.T) {
	var bundle *credentials.Bundle
	srv := testutil.NewTLSServer(t, "calculator", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calculator/v2" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(selfDescription(t, bundle, calculatorContext))
	}))
	bundle = srv.Bundle

	tr, _ := testutil.ReadyTransport(t)
	locator := locatorFunc(func(context.Context, description.Dependency) (directory.Location, error) {
		return directory.Location{Location: srv.Host, Port: srv.Port}, nil
	})
	ref := NewReference(calcDep, locator, NewRetriever(tr, nil))
	target, err := ref.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.State() != Resolved || string(target.Certificate) != string(srv.Bundle.CertPEM) {
		t.Fatalf("unexpected target: %+v", target)
	}
}

type locatorFunc func(context.Context, description.Dependency) (directory.Location, error)

func (f locatorFunc) Lookup(ctx context.Context, dep description.Dependency) (directory.Location, error) {
	return f(ctx, dep)
}

package directory_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"svcweave/internal/description"
	"svcweave/internal/directory"
	"svcweave/internal/testutil"
)

func TestServerRegisterAndLookup(t *testing.T) {
	h := directory.NewServer(directory.NewMemoryStore()).Handler()

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"info":{"name":"calculator","api":2},"port":9001}`))
	req.RemoteAddr = "10.0.0.5:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lookup/calculator/2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup: %d %s", rec.Code, rec.Body.String())
	}
	var loc directory.Location
	if err := json.Unmarshal(rec.Body.Bytes(), &loc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if loc.Location != "10.0.0.5" || loc.Port != 9001 {
		t.Fatalf("unexpected location: %+v", loc)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services", nil))
	var recs []directory.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil || len(recs) != 1 || recs[0].Key() != "calculator/v2" {
		t.Fatalf("unexpected listing: %s", rec.Body.String())
	}
}

func TestServerRejects(t *testing.T) {
	h := directory.NewServer(directory.NewMemoryStore()).Handler()
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/register", `{`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/register", `{"info":{"api":1},"port":1}`, http.StatusBadRequest},
		{"bad port", http.MethodPost, "/register", `{"info":{"name":"a","api":1},"port":0}`, http.StatusBadRequest},
		{"bad api", http.MethodGet, "/lookup/a/x", "", http.StatusBadRequest},
		{"unknown", http.MethodGet, "/lookup/a/1", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/register", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Fatalf("got %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServerRateLimit(t *testing.T) {
	h := directory.NewServer(directory.NewMemoryStore(), directory.WithRateLimit(1)).Handler()
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes: %v", codes)
	}
}

func TestRegisterAndLookupOverMutualTLS(t *testing.T) {
	srv := testutil.NewTLSServer(t, "directory", directory.NewServer(directory.NewMemoryStore()).Handler())
	tr, _ := testutil.ReadyTransport(t)
	client := directory.NewClient(tr, directory.Endpoint{
		Host:        srv.Host,
		Port:        srv.Port,
		Certificate: srv.Bundle.CertPEM,
	}, directory.WithRetryDelay(10*time.Millisecond))

	svc := &description.Service{Info: description.Info{Name: "calculator", API: 2}, Location: "directory"}
	select {
	case <-client.Register(context.Background(), svc, 9001):
	case <-time.After(5 * time.Second):
		t.Fatalf("registration did not complete")
	}

	loc, err := client.Lookup(context.Background(), description.Dependency{Name: "calculator", API: 2, URL: "directory"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if loc.Location != "127.0.0.1" || loc.Port != 9001 {
		t.Fatalf("unexpected location: %+v", loc)
	}
}

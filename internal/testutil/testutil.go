// Package testutil provides TLS fixtures shared by package tests.
package testutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"svcweave/internal/credentials"
	"svcweave/internal/transport"
)

// Bundle generates a self-signed certificate for 127.0.0.1/localhost.
func Bundle(t testing.TB, commonName string) *credentials.Bundle {
	t.Helper()
	bundle, err := credentials.Generate(commonName, []string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("generate %s certificate: %v", commonName, err)
	}
	return bundle
}

// TLSServer is an httptest server that requires a client certificate.
type TLSServer struct {
	*httptest.Server
	Bundle *credentials.Bundle
	Host   string
	Port   int
}

// NewTLSServer starts handler behind mutual TLS using a fresh certificate.
func NewTLSServer(t testing.TB, commonName string, handler http.Handler) *TLSServer {
	t.Helper()
	return NewTLSServerWithBundle(t, Bundle(t, commonName), handler)
}

// NewTLSServerWithBundle starts handler behind mutual TLS presenting bundle.
func NewTLSServerWithBundle(t testing.TB, bundle *credentials.Bundle, handler http.Handler) *TLSServer {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{bundle.TLS},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().(*net.TCPAddr)
	return &TLSServer{Server: srv, Bundle: bundle, Host: "127.0.0.1", Port: addr.Port}
}

// ReadyTransport returns a Transport whose credential store already holds a
// client certificate.
func ReadyTransport(t testing.TB, opts ...transport.Option) (*transport.Transport, *credentials.Bundle) {
	t.Helper()
	client := Bundle(t, "client")
	store := transport.NewCredentialStore()
	store.Set(client.TLS, client.CertPEM, nil)
	return transport.New(store, opts...), client
}

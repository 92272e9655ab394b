// Package node assembles the per-process pieces a service needs from its
// configuration: credentials, the transport, the directory client, the
// shared resolution cache and one CallableService per dependency.
package node

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"svcweave/internal/circuitbreaker"
	"svcweave/internal/config"
	"svcweave/internal/credentials"
	"svcweave/internal/description"
	"svcweave/internal/directory"
	"svcweave/internal/gate"
	"svcweave/internal/metrics"
	"svcweave/internal/provider"
	"svcweave/internal/redact"
	"svcweave/internal/resolver"
	"svcweave/internal/runtime"
	"svcweave/internal/transport"
)

// Node is the wiring of one process.
type Node struct {
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	Bundle      *credentials.Bundle
	Credentials *transport.CredentialStore
	Transport   *transport.Transport
	Directory   *directory.Client
	Cache       *resolver.Cache

	redactor *redact.Redactor

	mu       sync.Mutex
	services map[string]*runtime.CallableService
}

// New loads or generates the process certificate named commonName and
// builds the client side.
func New(cfg *config.Config, commonName string, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bundle, err := credentials.LoadOrGenerate(cfg.Listen.TLS.Cert, cfg.Listen.TLS.Key, commonName, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	roots, err := credentials.LoadPool(cfg.Directory.CA, cfg.Listen.TLS.ClientCA)
	if err != nil {
		return nil, err
	}
	var directoryCert []byte
	if cfg.Directory.CA != "" {
		if directoryCert, err = os.ReadFile(cfg.Directory.CA); err != nil {
			return nil, fmt.Errorf("read directory ca: %w", err)
		}
	}

	n := &Node{
		Config:      cfg,
		Logger:      logger,
		Bundle:      bundle,
		Credentials: transport.NewCredentialStore(),
		redactor:    redact.NewRedactor(),
		services:    make(map[string]*runtime.CallableService),
	}
	if cfg.MetricsEnabled() {
		n.Metrics = metrics.NewCollector()
	}
	n.Credentials.Set(bundle.TLS, bundle.CertPEM, roots)
	n.Transport = transport.New(n.Credentials,
		transport.WithCredentialWait(cfg.Transport.CredentialWait),
		transport.WithLogger(logger),
		transport.WithRedactor(n.redactor))
	n.Directory = directory.NewClient(n.Transport,
		directory.Endpoint{Host: cfg.Directory.Host, Port: cfg.Directory.Port, Certificate: directoryCert},
		directory.WithRetryDelay(cfg.Directory.RetryDelay),
		directory.WithLogger(logger),
		directory.WithMetrics(n.Metrics))
	n.Cache = resolver.NewCache(n.Directory, resolver.NewRetriever(n.Transport, logger),
		resolver.WithLogger(logger),
		resolver.WithMetrics(n.Metrics))
	return n, nil
}

// Service returns the CallableService for dep. Calls to the same logical
// reference share one instance, and with it the resolved target and breaker.
func (n *Node) Service(dep description.Dependency) *runtime.CallableService {
	key := dep.Name + "|" + dep.URL + "|" + dep.IdentificationName()
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.services[key]; ok {
		return s
	}
	opts := []runtime.Option{
		runtime.WithLogger(n.Logger),
		runtime.WithRedactor(n.redactor),
		runtime.WithMetrics(n.Metrics),
	}
	if t := n.Config.Transport; t.BreakerThreshold > 0 {
		opts = append(opts, runtime.WithBreaker(circuitbreaker.New(dep.String(), t.BreakerThreshold, t.BreakerCooldown)))
	}
	s := runtime.New(n.Cache.Reference(dep), n.Transport, opts...)
	n.services[key] = s
	return s
}

// Auth builds the basic-scheme collaborators named in the security section.
// Both are nil when the section is empty.
func (n *Node) Auth(svc *description.Service) (gate.Authenticator, gate.Authorizer, error) {
	sec := n.Config.Security
	if sec.Authentication == nil || sec.Authorization == nil {
		return nil, nil, nil
	}
	authnDep, ok := svc.Dependency(sec.Authentication.Service)
	if !ok {
		return nil, nil, &description.ServiceContextError{Service: svc.IdentificationName(), Reason: "authentication dependency " + sec.Authentication.Service + " is not declared"}
	}
	authzDep, ok := svc.Dependency(sec.Authorization.Service)
	if !ok {
		return nil, nil, &description.ServiceContextError{Service: svc.IdentificationName(), Reason: "authorization dependency " + sec.Authorization.Service + " is not declared"}
	}
	return &gate.RemoteAuthenticator{Service: n.Service(authnDep), Operation: sec.Authentication.Operation},
		&gate.RemoteAuthorizer{Service: n.Service(authzDep), Operation: sec.Authorization.Operation},
		nil
}

// Provider builds the server for svc with the node's certificate, metrics,
// directory client and authorization chain.
func (n *Node) Provider(svc *description.Service) (*provider.Provider, error) {
	authn, authz, err := n.Auth(svc)
	if err != nil {
		return nil, err
	}
	clientCAs, err := credentials.LoadPool(n.Config.Listen.TLS.ClientCA)
	if err != nil {
		return nil, err
	}
	opts := []provider.Option{
		provider.WithLogger(n.Logger),
		provider.WithMetrics(n.Metrics),
		provider.WithDirectory(n.Directory),
	}
	if authn != nil {
		opts = append(opts, provider.WithAuth(authn, authz))
	}
	if clientCAs != nil {
		opts = append(opts, provider.WithClientCAs(clientCAs))
	}
	return provider.New(svc, n.Bundle, opts...), nil
}

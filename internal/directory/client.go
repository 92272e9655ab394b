// Package directory implements the registration and lookup protocol spoken
// with the service directory, and the directory server itself.
//
// Registration is a background loop that retries forever at a fixed delay.
// Lookup makes exactly one attempt; LookupWithRetry is the opt-in wrapper for
// callers that want more.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"svcweave/internal/description"
	"svcweave/internal/logging"
	"svcweave/internal/message"
	"svcweave/internal/metrics"
	"svcweave/internal/transport"
)

const (
	// DefaultHTTPSPort is used for explicit https:// references without a port.
	DefaultHTTPSPort = 433

	locationDirectory = "directory"
	directoryScheme   = "directory://"
)

// Registration is the body of POST /register.
type Registration struct {
	Info description.Info `json:"info"`
	Port int              `json:"port"`
}

// Location is where a service can be reached.
type Location struct {
	Location string `json:"location"`
	Port     int    `json:"port"`
}

// Endpoint is the directory the client talks to.
type Endpoint struct {
	Host string
	Port int
	// Certificate is the PEM certificate the directory presents. When empty
	// the directory must chain to the credential store's roots.
	Certificate []byte
}

// LookupError means the directory answered, but not with a usable location.
type LookupError struct {
	Service string
	Status  int
	Reason  string
	Err     error
}

func (e *LookupError) Error() string {
	msg := "lookup " + e.Service + ": " + e.Reason
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LookupError) Unwrap() error { return e.Err }

// UsesDirectory reports whether a location is resolved through the directory.
func UsesDirectory(location string) bool {
	return location == locationDirectory || strings.HasPrefix(location, directoryScheme)
}

type ClientOption func(*Client)

func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.delay = d }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.Component(logger, "directory") }
}

func WithMetrics(m *metrics.Collector) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client registers providers and looks up consumers' targets.
type Client struct {
	sender   transport.Sender
	endpoint Endpoint
	delay    time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector
}

func NewClient(sender transport.Sender, endpoint Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		sender:   sender,
		endpoint: endpoint,
		delay:    time.Second,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// host picks the directory host for a location: "directory://<host>"
// overrides the configured one.
func (c *Client) host(location string) string {
	if h, ok := strings.CutPrefix(location, directoryScheme); ok && h != "" {
		return strings.TrimSuffix(h, "/")
	}
	return c.endpoint.Host
}

// Register announces svc on port in the background. It retries at the
// configured delay until the directory answers 204 or ctx ends; failures are
// logged and never returned. The channel closes when the loop stops.
func (c *Client) Register(ctx context.Context, svc *description.Service, port int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.registerLoop(ctx, svc, port)
	}()
	return done
}

func (c *Client) registerLoop(ctx context.Context, svc *description.Service, port int) {
	id := svc.IdentificationName()
	timer := time.NewTimer(c.delay)
	timer.Stop()
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		err := c.registerOnce(ctx, svc, port)
		c.metrics.RecordRegistration(err == nil)
		if err == nil {
			c.logger.Info("registered with directory", "service", id, "port", port, "attempts", attempt)
			return
		}
		c.logger.Warn("directory registration failed, retrying", "service", id, "attempt", attempt, "retry_in", c.delay, "error", err)

		timer.Reset(c.delay)
		select {
		case <-ctx.Done():
			c.logger.Info("directory registration stopped", "service", id, "reason", ctx.Err())
			return
		case <-timer.C:
		}
	}
}

func (c *Client) registerOnce(ctx context.Context, svc *description.Service, port int) error {
	body, err := json.Marshal(Registration{Info: svc.Info, Port: port})
	if err != nil {
		return err
	}
	resp, err := c.sender.Send(ctx, &transport.Request{
		Hostname: c.host(svc.Location),
		Port:     c.endpoint.Port,
		Path:     "/register",
		Method:   "POST",
		Headers: message.Headers{
			"content-type":   "application/json",
			"content-length": strconv.Itoa(len(body)),
		},
		Body:               body,
		Certificate:        c.endpoint.Certificate,
		RejectUnauthorized: true,
	})
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.New("no response")
	}
	if resp.Status != 204 {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return nil
}

// Lookup resolves a dependency into a location. Directory references make a
// single request to GET /lookup/<name>/<api>; https:// references are parsed
// without contacting anyone.
func (c *Client) Lookup(ctx context.Context, dep description.Dependency) (Location, error) {
	switch {
	case dep.URL == "":
		return Location{}, &description.ServiceContextError{Service: dep.String(), Reason: "location is undefined"}
	case UsesDirectory(dep.URL):
		loc, err := c.lookupDirectory(ctx, dep)
		c.metrics.RecordLookup(err == nil)
		return loc, err
	case strings.HasPrefix(dep.URL, "https://"):
		return ParseURL(dep.URL)
	default:
		return Location{}, &description.ServiceContextError{Service: dep.String(), Reason: fmt.Sprintf("unsupported location %q", dep.URL)}
	}
}

func (c *Client) lookupDirectory(ctx context.Context, dep description.Dependency) (Location, error) {
	id := dep.String()
	if dep.Name == "" || dep.API <= 0 {
		return Location{}, &description.ServiceContextError{Service: id, Reason: "name and api are required for a directory lookup"}
	}
	resp, err := c.sender.Send(ctx, &transport.Request{
		Hostname:           c.host(dep.URL),
		Port:               c.endpoint.Port,
		Path:               "/lookup/" + url.PathEscape(dep.Name) + "/" + strconv.Itoa(dep.API),
		Method:             "GET",
		Certificate:        c.endpoint.Certificate,
		RejectUnauthorized: true,
	})
	if err != nil {
		return Location{}, &LookupError{Service: id, Reason: "directory unreachable", Err: err}
	}
	if resp == nil {
		return Location{}, &LookupError{Service: id, Reason: "no response"}
	}
	if resp.Status != 200 {
		return Location{}, &LookupError{Service: id, Status: resp.Status, Reason: "directory refused"}
	}

	var body struct {
		Location *string `json:"location"`
		Port     *int    `json:"port"`
	}
	if err := json.Unmarshal(resp.Raw, &body); err != nil {
		return Location{}, &LookupError{Service: id, Status: resp.Status, Reason: "malformed response", Err: err}
	}
	if body.Location == nil || *body.Location == "" || body.Port == nil {
		return Location{}, &LookupError{Service: id, Status: resp.Status, Reason: "response is missing location or port"}
	}
	c.logger.Debug("directory lookup", "service", id, "location", *body.Location, "port", *body.Port)
	return Location{Location: *body.Location, Port: *body.Port}, nil
}

// ParseURL turns an explicit https:// reference into a location.
func ParseURL(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" {
		return Location{}, &description.ServiceContextError{Service: raw, Reason: "invalid https location"}
	}
	port := DefaultHTTPSPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Location{}, &description.ServiceContextError{Service: raw, Reason: "invalid port"}
		}
	}
	return Location{Location: u.Hostname(), Port: port}, nil
}

// Lookuper is anything that resolves a dependency in one attempt.
type Lookuper interface {
	Lookup(ctx context.Context, dep description.Dependency) (Location, error)
}

// LookupWithRetry calls l.Lookup up to attempts times, waiting delay between
// attempts. ServiceContextErrors are returned at once since retrying cannot
// fix them.
func LookupWithRetry(ctx context.Context, l Lookuper, dep description.Dependency, attempts int, delay time.Duration) (Location, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		loc, err := l.Lookup(ctx, dep)
		if err == nil {
			return loc, nil
		}
		lastErr = err
		var sce *description.ServiceContextError
		if errors.As(err, &sce) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Location{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Location{}, lastErr
}

// Package message holds the plain records exchanged by the call pipeline and
// the request gate.
package message

import (
	"context"
	"net/http"
	"strings"
)

// Headers is a case-insensitive header map. "referer" and "referrer" name
// the same header.
type Headers map[string]string

func canonicalHeader(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "referrer" {
		return "referer"
	}
	return name
}

// HeadersFrom copies an http.Header, keeping the first value of each key.
func HeadersFrom(h http.Header) Headers {
	out := make(Headers, len(h))
	for name, vals := range h {
		if len(vals) > 0 {
			out[canonicalHeader(name)] = vals[0]
		}
	}
	return out
}

func (h Headers) Get(name string) string {
	return h[canonicalHeader(name)]
}

func (h Headers) Lookup(name string) (string, bool) {
	v, ok := h[canonicalHeader(name)]
	return v, ok
}

func (h Headers) Set(name, value string) {
	h[canonicalHeader(name)] = value
}

// Credentials are the Basic credentials presented by a caller.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// String renders the "username:password" credential string used for Basic
// authentication.
func (c Credentials) String() string {
	return c.Username + ":" + c.Password
}

// Client describes who is on the other end of an inbound request.
type Client struct {
	RemoteAddr string
	Subject    string
	RequestID  string
}

// Request is an inbound request after routing.
type Request struct {
	Operation      string
	Headers        Headers
	PathParams     map[string]any
	Query          map[string]any
	Body           any
	Credentials    *Credentials
	AuthorizedUser string
	Client         Client
}

// Header is a convenience for Headers.Get.
func (r *Request) Header(name string) string {
	return r.Headers.Get(name)
}

// Param returns a validated parameter, path first.
func (r *Request) Param(name string) (any, bool) {
	if v, ok := r.PathParams[name]; ok {
		return v, true
	}
	v, ok := r.Query[name]
	return v, ok
}

// Response is what a handler returns.
type Response struct {
	Status int
	Body   any
}

// CallResponse is the result of a remote call.
type CallResponse struct {
	Status        int
	StatusMessage string
	Headers       Headers
	Body          any
	// Raw is the body as received, before decoding.
	Raw []byte
	// PeerCertificate is the DER leaf certificate the peer presented.
	PeerCertificate []byte
}

type requestKey struct{}

// WithRequest stores the inbound record on the context.
func WithRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// FromContext returns the inbound record stored by WithRequest.
func FromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok && req != nil
}

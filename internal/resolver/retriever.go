package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"svcweave/internal/credentials"
	"svcweave/internal/description"
	"svcweave/internal/directory"
	"svcweave/internal/logging"
	"svcweave/internal/transport"
)

// RetrievalError means a located peer did not hand out a usable description.
type RetrievalError struct {
	Service string
	Status  int
	Reason  string
	Err     error
}

func (e *RetrievalError) Error() string {
	msg := "retrieve " + e.Service + ": " + e.Reason
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Retriever fetches GET /<name>/v<api> from a located peer. The peer is
// trusted on first use: verification is off, but the certificate in the
// body must be the one presented on the connection.
type Retriever struct {
	sender transport.Sender
	logger *slog.Logger
}

func NewRetriever(sender transport.Sender, logger *slog.Logger) *Retriever {
	return &Retriever{sender: sender, logger: logging.Component(logger, "retriever")}
}

func (r *Retriever) Retrieve(ctx context.Context, dep description.Dependency, loc directory.Location) (*description.Service, []byte, error) {
	id := dep.IdentificationName()
	if id == "" {
		return nil, nil, &description.ServiceContextError{Service: dep.Name, Reason: "name and api are required"}
	}

	resp, err := r.sender.Send(ctx, &transport.Request{
		Hostname: loc.Location,
		Port:     loc.Port,
		Path:     "/" + id,
		Method:   "GET",
	})
	if err != nil {
		return nil, nil, &RetrievalError{Service: id, Reason: "peer unreachable", Err: err}
	}
	if resp == nil {
		return nil, nil, &RetrievalError{Service: id, Reason: "no response"}
	}
	if resp.Status != 200 {
		return nil, nil, &RetrievalError{Service: id, Status: resp.Status, Reason: "unexpected status"}
	}

	var body struct {
		ServiceContext json.RawMessage `json:"serviceContext"`
		Certificate    string          `json:"certificate"`
	}
	if err := json.Unmarshal(resp.Raw, &body); err != nil {
		return nil, nil, &RetrievalError{Service: id, Status: resp.Status, Reason: "malformed response", Err: err}
	}
	if len(body.ServiceContext) == 0 || string(body.ServiceContext) == "null" || strings.TrimSpace(body.Certificate) == "" {
		return nil, nil, &RetrievalError{Service: id, Status: resp.Status, Reason: "response is missing serviceContext or certificate"}
	}
	if !credentials.SameCertificate([]byte(body.Certificate), resp.PeerCertificate) {
		return nil, nil, &RetrievalError{Service: id, Status: resp.Status, Reason: "certificate does not match the connection"}
	}

	svc, err := description.Load(body.ServiceContext)
	if err != nil {
		return nil, nil, &RetrievalError{Service: id, Status: resp.Status, Reason: "invalid serviceContext", Err: err}
	}
	if svc.Info.Name != dep.Name || svc.Info.API != dep.API {
		return nil, nil, &RetrievalError{
			Service: id,
			Status:  resp.Status,
			Reason:  "peer identifies as " + strconv.Quote(svc.IdentificationName()),
		}
	}
	r.logger.Debug("retrieved service context", "service", id, "location", loc.Location, "port", loc.Port)
	return svc, []byte(body.Certificate), nil
}

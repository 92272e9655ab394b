package gate

import (
	"context"
	"fmt"

	"svcweave/internal/message"
	"svcweave/internal/runtime"
)

// Executor is the part of runtime.CallableService the remote adapters need.
type Executor interface {
	Execute(ctx context.Context, call runtime.Call) (*message.CallResponse, error)
}

// RemoteAuthenticator asks an authentication service to check credentials.
// The operation is called with {username, password} and answers
// {userId} on success.
type RemoteAuthenticator struct {
	Service   Executor
	Operation string
}

func (a *RemoteAuthenticator) Authenticate(ctx context.Context, creds message.Credentials) (string, error) {
	resp, err := a.Service.Execute(ctx, runtime.Call{
		Operation: a.Operation,
		Body:      map[string]string{"username": creds.Username, "password": creds.Password},
	})
	if err := outcome(resp, err); err != nil {
		return "", err
	}
	body, _ := resp.Body.(map[string]any)
	userID, _ := body["userId"].(string)
	return userID, nil
}

// RemoteAuthorizer asks an authorization service whether a user may call an
// operation. The operation is called with {userId, service, operation}.
type RemoteAuthorizer struct {
	Service   Executor
	Operation string
}

func (a *RemoteAuthorizer) Authorize(ctx context.Context, userID, service, operation string) error {
	resp, err := a.Service.Execute(ctx, runtime.Call{
		Operation: a.Operation,
		Body:      map[string]string{"userId": userID, "service": service, "operation": operation},
	})
	return outcome(resp, err)
}

// outcome maps a remote answer: 2xx passes and any other status denies. A
// call that produced no answer is returned as is.
func outcome(resp *message.CallResponse, err error) error {
	if err != nil {
		return err
	}
	if resp.Status >= 200 && resp.Status < 300 {
		return nil
	}
	return fmt.Errorf("%w: status %d %s", ErrDenied, resp.Status, resp.StatusMessage)
}

// Package connection owns the broker transport lifecycle: connect,
// authenticate, listen, reconnect with backoff, and the draining gate
// that holds back new sends when the broker announces it will close the
// connection.
package connection

import (
	"context"
	"errors"
	"fmt"
)

// Connection errors. Steady-state transport failures are recovered
// internally by the Manager's reconnect loop; these surface only from
// Connect and Send.
var (
	// ErrAuthRejected means the broker refused the login credentials.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrTransportUnavailable means the broker endpoint could not be reached.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrConnectTimeout means connection establishment exceeded its deadline.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrNotConnected is returned by Send when no authenticated connection
	// exists. Sends are rejected, not queued, while disconnected.
	ErrNotConnected = errors.New("not connected")
	// ErrTransportWrite wraps a failed frame write.
	ErrTransportWrite = errors.New("transport write failed")
	// ErrSendTimeout is returned when a send parked behind the draining
	// gate exceeds its configured wait bound.
	ErrSendTimeout = errors.New("send timed out waiting for draining to end")
	// ErrClosed marks the manager's terminal state.
	ErrClosed = errors.New("connection manager is closed")
)

// Credentials identify this app server to the broker. The login name on
// the wire is <ProjectID>@<Domain>.
type Credentials struct {
	ProjectID string
	APIKey    string
	Domain    string
}

// User returns the login identity string.
func (c Credentials) User() string {
	return fmt.Sprintf("%s@%s", c.ProjectID, c.Domain)
}

// Validate checks the credentials are complete.
func (c Credentials) Validate() error {
	if c.ProjectID == "" || c.APIKey == "" || c.Domain == "" {
		return fmt.Errorf("credentials require project id, api key and broker domain")
	}
	return nil
}

// Conn is one established, authenticated duplex frame stream. ReadFrame
// and WriteFrame honor context cancellation; Close is idempotent.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Transport opens authenticated connections to the broker. It is a
// pluggable collaborator: any ordered, authenticated duplex byte stream
// serves.
type Transport interface {
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

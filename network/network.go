// This package defines the boundary the lifecycle manager consumes: an opaque
// dialer producing live per-identity connections. The messaging protocol's own
// consistency guarantees live behind this interface; the lifecycle manager
// only starts and stops connections.
package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/burrow-im/go-burrow/ids"
)

// ErrConnectionFailure marks a transient network or I/O failure. Callers own
// the retry policy.
var ErrConnectionFailure = errors.New("network: connection failure")

// Failure wraps a transport error as transient.
func Failure(err error) error {
	return fmt.Errorf("%w: %s", ErrConnectionFailure, err)
}

// Envelope is one inbound message on a connection.
type Envelope struct {
	From []byte
	Body []byte
}

// Identity carries the key material a dialer needs to stand up a session.
type Identity struct {
	InboxID    ids.ID
	PrivateKey []byte
}

// Conn is a live session for one identity. Connect and disconnect are atomic,
// possibly slow, possibly failing operations.
type Conn interface {
	// Addr is the address other parties can reach this connection at.
	Addr() string
	Send(ctx context.Context, to string, body []byte) error
	Incoming() <-chan *Envelope
	Close() error
}

// Dialer materializes connections. Implementations must respect ctx
// cancellation and deadlines.
type Dialer interface {
	Dial(ctx context.Context, ident Identity) (Conn, error)
}

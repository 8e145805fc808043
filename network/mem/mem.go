// An in-process message bus implementing the network dialer. Used in tests
// and by single-process tooling; there is no discovery, connections are keyed
// by inbox id.
package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/burrow-im/go-burrow/ids"
	"github.com/burrow-im/go-burrow/network"
)

type Bus struct {
	mu    sync.Mutex
	conns map[string]*conn
}

func NewBus() *Bus {
	return &Bus{conns: make(map[string]*conn)}
}

func (b *Bus) Dial(ctx context.Context, ident network.Identity) (network.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, network.Failure(err)
	}
	c := &conn{
		bus:      b,
		addr:     ident.InboxID.String(),
		inboxID:  ident.InboxID,
		incoming: make(chan *network.Envelope, 100),
	}
	b.mu.Lock()
	b.conns[c.addr] = c
	b.mu.Unlock()
	return c, nil
}

type conn struct {
	bus      *Bus
	addr     string
	inboxID  ids.ID
	incoming chan *network.Envelope

	closeOnce sync.Once
}

func (c *conn) Addr() string {
	return c.addr
}

func (c *conn) Send(ctx context.Context, to string, body []byte) error {
	c.bus.mu.Lock()
	peer, ok := c.bus.conns[to]
	c.bus.mu.Unlock()
	if !ok {
		return network.Failure(fmt.Errorf("no connection for %s", to))
	}
	env := &network.Envelope{From: []byte(c.addr), Body: body}
	select {
	case peer.incoming <- env:
		return nil
	case <-ctx.Done():
		return network.Failure(ctx.Err())
	}
}

func (c *conn) Incoming() <-chan *network.Envelope {
	return c.incoming
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.bus.mu.Lock()
		delete(c.bus.conns, c.addr)
		c.bus.mu.Unlock()
		close(c.incoming)
	})
	return nil
}

package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/identity"
	"github.com/burrow-im/go-burrow/ids"
	db "github.com/burrow-im/go-burrow/internal/db"
	"github.com/burrow-im/go-burrow/network"
	"github.com/google/uuid"
	"github.com/kevinburke/nacl"
	"go.uber.org/zap"
)

// unusedSlot is a fully initialized pre-created identity: keys persisted,
// hidden conversation row written, connection live.
type unusedSlot struct {
	clientID       ids.ID
	conversationID uuid.UUID
	conn           network.Conn
}

// UnusedCache keeps exactly one pre-created, never-used identity warm so that
// creating or joining a conversation never waits on connection setup. The
// slot has two projections: a durable pointer (in its own table, invisible to
// conversation listings) and an in-memory live connection. Consumption is a
// single check-and-clear under one critical section; two near-simultaneous
// consumers can never both receive the pre-created identity.
type UnusedCache struct {
	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	db      *db.Database
	store   *identity.Store
	manager *Manager
	dialer  network.Dialer

	mu        sync.Mutex
	slot      *unusedSlot
	preparing bool
}

func NewUnusedCache(c *config.Config, d *db.Database, cl clock.Clock, store *identity.Store, manager *Manager, dialer network.Dialer) *UnusedCache {
	return &UnusedCache{
		config:  c,
		log:     c.Logger("lifecycle/unused"),
		clock:   cl,
		db:      d,
		store:   store,
		manager: manager,
		dialer:  dialer,
	}
}

// PrepareIfNeeded asynchronously creates a fresh identity if no slot is
// pending. Idempotent and fire-and-forget: a crash between identity creation
// and the durable pointer write costs latency on the next consumption, not
// correctness.
func (c *UnusedCache) PrepareIfNeeded() {
	c.mu.Lock()
	if c.slot != nil || c.preparing {
		c.mu.Unlock()
		return
	}
	c.preparing = true
	c.mu.Unlock()
	go c.prepare()
}

// HasUnused reports whether a fully initialized slot is ready.
func (c *UnusedCache) HasUnused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot != nil
}

// ConsumeOrCreate hands out an awake identity for a new conversation. Three
// paths: take the live slot, materialize a durable-only slot synchronously, or
// fall back to creating a brand-new inbox. The returned conversation id is
// non-nil only when a pre-created conversation was consumed. Whichever path
// runs, replenishment is triggered afterward.
func (c *UnusedCache) ConsumeOrCreate(ctx context.Context) (network.Conn, ids.ID, *uuid.UUID, error) {
	defer c.PrepareIfNeeded()

	// the mutex is held across the pointer read and clear so a concurrent
	// consumer or an in-flight prepare can never see a half-consumed slot
	c.mu.Lock()
	if c.slot != nil {
		s := c.slot
		c.slot = nil
		if err := c.markConsumed(s.clientID, s.conversationID); err != nil {
			c.mu.Unlock()
			_ = s.conn.Close()
			return nil, ids.ID{}, nil, err
		}
		c.mu.Unlock()
		conn, err := c.manager.Adopt(ctx, s.clientID, s.conn, ReasonUserInteraction)
		if err != nil {
			return nil, ids.ID{}, nil, err
		}
		c.log.Debugf("consumed live unused identity %s", s.clientID)
		return conn, s.clientID, &s.conversationID, nil
	}

	clientID, conversationID, found, err := c.durablePointer()
	if err != nil {
		c.mu.Unlock()
		return nil, ids.ID{}, nil, err
	}
	if found {
		if err := c.markConsumed(clientID, conversationID); err != nil {
			c.mu.Unlock()
			return nil, ids.ID{}, nil, err
		}
		c.mu.Unlock()
		conn, err := c.manager.Wake(ctx, clientID, ReasonUserInteraction)
		if err != nil {
			return nil, ids.ID{}, nil, err
		}
		c.log.Debugf("materialized durable unused identity %s", clientID)
		return conn, clientID, &conversationID, nil
	}
	c.mu.Unlock()

	ident, conn, err := c.manager.CreateNewInbox(ctx)
	if err != nil {
		return nil, ids.ID{}, nil, err
	}
	c.log.Debugf("unused cache empty, created new inbox %s", ident.ClientID)
	return conn, ident.ClientID, nil, nil
}

// Shutdown closes the live slot connection, leaving the durable pointer in
// place for the next launch.
func (c *UnusedCache) Shutdown() {
	c.mu.Lock()
	s := c.slot
	c.slot = nil
	c.mu.Unlock()
	if s != nil {
		_ = s.conn.Close()
	}
}

func (c *UnusedCache) prepare() {
	defer func() {
		c.mu.Lock()
		c.preparing = false
		c.mu.Unlock()
	}()

	ident := &identity.Identity{
		ClientID:    ids.NewID(),
		InboxID:     ids.NewID(),
		PrivateKey:  nacl.NewKey()[:],
		DatabaseKey: nacl.NewKey()[:],
	}
	if err := c.store.Create(ident); err != nil {
		c.log.Warnf("unable to create unused identity: %#v", err)
		return
	}
	conversationID := uuid.New()
	if err := c.db.Run("create unused conversation", func() error {
		if _, err := c.db.Tx.Exec(
			"INSERT INTO conversations (id, inbox_id, client_id, metadata, is_unused, created_at) VALUES ($1, $2, $3, $4, 1, $5)",
			conversationID[:], ident.InboxID[:], ident.ClientID[:], []byte("{}"), c.clock.CurrentTimeMs()); err != nil {
			return err
		}
		_, err := c.db.Tx.Exec("INSERT OR REPLACE INTO unused_identity (id, client_id) VALUES (0, $1)", ident.ClientID[:])
		return err
	}); err != nil {
		c.log.Warnf("unable to persist unused slot: %#v", err)
		return
	}

	dialCtx, cancelFn := context.WithTimeout(context.Background(), time.Duration(c.config.WakeTimeoutMs)*time.Millisecond)
	defer cancelFn()
	conn, err := c.dialer.Dial(dialCtx, network.Identity{InboxID: ident.InboxID, PrivateKey: ident.PrivateKey})
	if err != nil {
		// the durable pointer remains; consumption will materialize it
		c.log.Warnf("unable to connect unused identity %s: %#v", ident.ClientID, err)
		return
	}

	// a consumer may have taken the durable pointer while the dial was in
	// flight; installing the slot anyway would hand the identity out twice
	c.mu.Lock()
	pointed, err := c.pointerIs(ident.ClientID)
	if err != nil || !pointed || c.slot != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.slot = &unusedSlot{clientID: ident.ClientID, conversationID: conversationID, conn: conn}
	c.mu.Unlock()
	c.log.Debugf("prepared unused identity %s", ident.ClientID)
}

// pointerIs reports whether the durable pointer currently references the
// given identity. Callers hold the cache mutex.
func (c *UnusedCache) pointerIs(clientID ids.ID) (bool, error) {
	var count int
	err := c.db.RunReadOnly("check unused pointer", func() error {
		return c.db.Tx.Get(&count, "SELECT COUNT(*) FROM unused_identity WHERE id = 0 AND client_id = $1", clientID[:])
	})
	return count == 1, err
}

// durablePointer finds a slot that was persisted but is not live in memory.
func (c *UnusedCache) durablePointer() (ids.ID, uuid.UUID, bool, error) {
	var clientID ids.ID
	var conversationID uuid.UUID
	found := false
	err := c.db.RunReadOnly("read unused pointer", func() error {
		var clientIDBytes []byte
		if err := c.db.Tx.Get(&clientIDBytes, "SELECT client_id FROM unused_identity WHERE id = 0"); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		var conversationIDBytes []byte
		if err := c.db.Tx.Get(&conversationIDBytes, "SELECT id FROM conversations WHERE client_id = $1 AND is_unused = 1", clientIDBytes); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		clientID = ids.IDFromBytes(clientIDBytes)
		copy(conversationID[:], conversationIDBytes)
		found = true
		return nil
	})
	return clientID, conversationID, found, err
}

// markConsumed atomically clears the durable pointer and surfaces the
// conversation to listings.
func (c *UnusedCache) markConsumed(clientID ids.ID, conversationID uuid.UUID) error {
	return c.db.Run("consume unused identity", func() error {
		if _, err := c.db.Tx.Exec("DELETE FROM unused_identity WHERE client_id = $1", clientID[:]); err != nil {
			return err
		}
		_, err := c.db.Tx.Exec("UPDATE conversations SET is_unused = 0 WHERE id = $1", conversationID[:])
		return err
	})
}

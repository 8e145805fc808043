package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/burrow-im/go-burrow/identity"
	"github.com/burrow-im/go-burrow/ids"
	"github.com/burrow-im/go-burrow/network"
	"github.com/burrow-im/go-burrow/network/mem"
	"github.com/google/uuid"
	"github.com/kevinburke/nacl"
	"github.com/stretchr/testify/require"
)

func newUnusedCache(f *managerFixture, dialer network.Dialer) *UnusedCache {
	return NewUnusedCache(f.config, f.db, f.manager.clock, f.store, f.manager, dialer)
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPrepareAndConsume(t *testing.T) {
	require := require.New(t)
	bus := mem.NewBus()
	f := newManagerFixture(bus)
	defer f.teardown()
	cache := newUnusedCache(f, bus)
	defer cache.Shutdown()

	cache.PrepareIfNeeded()
	waitFor(t, cache.HasUnused)

	// the pre-created conversation is invisible until consumed
	var visible int
	require.Nil(f.db.RunReadOnly("count visible", func() error {
		return f.db.Tx.Get(&visible, "SELECT COUNT(*) FROM conversations WHERE is_unused = 0")
	}))
	require.Zero(visible)

	conn, clientID, convID, err := cache.ConsumeOrCreate(context.Background())
	require.Nil(err)
	require.NotNil(conn)
	require.NotNil(convID)
	require.True(f.manager.IsAwake(clientID))

	require.Nil(f.db.RunReadOnly("count visible", func() error {
		return f.db.Tx.Get(&visible, "SELECT COUNT(*) FROM conversations WHERE is_unused = 0")
	}))
	require.Equal(1, visible)

	var pointerCount int
	require.Nil(f.db.RunReadOnly("count pointer", func() error {
		return f.db.Tx.Get(&pointerCount, "SELECT COUNT(*) FROM unused_identity WHERE client_id = $1", clientID[:])
	}))
	require.Zero(pointerCount)

	// consumption triggers replenishment
	waitFor(t, cache.HasUnused)
}

func TestConsumeWithEmptyCacheCreatesInbox(t *testing.T) {
	require := require.New(t)
	bus := mem.NewBus()
	f := newManagerFixture(bus)
	defer f.teardown()
	cache := newUnusedCache(f, bus)
	defer cache.Shutdown()

	conn, clientID, convID, err := cache.ConsumeOrCreate(context.Background())
	require.Nil(err)
	require.NotNil(conn)
	require.Nil(convID)
	require.True(f.manager.IsAwake(clientID))

	_, err = f.store.Get(clientID)
	require.Nil(err)
}

func TestConsumeDurableOnlySlot(t *testing.T) {
	require := require.New(t)
	bus := mem.NewBus()
	f := newManagerFixture(bus)
	defer f.teardown()
	cache := newUnusedCache(f, bus)
	defer cache.Shutdown()

	// simulate a crash after the durable write but before the dial finished
	ident := &identity.Identity{
		ClientID:    ids.NewID(),
		InboxID:     ids.NewID(),
		PrivateKey:  nacl.NewKey()[:],
		DatabaseKey: nacl.NewKey()[:],
	}
	require.Nil(f.store.Create(ident))
	conversationID := uuid.New()
	require.Nil(f.db.Run("seed durable slot", func() error {
		if _, err := f.db.Tx.Exec(
			"INSERT INTO conversations (id, inbox_id, client_id, metadata, is_unused, created_at) VALUES ($1, $2, $3, $4, 1, 1)",
			conversationID[:], ident.InboxID[:], ident.ClientID[:], []byte("{}")); err != nil {
			return err
		}
		_, err := f.db.Tx.Exec("INSERT OR REPLACE INTO unused_identity (id, client_id) VALUES (0, $1)", ident.ClientID[:])
		return err
	}))
	require.False(cache.HasUnused())

	conn, clientID, convID, err := cache.ConsumeOrCreate(context.Background())
	require.Nil(err)
	require.NotNil(conn)
	require.Equal(ident.ClientID, clientID)
	require.NotNil(convID)
	require.Equal(conversationID, *convID)
}

func TestConcurrentConsumeNeverHandsOutSlotTwice(t *testing.T) {
	require := require.New(t)
	bus := mem.NewBus()
	f := newManagerFixture(bus)
	defer f.teardown()
	cache := newUnusedCache(f, bus)
	defer cache.Shutdown()

	cache.PrepareIfNeeded()
	waitFor(t, cache.HasUnused)

	const n = 4
	var wg sync.WaitGroup
	clientIDs := make([]ids.ID, n)
	convIDs := make([]*uuid.UUID, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, clientIDs[i], convIDs[i], errs[i] = cache.ConsumeOrCreate(context.Background())
		}(i)
	}
	wg.Wait()

	seenClients := make(map[ids.ID]bool)
	seenConvs := make(map[uuid.UUID]bool)
	for i := 0; i < n; i++ {
		require.Nil(errs[i])
		require.False(seenClients[clientIDs[i]], "identity handed out twice")
		seenClients[clientIDs[i]] = true
		if convIDs[i] != nil {
			require.False(seenConvs[*convIDs[i]], "conversation handed out twice")
			seenConvs[*convIDs[i]] = true
		}
	}
}

func TestShutdownLeavesDurablePointer(t *testing.T) {
	require := require.New(t)
	bus := mem.NewBus()
	f := newManagerFixture(bus)
	defer f.teardown()
	cache := newUnusedCache(f, bus)

	cache.PrepareIfNeeded()
	waitFor(t, cache.HasUnused)
	cache.Shutdown()
	require.False(cache.HasUnused())

	var pointerCount int
	require.Nil(f.db.RunReadOnly("count pointer", func() error {
		return f.db.Tx.Get(&pointerCount, "SELECT COUNT(*) FROM unused_identity")
	}))
	require.Equal(1, pointerCount)

	// next launch materializes it without creating a new identity
	cache2 := newUnusedCache(f, bus)
	defer cache2.Shutdown()
	_, _, convID, err := cache2.ConsumeOrCreate(context.Background())
	require.Nil(err)
	require.NotNil(convID)
}

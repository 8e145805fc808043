package lifecycle

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/identity"
	"github.com/burrow-im/go-burrow/ids"
	db "github.com/burrow-im/go-burrow/internal/db"
	"github.com/burrow-im/go-burrow/internal/test"
	"github.com/burrow-im/go-burrow/network"
	"github.com/burrow-im/go-burrow/network/mem"
	"github.com/google/uuid"
	"github.com/kevinburke/nacl"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

// countingDialer wraps another dialer, counting and optionally delaying dials.
type countingDialer struct {
	inner network.Dialer
	delay time.Duration
	count int64
}

func (d *countingDialer) Dial(ctx context.Context, ident network.Identity) (network.Conn, error) {
	atomic.AddInt64(&d.count, 1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.inner.Dial(ctx, ident)
}

// blockingDialer never completes; dials end only by ctx.
type blockingDialer struct{}

func (d *blockingDialer) Dial(ctx context.Context, ident network.Identity) (network.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type managerFixture struct {
	config  *config.Config
	db      *db.Database
	store   *identity.Store
	ranking *identity.Ranking
	manager *Manager
}

func newManagerFixture(dialer network.Dialer, opts ...config.Option) *managerFixture {
	opts = append([]config.Option{config.WithLoggingPrefix("test")}, opts...)
	c := config.NewConfig(opts...)
	d := test.NewMigratedDatabase(c)
	cl := clock.NewSystemClock()
	store := identity.NewStore(c, d, cl)
	ranking := identity.NewRanking(c, d)
	return &managerFixture{
		config:  c,
		db:      d,
		store:   store,
		ranking: ranking,
		manager: NewManager(c, d, cl, store, ranking, dialer),
	}
}

func (f *managerFixture) teardown() {
	f.manager.Shutdown()
	if err := f.db.Shutdown(); err != nil {
		panic(err)
	}
}

func (f *managerFixture) createIdentity() ids.ID {
	ident := &identity.Identity{
		ClientID:    ids.NewID(),
		InboxID:     ids.NewID(),
		PrivateKey:  nacl.NewKey()[:],
		DatabaseKey: nacl.NewKey()[:],
	}
	if err := f.store.Create(ident); err != nil {
		panic(err)
	}
	return ident.ClientID
}

// seedActivity gives an identity a visible conversation with one message at
// the given timestamp, so the activity ranking sees it.
func (f *managerFixture) seedActivity(clientID ids.ID, receivedAt uint64) {
	ident, err := f.store.Get(clientID)
	if err != nil {
		panic(err)
	}
	convID := uuid.New()
	msgID := ids.NewID()
	if err := f.db.Run("seed activity", func() error {
		if _, err := f.db.Tx.Exec(
			"INSERT INTO conversations (id, inbox_id, client_id, metadata, is_unused, created_at) VALUES ($1, $2, $3, $4, 0, 1)",
			convID[:], ident.InboxID[:], ident.ClientID[:], []byte("{}")); err != nil {
			return err
		}
		_, err := f.db.Tx.Exec(
			"INSERT INTO messages (id, conversation_id, received_at, body) VALUES ($1, $2, $3, $4)",
			msgID[:], convID[:], receivedAt, []byte("m"))
		return err
	}); err != nil {
		panic(err)
	}
}

func TestWakeIdempotent(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus())
	defer f.teardown()

	a := f.createIdentity()
	conn1, err := f.manager.Wake(context.Background(), a, ReasonUserInteraction)
	require.Nil(err)
	conn2, err := f.manager.Wake(context.Background(), a, ReasonUserInteraction)
	require.Nil(err)
	require.Same(conn1, conn2)
	require.Equal(1, f.manager.AwakeCount())
}

func TestWakeUnknownIdentity(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus())
	defer f.teardown()

	_, err := f.manager.Wake(context.Background(), ids.NewID(), ReasonUserInteraction)
	require.ErrorIs(err, identity.ErrIdentityNotFound)
}

func TestCapacityEvictsLeastRecentlyActive(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(2))
	defer f.teardown()

	a := f.createIdentity()
	b := f.createIdentity()
	c := f.createIdentity()
	f.seedActivity(a, 5)
	f.seedActivity(b, 3)

	_, err := f.manager.Wake(context.Background(), a, ReasonUserInteraction)
	require.Nil(err)
	_, err = f.manager.Wake(context.Background(), b, ReasonUserInteraction)
	require.Nil(err)
	require.Equal(2, f.manager.AwakeCount())

	// b has the colder activity, so it goes
	_, err = f.manager.Wake(context.Background(), c, ReasonUserInteraction)
	require.Nil(err)
	require.Equal(2, f.manager.AwakeCount())
	require.True(f.manager.IsAwake(a))
	require.False(f.manager.IsAwake(b))
	require.True(f.manager.IsAwake(c))
}

func TestEvictionOrderColdestFirst(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(2))
	defer f.teardown()

	a := f.createIdentity()
	b := f.createIdentity()
	c := f.createIdentity()
	d := f.createIdentity()
	e := f.createIdentity()
	f.seedActivity(a, 5)
	f.seedActivity(b, 3)
	f.seedActivity(d, 7)
	f.seedActivity(e, 9)

	// protection lets the awake set grow past capacity; unprotecting leaves
	// three unprotected awake identities
	for _, id := range []ids.ID{a, b, c} {
		_, err := f.manager.WakeProtected(context.Background(), id, ReasonAppLaunch)
		require.Nil(err)
		f.manager.Protect(id, false)
	}
	require.Equal(3, f.manager.AwakeCount())

	// never-active c goes first
	_, err := f.manager.Wake(context.Background(), d, ReasonUserInteraction)
	require.Nil(err)
	require.False(f.manager.IsAwake(c))
	require.True(f.manager.IsAwake(a))
	require.True(f.manager.IsAwake(b))

	// then the coldest timestamp, never the warmest
	_, err = f.manager.Wake(context.Background(), e, ReasonUserInteraction)
	require.Nil(err)
	require.False(f.manager.IsAwake(b))
	require.True(f.manager.IsAwake(a))
}

func TestProtectionOverridesCapacity(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(1))
	defer f.teardown()

	a := f.createIdentity()
	b := f.createIdentity()
	c := f.createIdentity()
	f.seedActivity(b, 3)

	_, err := f.manager.WakeProtected(context.Background(), a, ReasonPendingInvite)
	require.Nil(err)
	_, err = f.manager.Wake(context.Background(), b, ReasonUserInteraction)
	require.Nil(err)

	// protected a does not count against capacity
	require.Equal(2, f.manager.AwakeCount())
	require.True(f.manager.IsAwake(a))
	require.True(f.manager.IsAwake(b))

	// a new unprotected wake evicts b, never a
	_, err = f.manager.Wake(context.Background(), c, ReasonUserInteraction)
	require.Nil(err)
	require.True(f.manager.IsAwake(a))
	require.False(f.manager.IsAwake(b))
	require.True(f.manager.IsAwake(c))
}

func TestCapacityIgnoresProtectedEntries(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(3))
	defer f.teardown()

	p1 := f.createIdentity()
	p2 := f.createIdentity()
	u1 := f.createIdentity()
	u2 := f.createIdentity()
	u3 := f.createIdentity()
	u4 := f.createIdentity()
	f.seedActivity(u1, 1)
	f.seedActivity(u2, 5)
	f.seedActivity(u3, 10)

	for _, id := range []ids.ID{p1, p2} {
		_, err := f.manager.WakeProtected(context.Background(), id, ReasonPendingInvite)
		require.Nil(err)
	}

	// unprotected identities fill the nominal capacity alongside the
	// protected ones without evicting anybody
	for _, id := range []ids.ID{u1, u2, u3} {
		_, err := f.manager.Wake(context.Background(), id, ReasonUserInteraction)
		require.Nil(err)
	}
	require.Equal(5, f.manager.AwakeCount())
	require.True(f.manager.IsAwake(u1))

	// one more unprotected wake evicts the coldest unprotected identity,
	// never a protected one
	_, err := f.manager.Wake(context.Background(), u4, ReasonUserInteraction)
	require.Nil(err)
	require.Equal(5, f.manager.AwakeCount())
	require.False(f.manager.IsAwake(u1))
	require.True(f.manager.IsAwake(p1))
	require.True(f.manager.IsAwake(p2))
	require.True(f.manager.IsAwake(u4))
}

func TestSleepRefusesProtected(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus())
	defer f.teardown()

	a := f.createIdentity()
	_, err := f.manager.WakeProtected(context.Background(), a, ReasonPendingInvite)
	require.Nil(err)

	f.manager.Sleep(a)
	require.True(f.manager.IsAwake(a))

	f.manager.Protect(a, false)
	f.manager.Sleep(a)
	require.False(f.manager.IsAwake(a))
}

func TestForceRemoveBypassesProtection(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus())
	defer f.teardown()

	a := f.createIdentity()
	_, err := f.manager.WakeProtected(context.Background(), a, ReasonPendingInvite)
	require.Nil(err)

	f.manager.ForceRemove(a)
	require.False(f.manager.IsAwake(a))
}

func TestActiveInboxNeverEvicted(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(1))
	defer f.teardown()

	a := f.createIdentity()
	b := f.createIdentity()

	_, err := f.manager.Wake(context.Background(), a, ReasonUserInteraction)
	require.Nil(err)
	f.manager.SetActive(a)

	// a is the only candidate but it is active, so b is admitted over capacity
	_, err = f.manager.Wake(context.Background(), b, ReasonUserInteraction)
	require.Nil(err)
	require.True(f.manager.IsAwake(a))
	require.True(f.manager.IsAwake(b))
}

func TestGetOrWake(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus())
	defer f.teardown()

	a := f.createIdentity()
	conn1, err := f.manager.GetOrWake(context.Background(), a)
	require.Nil(err)
	conn2, err := f.manager.GetOrWake(context.Background(), a)
	require.Nil(err)
	require.Same(conn1, conn2)
}

func TestWakeTimeout(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(&blockingDialer{}, config.WithWakeTimeoutMs(50))
	defer f.teardown()

	a := f.createIdentity()
	start := time.Now()
	_, err := f.manager.Wake(context.Background(), a, ReasonUserInteraction)
	require.ErrorIs(err, ErrWakeTimeout)
	require.Less(time.Since(start), 5*time.Second)
	require.False(f.manager.IsAwake(a))
}

func TestWakeCanceled(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(&blockingDialer{}, config.WithWakeTimeoutMs(10000))
	defer f.teardown()

	a := f.createIdentity()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.manager.Wake(ctx, a, ReasonUserInteraction)
	require.ErrorIs(err, context.Canceled)
	require.NotErrorIs(err, ErrWakeTimeout)
}

func TestConcurrentWakesCoalesce(t *testing.T) {
	require := require.New(t)
	d := &countingDialer{inner: mem.NewBus(), delay: 50 * time.Millisecond}
	f := newManagerFixture(d)
	defer f.teardown()

	a := f.createIdentity()
	var wg sync.WaitGroup
	conns := make([]network.Conn, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = f.manager.Wake(context.Background(), a, ReasonPushNotification)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		require.Nil(errs[i])
		require.Same(conns[0], conns[i])
	}
	require.Equal(int64(1), atomic.LoadInt64(&d.count))
}

func TestCreateNewInbox(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus())
	defer f.teardown()

	ident, conn, err := f.manager.CreateNewInbox(context.Background())
	require.Nil(err)
	require.NotNil(conn)
	require.True(f.manager.IsAwake(ident.ClientID))

	stored, err := f.store.Get(ident.ClientID)
	require.Nil(err)
	require.Equal(ident.InboxID, stored.InboxID)
}

func TestAdopt(t *testing.T) {
	require := require.New(t)
	bus := mem.NewBus()
	f := newManagerFixture(bus)
	defer f.teardown()

	a := f.createIdentity()
	ident, err := f.store.Get(a)
	require.Nil(err)
	conn, err := bus.Dial(context.Background(), network.Identity{InboxID: ident.InboxID, PrivateKey: ident.PrivateKey})
	require.Nil(err)

	adopted, err := f.manager.Adopt(context.Background(), a, conn, ReasonUserInteraction)
	require.Nil(err)
	require.Same(conn, adopted)
	require.True(f.manager.IsAwake(a))
}

func TestInitializeOnAppLaunch(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(3))
	defer f.teardown()

	a := f.createIdentity()
	b := f.createIdentity()
	c := f.createIdentity()
	cold1 := f.createIdentity()
	cold2 := f.createIdentity()
	f.seedActivity(a, 30)
	f.seedActivity(b, 20)
	f.seedActivity(c, 10)

	require.Nil(f.manager.InitializeOnAppLaunch(context.Background()))
	require.True(f.manager.IsAwake(a))
	require.True(f.manager.IsAwake(b))
	require.True(f.manager.IsAwake(c))
	require.False(f.manager.IsAwake(cold1))
	require.False(f.manager.IsAwake(cold2))
}

func TestInitializeOnAppLaunchWakesPendingInvitesProtected(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(2))
	defer f.teardown()

	a := f.createIdentity()
	b := f.createIdentity()
	pending := f.createIdentity()
	f.seedActivity(a, 30)
	f.seedActivity(b, 20)
	require.Nil(f.store.AddPendingInvite(pending))

	require.Nil(f.manager.InitializeOnAppLaunch(context.Background()))

	// the pending-invite identity is extra; capacity bends for it
	require.True(f.manager.IsAwake(pending))
	require.True(f.manager.IsAwake(a))
	require.True(f.manager.IsAwake(b))
	require.Equal(3, f.manager.AwakeCount())
}

func TestRebalance(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(2))
	defer f.teardown()

	a := f.createIdentity()
	b := f.createIdentity()
	c := f.createIdentity()
	f.seedActivity(a, 10)
	f.seedActivity(b, 5)

	_, err := f.manager.Wake(context.Background(), c, ReasonUserInteraction)
	require.Nil(err)

	require.Nil(f.manager.Rebalance(context.Background()))
	require.True(f.manager.IsAwake(a))
	require.True(f.manager.IsAwake(b))
	require.False(f.manager.IsAwake(c))
}

func TestRebalanceKeepsActiveAwake(t *testing.T) {
	require := require.New(t)
	f := newManagerFixture(mem.NewBus(), config.WithMaxAwakeInboxes(2))
	defer f.teardown()

	a := f.createIdentity()
	b := f.createIdentity()
	c := f.createIdentity()
	f.seedActivity(a, 10)
	f.seedActivity(b, 5)

	_, err := f.manager.Wake(context.Background(), c, ReasonUserInteraction)
	require.Nil(err)
	f.manager.SetActive(c)

	require.Nil(f.manager.Rebalance(context.Background()))
	require.True(f.manager.IsAwake(c))
	// one slot left for the warmest identity
	require.True(f.manager.IsAwake(a))
	require.False(f.manager.IsAwake(b))
}

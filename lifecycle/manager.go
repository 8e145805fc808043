// This package implements the capacity-constrained scheduler deciding which
// inbox identities hold live network connections at any moment. Identities
// move between awake (connected) and sleeping (known but disconnected) under a
// hard ceiling on concurrent connections, with least-recently-active
// identities evicted first. Protected identities (the one on screen, or any
// with a join request awaiting approval) are never evicted; the ceiling bends
// before they do.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/identity"
	"github.com/burrow-im/go-burrow/ids"
	db "github.com/burrow-im/go-burrow/internal/db"
	"github.com/burrow-im/go-burrow/network"
	"github.com/kevinburke/nacl"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// ErrWakeTimeout indicates a connection attempt exceeded the configured wake
// deadline. Distinct from network.ErrConnectionFailure so callers can tell
// "still trying" from "definitely failed".
var ErrWakeTimeout = errors.New("lifecycle: wake timed out")

// WakeReason records why a connection was opened. Reasons are logged for
// diagnosis and never alter scheduling decisions.
type WakeReason int

const (
	ReasonUserInteraction WakeReason = iota
	ReasonPushNotification
	ReasonActivityRanking
	ReasonPendingInvite
	ReasonAppLaunch
)

func (r WakeReason) String() string {
	switch r {
	case ReasonUserInteraction:
		return "userInteraction"
	case ReasonPushNotification:
		return "pushNotification"
	case ReasonActivityRanking:
		return "activityRanking"
	case ReasonPendingInvite:
		return "pendingInvite"
	case ReasonAppLaunch:
		return "appLaunch"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

type awakeEntry struct {
	clientID    ids.ID
	conn        network.Conn
	lastTouched uint64
	protected   bool
	reason      WakeReason
}

// pendingWake tracks an in-flight dial so concurrent wakes of the same
// identity coalesce onto one connection attempt.
type pendingWake struct {
	done chan struct{}
	conn network.Conn
	err  error
}

type Manager struct {
	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	db      *db.Database
	store   *identity.Store
	ranking *identity.Ranking
	dialer  network.Dialer
	max     int

	mu           sync.Mutex
	awake        map[ids.ID]*awakeEntry
	pending      map[ids.ID]*pendingWake
	touchCounter uint64
	active       ids.ID
	hasActive    bool
}

func NewManager(c *config.Config, d *db.Database, cl clock.Clock, store *identity.Store, ranking *identity.Ranking, dialer network.Dialer) *Manager {
	return &Manager{
		config:  c,
		log:     c.Logger("lifecycle/manager"),
		clock:   cl,
		db:      d,
		store:   store,
		ranking: ranking,
		dialer:  dialer,
		max:     c.MaxAwakeInboxes,
		awake:   make(map[ids.ID]*awakeEntry),
		pending: make(map[ids.ID]*pendingWake),
	}
}

// Wake materializes a connection for an identity. Idempotent: waking an
// already-awake identity returns the existing connection and touches its
// recency. When the unprotected awake count is at capacity, one
// least-recently-active identity is slept first; if no eligible victim exists
// the identity is admitted anyway.
func (m *Manager) Wake(ctx context.Context, clientID ids.ID, reason WakeReason) (network.Conn, error) {
	return m.wake(ctx, clientID, reason, false)
}

// WakeProtected wakes an identity exempt from eviction. Protected wakes never
// evict anyone and may exceed the nominal capacity.
func (m *Manager) WakeProtected(ctx context.Context, clientID ids.ID, reason WakeReason) (network.Conn, error) {
	return m.wake(ctx, clientID, reason, true)
}

func (m *Manager) wake(ctx context.Context, clientID ids.ID, reason WakeReason, protected bool) (network.Conn, error) {
	m.mu.Lock()
	if e, ok := m.awake[clientID]; ok {
		m.touchLocked(e)
		if protected {
			e.protected = true
		}
		conn := e.conn
		m.mu.Unlock()
		return conn, nil
	}
	if p, ok := m.pending[clientID]; ok {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.conn, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingWake{done: make(chan struct{})}
	m.pending[clientID] = p
	m.mu.Unlock()

	conn, err := m.materialize(ctx, clientID)
	if err != nil {
		m.finishPending(clientID, p, nil, err)
		return nil, err
	}
	return m.admit(ctx, clientID, conn, reason, protected, p)
}

func (m *Manager) materialize(ctx context.Context, clientID ids.ID) (network.Conn, error) {
	ident, err := m.store.Get(clientID)
	if err != nil {
		return nil, err
	}
	dialCtx, cancelFn := context.WithTimeout(ctx, time.Duration(m.config.WakeTimeoutMs)*time.Millisecond)
	defer cancelFn()
	conn, err := m.dialer.Dial(dialCtx, network.Identity{InboxID: ident.InboxID, PrivateKey: ident.PrivateKey})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: client_id=%s", ErrWakeTimeout, clientID)
		}
		return nil, err
	}
	return conn, nil
}

// admit installs a dialed connection. The activity snapshot used to pick an
// eviction victim is queried before taking the lock so no I/O happens inside
// the exclusion region; admission re-checks state once the lock is held.
func (m *Manager) admit(ctx context.Context, clientID ids.ID, conn network.Conn, reason WakeReason, protected bool, p *pendingWake) (network.Conn, error) {
	var records []*identity.ActivityRecord
	if !protected {
		m.mu.Lock()
		overCap := m.unprotectedCountLocked() >= m.max
		m.mu.Unlock()
		if overCap {
			var err error
			records, err = m.ranking.Query()
			if err != nil {
				// eviction falls back to in-memory recency below
				m.log.Warnf("unable to query activity ranking: %#v", err)
			}
		}
	}

	var victim network.Conn
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		_ = conn.Close()
		if p != nil {
			m.finishPending(clientID, p, nil, err)
		}
		return nil, err
	}
	if p != nil && m.pending[clientID] != p {
		// forcibly removed while dialing
		m.mu.Unlock()
		_ = conn.Close()
		err := fmt.Errorf("%w: client_id=%s", identity.ErrIdentityNotFound, clientID)
		p.err = err
		close(p.done)
		return nil, err
	}
	if e, ok := m.awake[clientID]; ok {
		// lost a race with an adoption; keep the established connection
		m.touchLocked(e)
		existing := e.conn
		m.mu.Unlock()
		_ = conn.Close()
		if p != nil {
			m.finishPending(clientID, p, existing, nil)
		}
		return existing, nil
	}
	if !protected && m.unprotectedCountLocked() >= m.max {
		if victimID, ok := m.evictionCandidateLocked(records, map[ids.ID]bool{clientID: true}); ok {
			ve := m.awake[victimID]
			delete(m.awake, victimID)
			victim = ve.conn
			m.log.Infof("evicting %s to admit %s", victimID, clientID)
		} else {
			m.log.Infof("no eligible eviction candidate, admitting %s over capacity", clientID)
		}
	}
	m.touchCounter++
	m.awake[clientID] = &awakeEntry{
		clientID:    clientID,
		conn:        conn,
		lastTouched: m.touchCounter,
		protected:   protected,
		reason:      reason,
	}
	m.mu.Unlock()

	if victim != nil {
		if err := victim.Close(); err != nil {
			m.log.Warnf("error closing evicted connection: %#v", err)
		}
	}
	if p != nil {
		m.finishPending(clientID, p, conn, nil)
	}
	m.log.Debugf("woke %s reason=%s", clientID, reason)
	return conn, nil
}

// evictionCandidateLocked walks the activity ranking from the tail (least
// recently active first) and returns the first identity that is awake,
// unprotected, not the active inbox and not excluded. Falls back to in-memory
// touch order when no ranking snapshot is available.
func (m *Manager) evictionCandidateLocked(records []*identity.ActivityRecord, exclude map[ids.ID]bool) (ids.ID, bool) {
	eligible := func(id ids.ID) bool {
		e, ok := m.awake[id]
		if !ok || e.protected || exclude[id] {
			return false
		}
		if m.hasActive && id == m.active {
			return false
		}
		return true
	}

	for i := len(records) - 1; i >= 0; i-- {
		if eligible(records[i].ClientID) {
			return records[i].ClientID, true
		}
	}

	entries := maps.Values(m.awake)
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastTouched < entries[j].lastTouched })
	for _, e := range entries {
		if eligible(e.clientID) {
			return e.clientID, true
		}
	}
	return ids.ID{}, false
}

func (m *Manager) finishPending(clientID ids.ID, p *pendingWake, conn network.Conn, err error) {
	m.mu.Lock()
	if m.pending[clientID] == p {
		delete(m.pending, clientID)
	}
	m.mu.Unlock()
	p.conn = conn
	p.err = err
	close(p.done)
}

func (m *Manager) touchLocked(e *awakeEntry) {
	m.touchCounter++
	e.lastTouched = m.touchCounter
}

// unprotectedCountLocked is the count the capacity ceiling applies to:
// protected entries may push the awake set past the ceiling, never the
// reverse.
func (m *Manager) unprotectedCountLocked() int {
	n := 0
	for _, e := range m.awake {
		if !e.protected {
			n++
		}
	}
	return n
}

// Sleep tears down a connection and moves the identity to sleeping. No-op if
// already sleeping or untracked. Protected identities are never slept; callers
// must unprotect first.
func (m *Manager) Sleep(clientID ids.ID) {
	m.mu.Lock()
	e, ok := m.awake[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if e.protected {
		m.mu.Unlock()
		m.log.Warnf("refusing to sleep protected identity %s", clientID)
		return
	}
	delete(m.awake, clientID)
	conn := e.conn
	m.mu.Unlock()

	if err := conn.Close(); err != nil {
		m.log.Warnf("error closing connection for %s: %#v", clientID, err)
	}
	m.log.Infof("slept %s at %d", clientID, m.clock.CurrentTimeMs())
}

// ForceRemove unconditionally tears down an identity, bypassing protection.
// Used during identity deletion; deletion always wins.
func (m *Manager) ForceRemove(clientID ids.ID) {
	m.mu.Lock()
	e, ok := m.awake[clientID]
	delete(m.awake, clientID)
	delete(m.pending, clientID)
	m.mu.Unlock()

	if ok {
		if err := e.conn.Close(); err != nil {
			m.log.Warnf("error closing connection for %s: %#v", clientID, err)
		}
	}
	m.log.Infof("force-removed %s", clientID)
}

// GetOrWake returns the live connection for an identity, waking it if needed.
func (m *Manager) GetOrWake(ctx context.Context, clientID ids.ID) (network.Conn, error) {
	m.mu.Lock()
	if e, ok := m.awake[clientID]; ok {
		m.touchLocked(e)
		conn := e.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()
	return m.Wake(ctx, clientID, ReasonUserInteraction)
}

// CreateNewInbox allocates a brand-new identity outside the unused-cache path
// and wakes it immediately, unprotected.
func (m *Manager) CreateNewInbox(ctx context.Context) (*identity.Identity, network.Conn, error) {
	ident := &identity.Identity{
		ClientID:    ids.NewID(),
		InboxID:     ids.NewID(),
		PrivateKey:  nacl.NewKey()[:],
		DatabaseKey: nacl.NewKey()[:],
	}
	if err := m.store.Create(ident); err != nil {
		return nil, nil, err
	}
	conn, err := m.Wake(ctx, ident.ClientID, ReasonUserInteraction)
	if err != nil {
		return nil, nil, err
	}
	return ident, conn, nil
}

// Adopt admits an already-live connection, as when the unused-identity cache
// hands off a pre-created inbox. Capacity and eviction apply as in Wake.
func (m *Manager) Adopt(ctx context.Context, clientID ids.ID, conn network.Conn, reason WakeReason) (network.Conn, error) {
	return m.admit(ctx, clientID, conn, reason, false, nil)
}

// Touch refreshes an identity's in-memory recency, as when a message arrives
// on its conversation.
func (m *Manager) Touch(clientID ids.ID) {
	m.mu.Lock()
	if e, ok := m.awake[clientID]; ok {
		m.touchLocked(e)
	}
	m.mu.Unlock()
}

// Protect marks or unmarks an identity as exempt from eviction.
func (m *Manager) Protect(clientID ids.ID, protected bool) {
	m.mu.Lock()
	if e, ok := m.awake[clientID]; ok {
		e.protected = protected
	}
	m.mu.Unlock()
}

// SetActive marks the inbox the UI is currently displaying. The active inbox
// is never chosen for eviction.
func (m *Manager) SetActive(clientID ids.ID) {
	m.mu.Lock()
	m.active = clientID
	m.hasActive = true
	m.mu.Unlock()
}

func (m *Manager) ClearActive() {
	m.mu.Lock()
	m.hasActive = false
	m.mu.Unlock()
}

func (m *Manager) IsAwake(clientID ids.ID) bool {
	m.mu.Lock()
	_, ok := m.awake[clientID]
	m.mu.Unlock()
	return ok
}

func (m *Manager) AwakeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.awake)
}

func (m *Manager) AwakeClientIDs() []ids.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Keys(m.awake)
}

// Rebalance realigns the awake set with recent activity: the active inbox and
// all pending-invite identities are protected, the remaining slots go to the
// most recently active identities, and every other awake identity is slept.
func (m *Manager) Rebalance(ctx context.Context) error {
	pendingInvites, err := m.store.PendingInvites()
	if err != nil {
		return err
	}
	records, err := m.ranking.Query()
	if err != nil {
		return err
	}

	protected := make(map[ids.ID]bool)
	m.mu.Lock()
	if m.hasActive {
		protected[m.active] = true
	}
	m.mu.Unlock()
	for _, id := range pendingInvites {
		protected[id] = true
	}

	available := m.max - len(protected)
	if available < 0 {
		available = 0
	}
	target := make(map[ids.ID]bool)
	for _, rec := range records {
		if len(target) == available {
			break
		}
		if protected[rec.ClientID] {
			continue
		}
		target[rec.ClientID] = true
	}

	var toSleep []ids.ID
	m.mu.Lock()
	for id, e := range m.awake {
		e.protected = protected[id]
		if !e.protected && !target[id] {
			toSleep = append(toSleep, id)
		}
	}
	m.mu.Unlock()
	for _, id := range toSleep {
		m.Sleep(id)
	}

	for id := range target {
		if m.IsAwake(id) {
			continue
		}
		if _, err := m.Wake(ctx, id, ReasonActivityRanking); err != nil {
			m.log.Warnf("rebalance: unable to wake %s: %#v", id, err)
		}
	}
	return nil
}

// InitializeOnAppLaunch is the cold-start reconciliation pass: every
// pending-invite identity is woken protected (capacity bends for them), then
// the most recently active identities fill the nominal capacity. A failure on
// one identity never aborts the pass.
func (m *Manager) InitializeOnAppLaunch(ctx context.Context) error {
	pendingInvites, err := m.store.PendingInvites()
	if err != nil {
		return err
	}
	for _, id := range pendingInvites {
		if _, err := m.WakeProtected(ctx, id, ReasonPendingInvite); err != nil {
			m.log.Warnf("app launch: unable to wake pending-invite identity %s: %#v", id, err)
		}
	}

	records, err := m.ranking.Query()
	if err != nil {
		return err
	}
	for i, rec := range records {
		if i == m.max {
			break
		}
		if _, err := m.Wake(ctx, rec.ClientID, ReasonAppLaunch); err != nil {
			m.log.Warnf("app launch: unable to wake %s: %#v", rec.ClientID, err)
		}
	}
	return nil
}

// Shutdown sleeps everything, protection included.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := maps.Values(m.awake)
	m.awake = make(map[ids.ID]*awakeEntry)
	m.mu.Unlock()
	for _, e := range entries {
		if err := e.conn.Close(); err != nil {
			m.log.Warnf("error closing connection for %s: %#v", e.clientID, err)
		}
	}
}

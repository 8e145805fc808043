package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/identity"
	"github.com/burrow-im/go-burrow/ids"
	"github.com/burrow-im/go-burrow/invite"
	"github.com/burrow-im/go-burrow/lifecycle"
	"github.com/burrow-im/go-burrow/network"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State int

const (
	StateUninitialized State = iota
	StateCreating
	StateValidating
	StateReady
	StateDeleting
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreating:
		return "creating"
	case StateValidating:
		return "validating"
	case StateReady:
		return "ready"
	case StateDeleting:
		return "deleting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Origin records how a conversation reached ready. The UI depends on this to
// avoid creating duplicate conversations for one user action.
type Origin int

const (
	OriginCreated Origin = iota
	OriginJoined
	OriginExisting
)

func (o Origin) String() string {
	switch o {
	case OriginCreated:
		return "created"
	case OriginJoined:
		return "joined"
	case OriginExisting:
		return "existing"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// ReadyResult is emitted exactly once per state machine run.
type ReadyResult struct {
	ConversationID uuid.UUID
	Origin         Origin
}

// Snapshot is the externally visible state, delivered to observers on every
// transition.
type Snapshot struct {
	State        State
	InviteCode   string
	Ready        *ReadyResult
	ErrorMessage string
}

var (
	ErrReadyTimeout      = errors.New("conversation: timed out waiting for ready result")
	ErrInvalidTransition = errors.New("conversation: invalid transition")
)

// Approver drives the remote side of a join: present the invite over the
// joining identity's connection and wait for the creator's verdict, returning
// the approved conversation id.
type Approver func(ctx context.Context, inv *invite.Invite, conn network.Conn) (uuid.UUID, error)

type Deps struct {
	Config   *config.Config
	Clock    clock.Clock
	Store    *identity.Store
	Repo     *Repository
	Manager  *lifecycle.Manager
	Cache    *lifecycle.UnusedCache
	Approver Approver
}

// ObserverHandle registers one observer. The holder must Release it when done;
// released handles are skipped and compacted on the next notification, so an
// observer that goes out of scope neither fires nor leaks the state machine.
type ObserverHandle struct {
	sm       *StateMachine
	fn       func(Snapshot)
	released bool
}

func (h *ObserverHandle) Release() {
	h.sm.mu.Lock()
	h.released = true
	h.sm.mu.Unlock()
}

type StateMachine struct {
	deps Deps
	log  *zap.SugaredLogger

	mu           sync.Mutex
	snap         Snapshot
	observers    []*ObserverHandle
	readyEmitted bool
	clientID     ids.ID
	hasIdentity  bool
}

func NewStateMachine(deps Deps) *StateMachine {
	return &StateMachine{
		deps: deps,
		log:  deps.Config.Logger("conversation/state"),
	}
}

func (sm *StateMachine) Snapshot() Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snap
}

// ClientID returns the backing identity once one has been assigned.
func (sm *StateMachine) ClientID() (ids.ID, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.clientID, sm.hasIdentity
}

func (sm *StateMachine) Observe(fn func(Snapshot)) *ObserverHandle {
	h := &ObserverHandle{sm: sm, fn: fn}
	sm.mu.Lock()
	sm.observers = append(sm.observers, h)
	sm.mu.Unlock()
	return h
}

// CreateConversation drives uninitialized through creating to ready. The
// unused-identity cache satisfies the request instantly when it can; only the
// cache-empty fallback pays for connection setup.
func (sm *StateMachine) CreateConversation(ctx context.Context) error {
	if err := sm.transitionFrom(StateUninitialized, Snapshot{State: StateCreating}); err != nil {
		return err
	}
	_, clientID, existingID, err := sm.deps.Cache.ConsumeOrCreate(ctx)
	if err != nil {
		sm.fail(err)
		return err
	}
	sm.setIdentity(clientID)
	if existingID != nil {
		sm.ready(*existingID, OriginExisting)
		return nil
	}
	ident, err := sm.deps.Store.Get(clientID)
	if err != nil {
		sm.fail(err)
		return err
	}
	conv, err := sm.deps.Repo.Create(uuid.New(), ident)
	if err != nil {
		sm.fail(err)
		return err
	}
	sm.ready(conv.ID, OriginCreated)
	return nil
}

// JoinConversation drives uninitialized through validating to ready. The
// joining identity is marked pending-invite (and so protected from eviction)
// for the whole validation window.
func (sm *StateMachine) JoinConversation(ctx context.Context, code string) error {
	if err := sm.transitionFrom(StateUninitialized, Snapshot{State: StateValidating, InviteCode: code}); err != nil {
		return err
	}
	inv, err := invite.Parse(code)
	if err != nil {
		sm.fail(err)
		return err
	}
	if sm.deps.Approver == nil {
		err := errors.New("conversation: no approver configured")
		sm.fail(err)
		return err
	}
	conn, clientID, placeholderID, err := sm.deps.Cache.ConsumeOrCreate(ctx)
	if err != nil {
		sm.fail(err)
		return err
	}
	sm.setIdentity(clientID)

	if err := sm.deps.Store.AddPendingInvite(clientID); err != nil {
		sm.fail(err)
		return err
	}
	sm.deps.Manager.Protect(clientID, true)
	settle := func() {
		if err := sm.deps.Store.RemovePendingInvite(clientID); err != nil {
			sm.log.Warnf("unable to remove pending invite for %s: %#v", clientID, err)
		}
		sm.deps.Manager.Protect(clientID, false)
	}

	conversationID, err := sm.deps.Approver(ctx, inv, conn)
	if err != nil {
		settle()
		sm.fail(err)
		return err
	}

	if placeholderID != nil {
		if err := sm.deps.Repo.Delete(*placeholderID); err != nil {
			settle()
			sm.fail(err)
			return err
		}
	}
	ident, err := sm.deps.Store.Get(clientID)
	if err != nil {
		settle()
		sm.fail(err)
		return err
	}
	if _, err := sm.deps.Repo.Create(conversationID, ident); err != nil {
		settle()
		sm.fail(err)
		return err
	}
	settle()
	sm.ready(conversationID, OriginJoined)
	return nil
}

// UseExisting bypasses creating and validating entirely: the conversation is
// already persisted, typically pre-created by the unused-identity cache. Once
// a ready result has been emitted, a second one with a different conversation
// id can never fire from this state machine instance.
func (sm *StateMachine) UseExisting(ctx context.Context, id uuid.UUID) error {
	sm.mu.Lock()
	if sm.readyEmitted {
		if sm.snap.Ready != nil && sm.snap.Ready.ConversationID == id {
			sm.mu.Unlock()
			return nil
		}
		sm.mu.Unlock()
		return fmt.Errorf("%w: ready already emitted for a different conversation", ErrInvalidTransition)
	}
	sm.mu.Unlock()

	conv, err := sm.deps.Repo.Get(id)
	if err != nil {
		sm.fail(err)
		return err
	}
	if err := sm.deps.Repo.MarkUsed(id); err != nil {
		sm.fail(err)
		return err
	}
	if _, err := sm.deps.Manager.GetOrWake(ctx, conv.ClientID); err != nil {
		sm.fail(err)
		return err
	}
	sm.setIdentity(conv.ClientID)
	sm.ready(id, OriginExisting)
	return nil
}

// Delete tears the conversation down: the backing identity is force-removed
// (deletion bypasses protection) and wiped from durable storage, then the
// machine returns to uninitialized for reuse.
func (sm *StateMachine) Delete(ctx context.Context) error {
	sm.mu.Lock()
	if sm.snap.State != StateReady && sm.snap.State != StateError {
		sm.mu.Unlock()
		return fmt.Errorf("%w: delete from %s", ErrInvalidTransition, sm.snap.State)
	}
	clientID := sm.clientID
	hasIdentity := sm.hasIdentity
	sm.mu.Unlock()
	sm.transition(Snapshot{State: StateDeleting})

	if hasIdentity {
		sm.deps.Manager.ForceRemove(clientID)
		if err := sm.deps.Store.Delete(clientID); err != nil && !errors.Is(err, identity.ErrIdentityNotFound) {
			sm.fail(err)
			return err
		}
	}

	sm.mu.Lock()
	sm.readyEmitted = false
	sm.hasIdentity = false
	sm.mu.Unlock()
	sm.transition(Snapshot{State: StateUninitialized})
	return nil
}

// ResetFromError returns an errored machine to uninitialized.
func (sm *StateMachine) ResetFromError() error {
	sm.mu.Lock()
	if sm.snap.State != StateError {
		sm.mu.Unlock()
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, sm.snap.State)
	}
	sm.hasIdentity = false
	sm.mu.Unlock()
	sm.transition(Snapshot{State: StateUninitialized})
	return nil
}

// WaitForReady blocks until a ready result is available, the machine errors,
// the timeout elapses or ctx is cancelled. Polling never runs faster than
// 100ms.
func (sm *StateMachine) WaitForReady(ctx context.Context, timeout time.Duration) (*ReadyResult, error) {
	intervalMs := sm.deps.Config.ReadyPollIntervalMs
	if intervalMs < 100 {
		intervalMs = 100
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	deadline := time.Now().Add(timeout)
	for {
		snap := sm.Snapshot()
		if snap.Ready != nil {
			return snap.Ready, nil
		}
		if snap.State == StateError {
			return nil, fmt.Errorf("conversation: failed: %s", snap.ErrorMessage)
		}
		if time.Now().After(deadline) {
			return nil, ErrReadyTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (sm *StateMachine) setIdentity(clientID ids.ID) {
	sm.mu.Lock()
	sm.clientID = clientID
	sm.hasIdentity = true
	sm.mu.Unlock()
}

func (sm *StateMachine) ready(id uuid.UUID, origin Origin) {
	sm.mu.Lock()
	sm.readyEmitted = true
	sm.mu.Unlock()
	sm.transition(Snapshot{State: StateReady, Ready: &ReadyResult{ConversationID: id, Origin: origin}})
}

func (sm *StateMachine) fail(err error) {
	sm.log.Warnf("entering error state: %#v", err)
	sm.transition(Snapshot{State: StateError, ErrorMessage: err.Error()})
}

func (sm *StateMachine) transitionFrom(from State, next Snapshot) error {
	sm.mu.Lock()
	if sm.snap.State != from {
		cur := sm.snap.State
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next.State)
	}
	sm.snap = next
	observers := sm.liveObserversLocked()
	sm.mu.Unlock()
	for _, h := range observers {
		h.fn(next)
	}
	return nil
}

func (sm *StateMachine) transition(next Snapshot) {
	sm.mu.Lock()
	sm.snap = next
	observers := sm.liveObserversLocked()
	sm.mu.Unlock()
	for _, h := range observers {
		h.fn(next)
	}
}

// liveObserversLocked compacts released handles and returns the survivors.
func (sm *StateMachine) liveObserversLocked() []*ObserverHandle {
	live := sm.observers[:0]
	for _, h := range sm.observers {
		if !h.released {
			live = append(live, h)
		}
	}
	sm.observers = live
	out := make([]*ObserverHandle, len(live))
	copy(out, live)
	return out
}

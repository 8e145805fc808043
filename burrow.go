// This package provides a high-level interface to the burrow messaging
// client. Every conversation is backed by its own inbox identity; this
// package ties together the encrypted local database, the inbox lifecycle
// manager, the unused-identity cache and per-conversation state machines.
package burrow

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/conversation"
	"github.com/burrow-im/go-burrow/identity"
	db "github.com/burrow-im/go-burrow/internal/db"
	"github.com/burrow-im/go-burrow/internal/schema"
	"github.com/burrow-im/go-burrow/lifecycle"
	"github.com/burrow-im/go-burrow/network"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a conversation state machine transition.
type ConversationUpdate struct {
	Snapshot conversation.Snapshot
}

type Burrow struct {
	DB *db.Database

	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	dialer   network.Dialer
	approver conversation.Approver
	state    int

	store   *identity.Store
	ranking *identity.Ranking
	repo    *conversation.Repository
	manager *lifecycle.Manager
	cache   *lifecycle.UnusedCache
	updates chan interface{}
}

// Create a burrow instance. The dialer and approver are passed explicitly so
// tests can substitute in-process implementations.
func NewBurrow(c *config.Config, dialer network.Dialer, approver conversation.Approver) (*Burrow, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making burrow, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	return &Burrow{
		DB:       d,
		config:   c,
		log:      log,
		clock:    clock.NewSystemClock(),
		dialer:   dialer,
		approver: approver,
		state:    state,
		updates:  make(chan interface{}, 100),
	}, nil
}

// Makes a database key from a password.
func (b *Burrow) NewKey(password string) ([]byte, error) {
	return newKey(password, b.config.RootDir, "salt")
}

// Gets conversation updates which must be dealt with.
func (b *Burrow) Updates() chan interface{} {
	return b.updates
}

func (b *Burrow) New() bool {
	return b.state == StateNew
}

func (b *Burrow) Initialized() bool {
	return b.state == StateInitialized
}

func (b *Burrow) Running() bool {
	return b.state == StateRunning
}

// Initialize burrow with a given key.
func (b *Burrow) Initialize(ctx context.Context, key []byte) error {
	if b.state != StateNew {
		return fmt.Errorf("cannot initialize in state %d", b.state)
	}
	if err := b.DB.Initialize(key); err != nil {
		return err
	}
	b.state = StateInitialized
	return b.Open(ctx, key)
}

// Open an existing burrow with a given key. Runs the cold-start
// reconciliation pass and warms the unused-identity cache.
func (b *Burrow) Open(ctx context.Context, key []byte) error {
	if b.state != StateInitialized {
		return fmt.Errorf("cannot open in state %d", b.state)
	}
	if err := b.DB.Open(key); err != nil {
		return err
	}
	if err := schema.Apply(b.DB); err != nil {
		return err
	}

	b.store = identity.NewStore(b.config, b.DB, b.clock)
	b.ranking = identity.NewRanking(b.config, b.DB)
	b.repo = conversation.NewRepository(b.config, b.DB, b.clock)
	b.manager = lifecycle.NewManager(b.config, b.DB, b.clock, b.store, b.ranking, b.dialer)
	b.cache = lifecycle.NewUnusedCache(b.config, b.DB, b.clock, b.store, b.manager, b.dialer)
	b.state = StateRunning

	if err := b.manager.InitializeOnAppLaunch(ctx); err != nil {
		return err
	}
	b.cache.PrepareIfNeeded()
	return nil
}

func (b *Burrow) Shutdown() error {
	if b.state != StateRunning {
		return nil
	}
	b.cache.Shutdown()
	b.manager.Shutdown()
	if err := b.DB.Shutdown(); err != nil {
		return err
	}
	b.state = StateInitialized
	return nil
}

// NewConversation creates a conversation, consuming the pre-created identity
// when one is warm. Errors also surface in the returned machine's state.
func (b *Burrow) NewConversation(ctx context.Context) (*conversation.StateMachine, error) {
	sm := b.newStateMachine()
	err := sm.CreateConversation(ctx)
	return sm, err
}

// JoinConversation validates an invite code and drives the join handshake.
func (b *Burrow) JoinConversation(ctx context.Context, code string) (*conversation.StateMachine, error) {
	sm := b.newStateMachine()
	err := sm.JoinConversation(ctx, code)
	return sm, err
}

// UseExistingConversation produces a ready state machine for a conversation
// that already exists, without creating anything.
func (b *Burrow) UseExistingConversation(ctx context.Context, id uuid.UUID) (*conversation.StateMachine, error) {
	sm := b.newStateMachine()
	err := sm.UseExisting(ctx, id)
	return sm, err
}

// DeleteConversation wipes a conversation and its backing identity: keys,
// connection state and activity records.
func (b *Burrow) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	conv, err := b.repo.Get(id)
	if err != nil {
		return err
	}
	b.manager.ForceRemove(conv.ClientID)
	return b.store.Delete(conv.ClientID)
}

// SetActiveConversation marks the conversation the UI is displaying. Its
// backing identity is woken if needed and shielded from eviction.
func (b *Burrow) SetActiveConversation(ctx context.Context, id uuid.UUID) error {
	conv, err := b.repo.Get(id)
	if err != nil {
		return err
	}
	b.manager.SetActive(conv.ClientID)
	_, err = b.manager.GetOrWake(ctx, conv.ClientID)
	return err
}

// RecordMessage persists message activity for a conversation and refreshes
// its identity's recency.
func (b *Burrow) RecordMessage(id uuid.UUID, body []byte) error {
	conv, err := b.repo.Get(id)
	if err != nil {
		return err
	}
	if err := b.repo.RecordMessage(id, body); err != nil {
		return err
	}
	b.manager.Touch(conv.ClientID)
	return nil
}

// Rebalance realigns the awake set with recent activity.
func (b *Burrow) Rebalance(ctx context.Context) error {
	return b.manager.Rebalance(ctx)
}

func (b *Burrow) Conversations() ([]*conversation.Conversation, error) {
	return b.repo.List()
}

// IssueInvite mints a signed invite token for a conversation.
func (b *Burrow) IssueInvite(id uuid.UUID) (string, error) {
	conv, err := b.repo.Get(id)
	if err != nil {
		return "", err
	}
	if len(conv.Metadata.InviteTag) == 0 {
		if _, err := b.repo.RotateInviteTag(id); err != nil {
			return "", err
		}
		if conv, err = b.repo.Get(id); err != nil {
			return "", err
		}
	}
	ident, err := b.store.Get(conv.ClientID)
	if err != nil {
		return "", err
	}
	return conversation.IssueInvite(ident, conv)
}

// RotateInviteTag invalidates all previously issued invite tokens for a
// conversation.
func (b *Burrow) RotateInviteTag(id uuid.UUID) ([]byte, error) {
	return b.repo.RotateInviteTag(id)
}

func (b *Burrow) newStateMachine() *conversation.StateMachine {
	sm := conversation.NewStateMachine(conversation.Deps{
		Config:   b.config,
		Clock:    b.clock,
		Store:    b.store,
		Repo:     b.repo,
		Manager:  b.manager,
		Cache:    b.cache,
		Approver: b.approver,
	})
	sm.Observe(func(s conversation.Snapshot) {
		select {
		case b.updates <- &ConversationUpdate{Snapshot: s}:
		default:
			b.log.Warnf("dropping conversation update, channel full")
		}
	})
	return sm
}

// This package implements conversations: durable rows binding a visible
// conversation to the inbox identity that backs it, optimistically updated
// shared metadata, invite issuance and the per-conversation join/create state
// machine.
package conversation

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/identity"
	"github.com/burrow-im/go-burrow/ids"
	db "github.com/burrow-im/go-burrow/internal/db"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrConversationNotFound indicates the referenced conversation id is absent
// from durable storage.
var ErrConversationNotFound = errors.New("conversation: not found")

type Conversation struct {
	ID              uuid.UUID
	InboxID         ids.ID
	ClientID        ids.ID
	Metadata        *Metadata
	MetadataVersion uint64
	IsUnused        bool
	CreatedAt       uint64
}

type conversationRow struct {
	ID              []byte `db:"id"`
	InboxID         []byte `db:"inbox_id"`
	ClientID        []byte `db:"client_id"`
	Metadata        []byte `db:"metadata"`
	MetadataVersion uint64 `db:"metadata_version"`
	IsUnused        bool   `db:"is_unused"`
	CreatedAt       uint64 `db:"created_at"`
}

func (r *conversationRow) conversation() (*Conversation, error) {
	md, err := decodeMetadata(r.Metadata)
	if err != nil {
		return nil, err
	}
	var id uuid.UUID
	copy(id[:], r.ID)
	return &Conversation{
		ID:              id,
		InboxID:         ids.IDFromBytes(r.InboxID),
		ClientID:        ids.IDFromBytes(r.ClientID),
		Metadata:        md,
		MetadataVersion: r.MetadataVersion,
		IsUnused:        r.IsUnused,
		CreatedAt:       r.CreatedAt,
	}, nil
}

type Repository struct {
	config *config.Config
	log    *zap.SugaredLogger
	db     *db.Database
	clock  clock.Clock
}

func NewRepository(c *config.Config, d *db.Database, cl clock.Clock) *Repository {
	return &Repository{
		config: c,
		log:    c.Logger("conversation/repository"),
		db:     d,
		clock:  cl,
	}
}

// Create persists a visible conversation backed by the given identity.
func (r *Repository) Create(id uuid.UUID, ident *identity.Identity) (*Conversation, error) {
	md := newMetadata()
	blob, err := encodeMetadata(md)
	if err != nil {
		return nil, err
	}
	now := r.clock.CurrentTimeMs()
	err = r.db.Run("create conversation", func() error {
		_, err := r.db.Tx.Exec(
			"INSERT INTO conversations (id, inbox_id, client_id, metadata, is_unused, created_at) VALUES ($1, $2, $3, $4, 0, $5)",
			id[:], ident.InboxID[:], ident.ClientID[:], blob, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Conversation{
		ID:        id,
		InboxID:   ident.InboxID,
		ClientID:  ident.ClientID,
		Metadata:  md,
		CreatedAt: now,
	}, nil
}

func (r *Repository) Get(id uuid.UUID) (*Conversation, error) {
	var conv *Conversation
	err := r.db.RunReadOnly("get conversation", func() error {
		var row conversationRow
		if err := r.db.Tx.Get(&row, "SELECT * FROM conversations WHERE id = $1", id[:]); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: id=%s", ErrConversationNotFound, id)
			}
			return err
		}
		var err error
		conv, err = row.conversation()
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// List returns visible conversations, newest first. Pre-created unused
// conversations never appear here.
func (r *Repository) List() ([]*Conversation, error) {
	var convs []*Conversation
	err := r.db.RunReadOnly("list conversations", func() error {
		var rows []*conversationRow
		if err := r.db.Tx.Select(&rows, "SELECT * FROM conversations WHERE is_unused = 0 ORDER BY created_at DESC"); err != nil {
			return err
		}
		convs = make([]*Conversation, len(rows))
		for i, row := range rows {
			var err error
			convs[i], err = row.conversation()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *Repository) Delete(id uuid.UUID) error {
	return r.db.Run("delete conversation", func() error {
		if _, err := r.db.Tx.Exec("DELETE FROM messages WHERE conversation_id = $1", id[:]); err != nil {
			return err
		}
		_, err := r.db.Tx.Exec("DELETE FROM conversations WHERE id = $1", id[:])
		return err
	})
}

// MarkUsed surfaces a pre-created conversation to listings. Idempotent.
func (r *Repository) MarkUsed(id uuid.UUID) error {
	return r.db.Run("mark conversation used", func() error {
		_, err := r.db.Tx.Exec("UPDATE conversations SET is_unused = 0 WHERE id = $1", id[:])
		return err
	})
}

// RecordMessage persists an inbound or outbound message, which feeds the
// activity ranking for the backing identity.
func (r *Repository) RecordMessage(conversationID uuid.UUID, body []byte) error {
	msgID := ids.NewID()
	return r.db.Run("record message", func() error {
		_, err := r.db.Tx.Exec(
			"INSERT INTO messages (id, conversation_id, received_at, body) VALUES ($1, $2, $3, $4)",
			msgID[:], conversationID[:], r.clock.CurrentTimeMs(), body)
		return err
	})
}

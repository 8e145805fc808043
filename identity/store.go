// This package defines durable storage for inbox identities. Every
// conversation is backed by its own identity, referenced everywhere by a
// locally generated client id which is never exposed to untrusted services.
package identity

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"github.com/burrow-im/go-burrow/clock"
	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/ids"
	db "github.com/burrow-im/go-burrow/internal/db"
	"go.uber.org/zap"
)

var (
	// ErrIdentityNotFound indicates the referenced client id is absent from durable storage.
	ErrIdentityNotFound = errors.New("identity: not found")
	// ErrClientIDMismatch indicates an attempt to rebind a client id to a different inbox id.
	// A client id is permanently bound to one inbox id once persisted.
	ErrClientIDMismatch = errors.New("identity: client id already bound to a different inbox id")
)

type Identity struct {
	ClientID    ids.ID
	InboxID     ids.ID
	PrivateKey  []byte
	DatabaseKey []byte
	CreatedAt   uint64
}

type identityRow struct {
	ClientID    []byte `db:"client_id"`
	InboxID     []byte `db:"inbox_id"`
	PrivateKey  []byte `db:"private_key"`
	DatabaseKey []byte `db:"database_key"`
	CreatedAt   uint64 `db:"created_at"`
}

func (r *identityRow) identity() *Identity {
	return &Identity{
		ClientID:    ids.IDFromBytes(r.ClientID),
		InboxID:     ids.IDFromBytes(r.InboxID),
		PrivateKey:  r.PrivateKey,
		DatabaseKey: r.DatabaseKey,
		CreatedAt:   r.CreatedAt,
	}
}

type Store struct {
	config *config.Config
	log    *zap.SugaredLogger
	db     *db.Database
	clock  clock.Clock
}

func NewStore(c *config.Config, d *db.Database, cl clock.Clock) *Store {
	return &Store{
		config: c,
		log:    c.Logger("identity/store"),
		db:     d,
		clock:  cl,
	}
}

// Create persists an identity. Re-persisting the same client id with the same
// inbox id is a no-op; with a different inbox id it fails with
// ErrClientIDMismatch and leaves the original binding untouched.
func (s *Store) Create(ident *Identity) error {
	return s.db.Run("create identity", func() error {
		var existing identityRow
		err := s.db.Tx.Get(&existing, "SELECT * FROM identities WHERE client_id = $1", ident.ClientID[:])
		switch {
		case err == nil:
			if bytes.Equal(existing.InboxID, ident.InboxID[:]) {
				return nil
			}
			return fmt.Errorf("%w: client_id=%s", ErrClientIDMismatch, ident.ClientID)
		case errors.Is(err, sql.ErrNoRows):
			// fall through to insert
		default:
			return err
		}
		_, err = s.db.Tx.Exec(
			"INSERT INTO identities (client_id, inbox_id, private_key, database_key, created_at) VALUES ($1, $2, $3, $4, $5)",
			ident.ClientID[:], ident.InboxID[:], ident.PrivateKey, ident.DatabaseKey, s.clock.CurrentTimeMs())
		return err
	})
}

func (s *Store) Get(clientID ids.ID) (*Identity, error) {
	var ident *Identity
	err := s.db.RunReadOnly("get identity", func() error {
		var row identityRow
		if err := s.db.Tx.Get(&row, "SELECT * FROM identities WHERE client_id = $1", clientID[:]); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: client_id=%s", ErrIdentityNotFound, clientID)
			}
			return err
		}
		ident = row.identity()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *Store) All() ([]*Identity, error) {
	var idents []*Identity
	err := s.db.RunReadOnly("all identities", func() error {
		var rows []*identityRow
		if err := s.db.Tx.Select(&rows, "SELECT * FROM identities ORDER BY created_at"); err != nil {
			return err
		}
		idents = make([]*Identity, len(rows))
		for i, r := range rows {
			idents[i] = r.identity()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idents, nil
}

// Delete wipes an identity and everything hanging off it: conversations, their
// messages, any pending invite and the unused-slot pointer.
func (s *Store) Delete(clientID ids.ID) error {
	return s.db.Run("delete identity", func() error {
		if _, err := s.db.Tx.Exec(
			"DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE client_id = $1)",
			clientID[:]); err != nil {
			return err
		}
		if _, err := s.db.Tx.Exec("DELETE FROM conversations WHERE client_id = $1", clientID[:]); err != nil {
			return err
		}
		if _, err := s.db.Tx.Exec("DELETE FROM pending_invites WHERE client_id = $1", clientID[:]); err != nil {
			return err
		}
		if _, err := s.db.Tx.Exec("DELETE FROM unused_identity WHERE client_id = $1", clientID[:]); err != nil {
			return err
		}
		res, err := s.db.Tx.Exec("DELETE FROM identities WHERE client_id = $1", clientID[:])
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: client_id=%s", ErrIdentityNotFound, clientID)
		}
		return nil
	})
}

// AddPendingInvite marks an identity as having a join request awaiting
// approval. Pending identities are protected from eviction.
func (s *Store) AddPendingInvite(clientID ids.ID) error {
	return s.db.Run("add pending invite", func() error {
		_, err := s.db.Tx.Exec(
			"INSERT INTO pending_invites (client_id, created_at) VALUES ($1, $2) ON CONFLICT(client_id) DO NOTHING",
			clientID[:], s.clock.CurrentTimeMs())
		return err
	})
}

func (s *Store) RemovePendingInvite(clientID ids.ID) error {
	return s.db.Run("remove pending invite", func() error {
		_, err := s.db.Tx.Exec("DELETE FROM pending_invites WHERE client_id = $1", clientID[:])
		return err
	})
}

func (s *Store) PendingInvites() ([]ids.ID, error) {
	var pending []ids.ID
	err := s.db.RunReadOnly("pending invites", func() error {
		var rows [][]byte
		if err := s.db.Tx.Select(&rows, "SELECT client_id FROM pending_invites ORDER BY created_at"); err != nil {
			return err
		}
		pending = make([]ids.ID, len(rows))
		for i, r := range rows {
			pending[i] = ids.IDFromBytes(r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

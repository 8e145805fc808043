package conversation

import (
	crypto_rand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// MaxMetadataLen bounds the metadata blob; untrusted metadata larger than
// this is rejected rather than parsed.
const MaxMetadataLen = 64 * 1024

var (
	// ErrMetadataUpdateFailed indicates the optimistic write exhausted its
	// retries. Surfaced to the user as "try again", not a crash.
	ErrMetadataUpdateFailed = errors.New("conversation: metadata update failed")
	// ErrMetadataTooLarge indicates an oversized metadata blob.
	ErrMetadataTooLarge = errors.New("conversation: metadata too large")

	errVersionConflict = errors.New("conversation: metadata version conflict")
)

// Metadata is the shared, mutable face of a conversation. The invite tag is a
// rotatable secret: rotating it invalidates every previously issued invite
// token for the conversation.
type Metadata struct {
	Name      string `json:"name,omitempty"`
	InviteTag []byte `json:"invite_tag,omitempty"`
	AvatarRef string `json:"avatar_ref,omitempty"`
}

func newMetadata() *Metadata {
	return &Metadata{InviteTag: newInviteTag()}
}

func newInviteTag() []byte {
	tag := make([]byte, 16)
	if _, err := crypto_rand.Read(tag); err != nil {
		panic("short read from random source")
	}
	return tag
}

func encodeMetadata(md *Metadata) ([]byte, error) {
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMetadataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMetadataTooLarge, len(b))
	}
	return b, nil
}

func decodeMetadata(b []byte) (*Metadata, error) {
	if len(b) > MaxMetadataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMetadataTooLarge, len(b))
	}
	md := &Metadata{}
	if err := json.Unmarshal(b, md); err != nil {
		return nil, err
	}
	return md, nil
}

// UpdateMetadata applies a mutation with read-modify-write-verify and bounded
// exponential backoff. The backing store has no compare-and-swap primitive,
// so the version column carries the verification. Mutation closures must be
// idempotent; they may run more than once.
func (r *Repository) UpdateMetadata(id uuid.UUID, mutate func(*Metadata)) error {
	op := func() error {
		err := r.db.Run("update conversation metadata", func() error {
			var row conversationRow
			if err := r.db.Tx.Get(&row, "SELECT * FROM conversations WHERE id = $1", id[:]); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: id=%s", ErrConversationNotFound, id))
			}
			md, err := decodeMetadata(row.Metadata)
			if err != nil {
				return backoff.Permanent(err)
			}
			mutate(md)
			blob, err := encodeMetadata(md)
			if err != nil {
				return backoff.Permanent(err)
			}
			res, err := r.db.Tx.Exec(
				"UPDATE conversations SET metadata = $1, metadata_version = $2 WHERE id = $3 AND metadata_version = $4",
				blob, row.MetadataVersion+1, id[:], row.MetadataVersion)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return errVersionConflict
			}
			return nil
		})
		if err != nil {
			// db.Run wraps; recover the permanent marker
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return perm
			}
			return err
		}
		return nil
	}

	b := backoff.WithMaxRetries(newMetadataBackoff(), r.config.MetadataRetryLimit)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errVersionConflict) {
			return fmt.Errorf("%w: id=%s", ErrMetadataUpdateFailed, id)
		}
		return err
	}
	return nil
}

// RotateInviteTag swaps the conversation's invite tag, invalidating all
// previously issued invite tokens at once.
func (r *Repository) RotateInviteTag(id uuid.UUID) ([]byte, error) {
	tag := newInviteTag()
	if err := r.UpdateMetadata(id, func(md *Metadata) {
		md.InviteTag = tag
	}); err != nil {
		return nil, err
	}
	return tag, nil
}

func newMetadataBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

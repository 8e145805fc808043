// This package implements the invite token codec. A token is a compact
// authenticated blob binding a conversation reference to the identity that
// issued it: only the creator's key material can mint or open one, and the
// ciphertext is bound to the creator's public identifier and current invite
// tag through the AEAD associated data. Rotating the invite tag therefore
// invalidates every previously issued token without revoking them one by one.
package invite

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// Version is the current wire version byte.
	Version = 0x01

	payloadTagUUID   = 0x01
	payloadTagString = 0x02

	// MaxStringLen bounds the string payload form.
	MaxStringLen = 65535

	minTokenLen = 1 + chacha20poly1305.NonceSize + 1 + chacha20poly1305.Overhead
)

var (
	ErrInvalidFormat     = errors.New("invite: invalid format")
	ErrDecryptionFailure = errors.New("invite: decryption failure")

	hkdfSalt = []byte("burrow-invite-v1")
)

// Payload is the decrypted interior of a token: either a conversation uuid or
// an arbitrary string reference, never both.
type Payload struct {
	ConversationID *uuid.UUID
	Value          string
}

// Codec seals and opens tokens for one issuing identity and one invite tag.
type Codec struct {
	key []byte
	ad  []byte
}

// NewCodec derives the symmetric token key from the creator's private key and
// binds the codec to the creator's public identifier and invite tag.
func NewCodec(privateKey, creatorPublicID []byte, inviteTag [16]byte) (*Codec, error) {
	if len(privateKey) != 32 {
		return nil, fmt.Errorf("invite: expected 32-byte private key, got %d", len(privateKey))
	}
	info := append([]byte("invite-key:"), creatorPublicID...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, privateKey, hkdfSalt, info), key); err != nil {
		return nil, err
	}
	ad := make([]byte, 0, len(creatorPublicID)+len(inviteTag))
	ad = append(ad, creatorPublicID...)
	ad = append(ad, inviteTag[:]...)
	return &Codec{key: key, ad: ad}, nil
}

// SealConversationID packs a conversation uuid into its 16 raw bytes and
// seals it.
func (c *Codec) SealConversationID(id uuid.UUID) ([]byte, error) {
	plain := make([]byte, 0, 17)
	plain = append(plain, payloadTagUUID)
	plain = append(plain, id[:]...)
	return c.seal(plain)
}

// SealString seals an arbitrary non-empty utf-8 reference up to MaxStringLen
// bytes.
func (c *Codec) SealString(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: empty string payload", ErrInvalidFormat)
	}
	if len(s) > MaxStringLen {
		return nil, fmt.Errorf("%w: string payload of %d bytes exceeds %d", ErrInvalidFormat, len(s), MaxStringLen)
	}
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: string payload is not valid utf-8", ErrInvalidFormat)
	}
	plain := make([]byte, 0, len(s)+4)
	plain = append(plain, payloadTagString)
	if len(s) <= 255 {
		plain = append(plain, byte(len(s)))
	} else {
		// 0x00 sentinel then 2-byte big-endian length
		plain = append(plain, 0x00)
		plain = binary.BigEndian.AppendUint16(plain, uint16(len(s)))
	}
	plain = append(plain, s...)
	return c.seal(plain)
}

// Open decrypts and unpacks a token. Any truncation, corruption or version
// mismatch is an error, never a panic; a wrong key surfaces as
// ErrDecryptionFailure.
func (c *Codec) Open(token []byte) (*Payload, error) {
	if len(token) < minTokenLen {
		return nil, fmt.Errorf("%w: token of %d bytes below minimum %d", ErrInvalidFormat, len(token), minTokenLen)
	}
	if token[0] != Version {
		return nil, fmt.Errorf("%w: unknown version %d", ErrInvalidFormat, token[0])
	}
	nonce := token[1 : 1+chacha20poly1305.NonceSize]
	ct := token[1+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, c.ad)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return unpack(plain)
}

func (c *Codec) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	token := make([]byte, 1+chacha20poly1305.NonceSize, 1+chacha20poly1305.NonceSize+len(plain)+chacha20poly1305.Overhead)
	token[0] = Version
	if _, err := rand.Read(token[1 : 1+chacha20poly1305.NonceSize]); err != nil {
		return nil, err
	}
	return aead.Seal(token, token[1:1+chacha20poly1305.NonceSize], plain, c.ad), nil
}

func unpack(plain []byte) (*Payload, error) {
	if len(plain) < 2 {
		return nil, fmt.Errorf("%w: plaintext of %d bytes too short", ErrInvalidFormat, len(plain))
	}
	switch plain[0] {
	case payloadTagUUID:
		if len(plain) != 17 {
			return nil, fmt.Errorf("%w: expected 16 uuid bytes, got %d", ErrInvalidFormat, len(plain)-1)
		}
		id, err := uuid.FromBytes(plain[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
		}
		return &Payload{ConversationID: &id}, nil
	case payloadTagString:
		rest := plain[1:]
		var length int
		if rest[0] != 0x00 {
			length = int(rest[0])
			rest = rest[1:]
		} else {
			if len(rest) < 3 {
				return nil, fmt.Errorf("%w: truncated string length", ErrInvalidFormat)
			}
			length = int(binary.BigEndian.Uint16(rest[1:3]))
			rest = rest[3:]
		}
		if len(rest) != length {
			return nil, fmt.Errorf("%w: expected %d string bytes, got %d", ErrInvalidFormat, length, len(rest))
		}
		if length == 0 {
			return nil, fmt.Errorf("%w: empty string payload", ErrInvalidFormat)
		}
		return &Payload{Value: string(rest)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload tag %d", ErrInvalidFormat, plain[0])
	}
}

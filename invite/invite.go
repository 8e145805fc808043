package invite

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ErrSignatureVerification indicates the recovered signer does not match the
// expected creator.
var ErrSignatureVerification = errors.New("invite: signature verification failure")

const signatureLen = 65

// Invite is the outer structure handed to a prospective member: the sealed
// token plus a compact recoverable signature over those exact bytes. The
// signature is made over the serialized payload as issued, never over a
// re-serialization.
type Invite struct {
	Payload   []byte
	Signature [signatureLen]byte
}

// PublicID returns the public identifier for a 32-byte private key: the
// compressed form of its public point. This is the value bound into token
// associated data and compared against recovered signers.
func PublicID(privateKey []byte) []byte {
	priv := secp256k1.PrivKeyFromBytes(privateKey)
	return priv.PubKey().SerializeCompressed()
}

// NewInvite signs a sealed token with the creator's private key.
func NewInvite(privateKey, payload []byte) *Invite {
	priv := secp256k1.PrivKeyFromBytes(privateKey)
	digest := sha256.Sum256(payload)
	sig := ecdsa.SignCompact(priv, digest[:], true)
	inv := &Invite{Payload: payload}
	copy(inv.Signature[:], sig)
	return inv
}

// Verify recovers the signer's public key from the signature and compares it
// against the expected public identifier in constant time.
func (i *Invite) Verify(expectedPublicID []byte) error {
	digest := sha256.Sum256(i.Payload)
	pub, _, err := ecdsa.RecoverCompact(i.Signature[:], digest[:])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSignatureVerification, err)
	}
	if subtle.ConstantTimeCompare(pub.SerializeCompressed(), expectedPublicID) != 1 {
		return ErrSignatureVerification
	}
	return nil
}

// String encodes the invite for transport.
func (i *Invite) String() string {
	out := make([]byte, 0, signatureLen+len(i.Payload))
	out = append(out, i.Signature[:]...)
	out = append(out, i.Payload...)
	return base64.RawURLEncoding.EncodeToString(out)
}

// Parse decodes an invite from its transport form.
func Parse(s string) (*Invite, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	if len(b) < signatureLen+minTokenLen {
		return nil, fmt.Errorf("%w: invite of %d bytes too short", ErrInvalidFormat, len(b))
	}
	inv := &Invite{Payload: b[signatureLen:]}
	copy(inv.Signature[:], b[:signatureLen])
	return inv, nil
}

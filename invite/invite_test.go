package invite

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	testPrivateKey = []byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
	}
	otherPrivateKey = []byte{
		32, 31, 30, 29, 28, 27, 26, 25, 24, 23, 22, 21, 20, 19, 18, 17,
		16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1,
	}
	testTag = [16]byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
)

func newTestCodec(t *testing.T, priv []byte, tag [16]byte) *Codec {
	c, err := NewCodec(priv, PublicID(priv), tag)
	require.Nil(t, err)
	return c
}

func TestSealOpenConversationID(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)

	id := uuid.New()
	token, err := c.SealConversationID(id)
	require.Nil(err)

	p, err := c.Open(token)
	require.Nil(err)
	require.NotNil(p.ConversationID)
	require.Equal(id, *p.ConversationID)
	require.Empty(p.Value)
}

func TestSealOpenString(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)

	for _, s := range []string{"a", "burrow://conv/abc", strings.Repeat("x", 255), strings.Repeat("y", 256), strings.Repeat("z", MaxStringLen)} {
		token, err := c.SealString(s)
		require.Nil(err)
		p, err := c.Open(token)
		require.Nil(err)
		require.Nil(p.ConversationID)
		require.Equal(s, p.Value)
	}
}

func TestSealStringRejectsInvalid(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)

	_, err := c.SealString("")
	require.ErrorIs(err, ErrInvalidFormat)
	_, err = c.SealString(strings.Repeat("x", MaxStringLen+1))
	require.ErrorIs(err, ErrInvalidFormat)
	_, err = c.SealString(string([]byte{0xff, 0xfe}))
	require.ErrorIs(err, ErrInvalidFormat)
}

func TestOpenWrongKey(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)
	other := newTestCodec(t, otherPrivateKey, testTag)

	token, err := c.SealConversationID(uuid.New())
	require.Nil(err)
	_, err = other.Open(token)
	require.ErrorIs(err, ErrDecryptionFailure)
}

func TestOpenRotatedTag(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)

	token, err := c.SealConversationID(uuid.New())
	require.Nil(err)

	rotated := newTestCodec(t, testPrivateKey, [16]byte{1})
	_, err = rotated.Open(token)
	require.ErrorIs(err, ErrDecryptionFailure)
}

func TestOpenTamperedToken(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)

	token, err := c.SealConversationID(uuid.New())
	require.Nil(err)

	for i := 1; i < len(token); i++ {
		tampered := make([]byte, len(token))
		copy(tampered, token)
		tampered[i] ^= 0x01
		_, err := c.Open(tampered)
		require.ErrorIs(err, ErrDecryptionFailure, "byte %d", i)
	}
}

func TestOpenMalformedToken(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)

	_, err := c.Open(nil)
	require.ErrorIs(err, ErrInvalidFormat)
	_, err = c.Open([]byte{Version, 0, 0})
	require.ErrorIs(err, ErrInvalidFormat)

	token, err := c.SealConversationID(uuid.New())
	require.Nil(err)
	token[0] = 0x7f
	_, err = c.Open(token)
	require.ErrorIs(err, ErrInvalidFormat)
}

func TestInviteRoundTrip(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)

	id := uuid.New()
	payload, err := c.SealConversationID(id)
	require.Nil(err)

	inv := NewInvite(testPrivateKey, payload)
	require.Nil(inv.Verify(PublicID(testPrivateKey)))

	parsed, err := Parse(inv.String())
	require.Nil(err)
	require.Equal(inv.Payload, parsed.Payload)
	require.Equal(inv.Signature, parsed.Signature)
	require.Nil(parsed.Verify(PublicID(testPrivateKey)))

	p, err := c.Open(parsed.Payload)
	require.Nil(err)
	require.Equal(id, *p.ConversationID)
}

func TestInviteVerifyWrongSigner(t *testing.T) {
	require := require.New(t)
	c := newTestCodec(t, testPrivateKey, testTag)

	payload, err := c.SealConversationID(uuid.New())
	require.Nil(err)

	inv := NewInvite(testPrivateKey, payload)
	require.ErrorIs(inv.Verify(PublicID(otherPrivateKey)), ErrSignatureVerification)
}

func TestParseMalformed(t *testing.T) {
	require := require.New(t)

	_, err := Parse("not base64!!!")
	require.ErrorIs(err, ErrInvalidFormat)
	_, err = Parse("c2hvcnQ")
	require.ErrorIs(err, ErrInvalidFormat)
}

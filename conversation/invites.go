package conversation

import (
	"fmt"

	"github.com/burrow-im/go-burrow/identity"
	"github.com/burrow-im/go-burrow/invite"
	"github.com/google/uuid"
)

// IssueInvite mints a signed invite token for a conversation. Only the
// backing identity's key material can produce one, and the token is bound to
// the conversation's current invite tag.
func IssueInvite(ident *identity.Identity, conv *Conversation) (string, error) {
	if ident.ClientID != conv.ClientID {
		return "", fmt.Errorf("conversation: identity %s does not back conversation %s", ident.ClientID, conv.ID)
	}
	codec, err := newCodec(ident, conv)
	if err != nil {
		return "", err
	}
	payload, err := codec.SealConversationID(conv.ID)
	if err != nil {
		return "", err
	}
	return invite.NewInvite(ident.PrivateKey, payload).String(), nil
}

// OpenInvite is the creator-side check of a presented token: verify the
// signature recovers our own key, then decrypt under the current invite tag.
// Tokens issued before the last tag rotation fail decryption here.
func OpenInvite(ident *identity.Identity, conv *Conversation, token string) (uuid.UUID, error) {
	inv, err := invite.Parse(token)
	if err != nil {
		return uuid.UUID{}, err
	}
	if err := inv.Verify(invite.PublicID(ident.PrivateKey)); err != nil {
		return uuid.UUID{}, err
	}
	codec, err := newCodec(ident, conv)
	if err != nil {
		return uuid.UUID{}, err
	}
	payload, err := codec.Open(inv.Payload)
	if err != nil {
		return uuid.UUID{}, err
	}
	if payload.ConversationID == nil {
		return uuid.UUID{}, fmt.Errorf("%w: expected a conversation id payload", invite.ErrInvalidFormat)
	}
	return *payload.ConversationID, nil
}

func newCodec(ident *identity.Identity, conv *Conversation) (*invite.Codec, error) {
	var tag [16]byte
	copy(tag[:], conv.Metadata.InviteTag)
	return invite.NewCodec(ident.PrivateKey, invite.PublicID(ident.PrivateKey), tag)
}

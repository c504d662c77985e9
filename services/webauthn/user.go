package webauthn

import (
	"encoding/binary"

	"github.com/changeloghq/authkit/services/user"
	"github.com/go-webauthn/webauthn/webauthn"
)

// webauthnUser adapts a user row and its stored credentials to the shape
// the WebAuthn library expects.
type webauthnUser struct {
	user        *user.User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte {
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, uint64(u.user.ID))
	return id
}

func (u *webauthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webauthnUser) WebAuthnDisplayName() string {
	return u.user.Email
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

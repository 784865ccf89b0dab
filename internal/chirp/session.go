package chirp

import (
	"strings"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
)

var emojiSet = [16]string{
	"\U0001F426", "\U0001F333", "\U0001F3E0", "\U0001F319",
	"\u2B50", "\U0001F338", "\U0001F343", "\U0001F4A7",
	"\U0001F514", "\U0001F3B5", "\U0001F308", "\u2600\uFE0F",
	"\U0001F33B", "\U0001F41D", "\U0001F98B", "\U0001F340",
}

// Emoji renders a session id as three glyphs, one per low nibble of the
// first three id bytes.
func Emoji(id SessionID) string {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString(emojiSet[id[i]%16])
	}
	return b.String()
}

// sessionIDOf binds a session id to its public key.
func sessionIDOf(pub cvcrypto.PublicKey) SessionID {
	h := cvcrypto.DomainHash(cvcrypto.DomainChirpSess, pub[:])
	var id SessionID
	copy(id[:], h[:])
	return id
}

// session is an ephemeral identity. It is unrelated to the device key and
// is never persisted.
type session struct {
	id        SessionID
	pub       cvcrypto.PublicKey
	priv      cvcrypto.PrivateKey
	emoji     string
	createdMs uint32
	valid     bool
}

func newSession(now uint32) (session, error) {
	priv, pub, err := cvcrypto.GenerateKeypair()
	if err != nil {
		return session{}, err
	}
	id := sessionIDOf(pub)
	return session{id: id, pub: pub, priv: priv, emoji: Emoji(id), createdMs: now, valid: true}, nil
}

func (s *session) sign(d cvcrypto.Hash) cvcrypto.Signature {
	return cvcrypto.Sign(s.priv, s.pub, d[:])
}

func (s *session) wipe() {
	s.priv.Wipe()
	*s = session{}
}

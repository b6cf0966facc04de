package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironsign/internal/util"
)

// Envelope schemes.
const (
	SchemeAESGCM    = "aes256gcm"
	SchemePlainJSON = "plain-json"
)

// ErrKeyRequired is returned when opening a sealed envelope without a key.
var ErrKeyRequired = errors.New("envelope is sealed and no key was supplied")

// Envelope is a stored record. For SchemeAESGCM the payload is AES-256-GCM
// ciphertext; for SchemePlainJSON it is the JSON document itself.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      util.CopyBytes(e.Nonce),
		Ciphertext: util.CopyBytes(e.Ciphertext),
		Version:    e.Version,
	}
}

// SealRecord encrypts plaintext under recordKey, binding it to aad.
func SealRecord(recordKey, plaintext, aad []byte, version uint64) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, fmt.Errorf("sealing record: %w", err)
	}
	// nonce || ciphertext
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeAESGCM,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
		Version:    version,
	}, nil
}

// PlainRecord wraps an unencrypted JSON document.
func PlainRecord(doc []byte, version uint64) *Envelope {
	return &Envelope{
		Ver:        1,
		Scheme:     SchemePlainJSON,
		Ciphertext: util.CopyBytes(doc),
		Version:    version,
	}
}

// OpenRecord returns the payload of env. recordKey is only needed for
// sealed envelopes.
func OpenRecord(recordKey []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	switch env.Scheme {
	case SchemePlainJSON:
		return util.CopyBytes(env.Ciphertext), nil
	case SchemeAESGCM:
		if len(recordKey) == 0 {
			return nil, ErrKeyRequired
		}
		full := make([]byte, 0, len(env.Nonce)+len(env.Ciphertext))
		full = append(full, env.Nonce...)
		full = append(full, env.Ciphertext...)
		return util.DecryptAESWithAAD(full, recordKey, aad)
	default:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}
}

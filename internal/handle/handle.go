// Package handle turns object ids into the opaque handles given to callers.
//
// The transform is a byte-wise XOR of the id's text form with a repeating
// secret, hex encoded. It only stops casual guessing of ids; it is not
// encryption and must not be relied on for access control.
package handle

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Codec encodes and decodes handles with a process-wide secret.
type Codec struct {
	key []byte
}

// NewCodec returns a Codec for the given secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.NotValidf("empty handle secret")
	}
	return &Codec{key: []byte(secret)}, nil
}

// Encode obfuscates an object id.
func (c *Codec) Encode(objectID string) string {
	return hex.EncodeToString(c.xor([]byte(objectID)))
}

// Decode reverses Encode. The result must be a canonical object id.
func (c *Codec) Decode(h string) (string, error) {
	if h == "" {
		return "", errors.NotValidf("empty file handle")
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", errors.NotValidf("file handle %q", h)
	}
	objectID := string(c.xor(raw))
	parsed, err := uuid.Parse(objectID)
	if err != nil || parsed.String() != objectID {
		return "", errors.NotValidf("file handle %q", h)
	}
	return objectID, nil
}

func (c *Codec) xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i := range in {
		out[i] = in[i] ^ c.key[i%len(c.key)]
	}
	return out
}

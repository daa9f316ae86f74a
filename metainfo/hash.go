// Package metainfo contains the content identity of a download and the
// metadata the core hands to its subsystems.
package metainfo

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/multiformats/go-multihash"
)

// HashLen is the length of a content identity in bytes.
const HashLen = 20

// Hash identifies the content of a download independent of where it is saved.
type Hash [HashLen]byte

var errInvalidHash = errors.New("invalid content hash")

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Multihash returns the base58 encoded sha1 multihash form of the hash.
func (h Hash) Multihash() string {
	b, err := multihash.Encode(h[:], multihash.SHA1)
	if err != nil {
		// only fails on unknown code or length mismatch
		panic(err)
	}
	return multihash.Multihash(b).B58String()
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ParseHash accepts a 40 character hex string or a base58 encoded sha1 multihash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) == hex.EncodedLen(HashLen) {
		b, err := hex.DecodeString(s)
		if err != nil {
			return h, fmt.Errorf("%w: %s", errInvalidHash, err)
		}
		copy(h[:], b)
		return h, nil
	}
	mh, err := multihash.FromB58String(s)
	if err != nil {
		return h, fmt.Errorf("%w: %s", errInvalidHash, err)
	}
	d, err := multihash.Decode(mh)
	if err != nil {
		return h, fmt.Errorf("%w: %s", errInvalidHash, err)
	}
	if d.Code != multihash.SHA1 || len(d.Digest) != HashLen {
		return h, fmt.Errorf("%w: not a sha1 multihash", errInvalidHash)
	}
	copy(h[:], d.Digest)
	return h, nil
}

// HashFromBytes converts a raw 20-byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashLen {
		return h, errInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

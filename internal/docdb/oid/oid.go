// Package oid implements the engine's opaque document identifier: 12
// bytes, hex-encoded as a 24-character lowercase string, laid out as
// timestamp (4 bytes) + per-process random state (5 bytes) + counter
// (3 bytes). Generation uses one package-level counter guarded by a
// mutex, seeded from crypto/rand at process start.
package oid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ID is a 12-byte opaque document identifier.
type ID [12]byte

var (
	mu        sync.Mutex
	processID [5]byte
	counter   uint32 // low 24 bits used; seeded from a random 24-bit value
	initOnce  sync.Once
)

func ensureInit() {
	initOnce.Do(func() {
		var buf [5]byte
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand failing is effectively fatal for identifier
			// uniqueness guarantees; fall back to a time-derived seed
			// rather than panic, trading some uniqueness for liveness.
			binary.BigEndian.PutUint32(buf[:4], uint32(time.Now().UnixNano()))
		}
		processID = buf

		var seed [4]byte
		if _, err := rand.Read(seed[:]); err == nil {
			counter = binary.BigEndian.Uint32(seed[:]) & 0x00FFFFFF
		}
	})
}

// New generates a fresh identifier. Two ids generated within the same
// process in the same second differ in their counter bytes.
func New() ID {
	ensureInit()

	mu.Lock()
	counter = (counter + 1) & 0x00FFFFFF
	c := counter
	mu.Unlock()

	var id ID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processID[:])
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// Hex returns the 24-character lowercase hex encoding of the id.
func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

// String implements fmt.Stringer as the hex form, so an ID can be used
// directly as a JSON _id value once wrapped in a Go string.
func (id ID) String() string { return id.Hex() }

// GenerationTime decodes the creation timestamp embedded in the id.
func (id ID) GenerationTime() time.Time {
	sec := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(sec), 0).UTC()
}

// FromHex parses a 24-character hex string back into an ID.
func FromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("oid: invalid hex id %q: %w", s, err)
	}
	if len(b) != 12 {
		return id, fmt.Errorf("oid: invalid id length %d (want 12 bytes)", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IsValidHex reports whether s looks like a well-formed 24-char hex id,
// used by callers deciding whether a query literal should be
// interpreted as an opaque _id value.
func IsValidHex(s string) bool {
	if len(s) != 24 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

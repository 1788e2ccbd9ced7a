package selection

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Beacon supplies entropy that nobody can know before a dispute exists.
// The value is captured once at dispute creation and persisted so the quorum
// can be recomputed for audit.
type Beacon interface {
	Entropy(ctx context.Context) ([]byte, error)
}

// RandomBeacon draws entropy from crypto/rand. Used when no chain beacon is configured.
type RandomBeacon struct{}

// Entropy implements Beacon.
func (RandomBeacon) Entropy(context.Context) ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random entropy: %w", err)
	}
	return buf, nil
}

// StaticBeacon returns fixed bytes. Tests and replay tooling only.
type StaticBeacon []byte

// Entropy implements Beacon.
func (s StaticBeacon) Entropy(context.Context) ([]byte, error) {
	return append([]byte(nil), s...), nil
}

// DeriveSeed binds the dispute identity to the beacon entropy:
// keccak256("escrow-quorum" || disputeID || escrowID || createdAt || entropy).
func DeriveSeed(disputeID, escrowID string, createdAt time.Time, entropy []byte) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	return crypto.Keccak256(
		[]byte("escrow-quorum"),
		lengthPrefixed(disputeID),
		lengthPrefixed(escrowID),
		ts[:],
		entropy,
	)
}

// permutationKey is the keyed PRP position of a candidate under seed.
func permutationKey(seed []byte, agentID string) []byte {
	return crypto.Keccak256(seed, lengthPrefixed(agentID))
}

func lengthPrefixed(s string) []byte {
	out := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(out, uint32(len(s)))
	copy(out[4:], s)
	return out
}

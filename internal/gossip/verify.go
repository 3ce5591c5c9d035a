package gossip

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ao/swarmhost/internal/signature"
	"github.com/ao/swarmhost/internal/spec"
)

var (
	// ErrInvalidHash is returned when no ordering reproduces the message hash
	ErrInvalidHash = errors.New("invalid message hash")
	// ErrInvalidSignature is returned when no ordering verifies the signature
	ErrInvalidSignature = errors.New("invalid message signature")
	// ErrMissingSpecification is returned for messages without a payload
	ErrMissingSpecification = errors.New("message carries no application specification")
)

// ConsensusError is a hash or signature failure. The message is dropped and
// never rebroadcast.
type ConsensusError struct {
	Hash string
	Err  error
}

func (e *ConsensusError) Error() string {
	return fmt.Sprintf("message %s rejected: %v", e.Hash, e.Err)
}

func (e *ConsensusError) Unwrap() error { return e.Err }

// marketplaceTokenRe matches app names ending in a millisecond timestamp
var marketplaceTokenRe = regexp.MustCompile(`(\d{13})$`)

// marketplaceEpoch is 2021-01-01T00:00:00Z
const marketplaceEpoch int64 = 1609459200000

// hashOrderings returns the orderings accepted for hash verification
func hashOrderings(version int) []spec.Ordering {
	if version <= 3 {
		return []spec.Ordering{spec.OrderCurrent, spec.OrderLegacyOwner}
	}
	return []spec.Ordering{spec.OrderCurrent}
}

// signatureOrderings returns the orderings accepted for signature verification
func signatureOrderings(version int) []spec.Ordering {
	switch {
	case version <= 3:
		return []spec.Ordering{spec.OrderCurrent, spec.OrderLegacyOwner}
	case version == 7:
		return []spec.Ordering{spec.OrderCurrent, spec.OrderLegacyV7}
	default:
		return []spec.Ordering{spec.OrderCurrent}
	}
}

// SignedPayload returns the text the owner signs for a message
func SignedPayload(m *Message, order spec.Ordering) (string, error) {
	if m.AppSpecifications == nil {
		return "", ErrMissingSpecification
	}
	canonical, err := spec.Canonical(m.AppSpecifications, order)
	if err != nil {
		return "", err
	}
	return m.Type + strconv.Itoa(m.Version) + string(canonical) + strconv.FormatInt(m.Timestamp, 10), nil
}

// ComputeHash returns the digest of a message in the given ordering
func ComputeHash(m *Message, order spec.Ordering) (string, error) {
	payload, err := SignedPayload(m, order)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(chainhash.HashB([]byte(payload + m.Signature))), nil
}

// VerifyHash checks the message hash against the current ordering and,
// for v1-v3 specifications, the legacy owner ordering
func VerifyHash(m *Message) error {
	if m.AppSpecifications == nil {
		return &ConsensusError{Hash: m.Hash, Err: ErrMissingSpecification}
	}
	for _, order := range hashOrderings(m.AppSpecifications.Version) {
		h, err := ComputeHash(m, order)
		if err != nil {
			return err
		}
		if h == m.Hash {
			return nil
		}
	}
	return &ConsensusError{Hash: m.Hash, Err: ErrInvalidHash}
}

// VerifySignature checks that one of the signer addresses signed the
// message in any accepted ordering
func VerifySignature(m *Message, signers ...string) error {
	if m.AppSpecifications == nil {
		return &ConsensusError{Hash: m.Hash, Err: ErrMissingSpecification}
	}
	for _, order := range signatureOrderings(m.AppSpecifications.Version) {
		payload, err := SignedPayload(m, order)
		if err != nil {
			return err
		}
		recovered, err := signature.Recover(payload, m.Signature)
		if err != nil {
			continue
		}
		for _, addr := range signers {
			if addr != "" && recovered == addr {
				return nil
			}
		}
	}
	return &ConsensusError{Hash: m.Hash, Err: ErrInvalidSignature}
}

// HasMarketplaceToken reports whether an app name ends in a plausible
// marketplace millisecond timestamp
func HasMarketplaceToken(name string, now time.Time) bool {
	match := marketplaceTokenRe.FindStringSubmatch(name)
	if match == nil {
		return false
	}
	ts, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return false
	}
	return ts >= marketplaceEpoch && ts <= millis(now.Add(24*time.Hour))
}

// Package signature verifies owner identities using compact bitcoin
// "Signed Message" signatures.
package signature

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const messageMagic = "Bitcoin Signed Message:\n"

var (
	// ErrMalformedSignature is returned when the signature cannot be decoded
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrAddressMismatch is returned when the recovered key does not match the address
	ErrAddressMismatch = errors.New("signature does not match address")
)

// Params are the address parameters used to encode recovered keys
var Params = &chaincfg.MainNetParams

// MessageHash returns the double sha256 digest of a prefixed message
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	// writes to a bytes.Buffer never fail
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarString(&buf, 0, message)
	return chainhash.DoubleHashB(buf.Bytes())
}

// Recover returns the P2PKH address of the key that produced sig over message
func Recover(message, sig string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != 65 {
		return "", ErrMalformedSignature
	}

	pub, compressed, err := ecdsa.RecoverCompact(raw, MessageHash(message))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return AddressOf(pub, compressed)
}

// Verify checks that sig is a valid signature of message by address
func Verify(message, address, sig string) error {
	recovered, err := Recover(message, sig)
	if err != nil {
		return err
	}
	if recovered != address {
		return ErrAddressMismatch
	}
	return nil
}

// Sign produces a base64 compact signature of message
func Sign(key *btcec.PrivateKey, message string) (string, error) {
	raw := ecdsa.SignCompact(key, MessageHash(message), true)
	return base64.StdEncoding.EncodeToString(raw), nil
}

// AddressOf encodes a public key as a P2PKH address
func AddressOf(pub *btcec.PublicKey, compressed bool) (string, error) {
	var serialized []byte
	if compressed {
		serialized = pub.SerializeCompressed()
	} else {
		serialized = pub.SerializeUncompressed()
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(serialized), Params)
	if err != nil {
		return "", fmt.Errorf("failed to encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

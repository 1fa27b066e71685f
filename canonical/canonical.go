// Package canonical implements the JSON Canonicalization Scheme (JCS,
// RFC 8785) serialization this method hashes over, plus the base58
// encoding used for hashes embedded in update payloads.
//
// canonicaljson-go already produces the sorted-keys, minimal-number,
// no-insignificant-whitespace byte form JCS requires; this package only
// adds the SHA-256 digest step and the base58 wrapping spec.md §4.2
// layers on top of it.
package canonical

import (
	"crypto/sha256"

	canonicaljson "github.com/gibson042/canonicaljson-go"
	"github.com/btcsuite/btcd/btcutil/base58"
)

// Marshal serializes v to its JCS byte form.
func Marshal(v interface{}) ([]byte, error) {
	return canonicaljson.Marshal(v)
}

// Hash returns SHA-256(JCS(v)) — the canonicalize() primitive referenced
// throughout spec.md §4.2-§4.7.
func Hash(v interface{}) ([32]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// Base58Hash returns the base58 (Bitcoin-alphabet) encoding of Hash(v), the
// form sourceHash/targetHash take inside an update payload.
func Base58Hash(v interface{}) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return base58.Encode(h[:]), nil
}

// EncodeBase58 base58-encodes raw bytes using the Bitcoin alphabet.
func EncodeBase58(b []byte) string {
	return base58.Encode(b)
}

// DecodeBase58 reverses EncodeBase58.
func DecodeBase58(s string) []byte {
	return base58.Decode(s)
}

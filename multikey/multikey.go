// Package multikey implements the multicodec+multibase framing used for
// the "Multikey" verification method type: a multicodec-prefixed key
// encoding, base58btc-multibase-wrapped, per spec.md §4.1/§4.3 and
// libbtcr2/multikey.py.
package multikey

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/decentralized-identity/did-btcr2-go/errs"
)

// Multicodec table entries this method uses. Values match the registered
// multicodec table; libbtcr2's constants.py carries the same three.
const (
	// Secp256k1PublicKeyCodec tags a 33-byte compressed secp256k1 point.
	Secp256k1PublicKeyCodec uint64 = 0xe7
	// Secp256k1XOnlyPublicKeyCodec tags a 32-byte BIP-340 x-only public key.
	Secp256k1XOnlyPublicKeyCodec uint64 = 0x2561
	// Secp256k1XOnlySecretKeyCodec tags a 32-byte BIP-340 x-only private key.
	Secp256k1XOnlySecretKeyCodec uint64 = 0x130e

	multibasePrefixBase58BTC = 'z'
)

// Encode wraps key with codec's varint multicodec prefix and returns the
// base58btc multibase string (leading 'z').
func Encode(codec uint64, key []byte) string {
	buf := appendUvarint(nil, codec)
	buf = append(buf, key...)
	return string(multibasePrefixBase58BTC) + base58.Encode(buf)
}

// Decode reverses Encode, returning the multicodec value and the raw key
// bytes that followed it.
func Decode(s string) (codec uint64, key []byte, err error) {
	if len(s) == 0 || s[0] != multibasePrefixBase58BTC {
		return 0, nil, fmt.Errorf("%w: multikey missing base58btc multibase prefix", errs.ErrInvalidDid)
	}
	raw := base58.Decode(s[1:])
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("%w: multikey base58 decode failed", errs.ErrInvalidDid)
	}
	codec, n := readUvarint(raw)
	if n == 0 {
		return 0, nil, fmt.Errorf("%w: multikey malformed multicodec varint", errs.ErrInvalidDid)
	}
	return codec, raw[n:], nil
}

// PublicKeyMultibase encodes pub's compressed SEC1 form as a
// secp256k1-pub Multikey.
func PublicKeyMultibase(pub *btcec.PublicKey) string {
	return Encode(Secp256k1PublicKeyCodec, pub.SerializeCompressed())
}

// DecodePublicKeyMultibase reverses PublicKeyMultibase, validating that the
// codec matches and the key parses as a point on the curve.
func DecodePublicKeyMultibase(s string) (*btcec.PublicKey, error) {
	codec, key, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if codec != Secp256k1PublicKeyCodec {
		return nil, fmt.Errorf("%w: multikey codec 0x%x is not secp256k1-pub", errs.ErrInvalidUpdateProof, codec)
	}
	pub, err := btcec.ParsePubKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: multikey does not decode to a valid point: %v", errs.ErrInvalidUpdateProof, err)
	}
	return pub, nil
}

// XOnlyPublicKeyMultibase encodes a 32-byte BIP-340 x-only key as a
// secp256k1-xonly-pub Multikey. The bip340-jcs-2025 cryptosuite's proof
// verificationMethod may reference either this or a PublicKeyMultibase
// entry already present on the document; construct_update_payload always
// resolves the signing key through the document's verificationMethod
// array rather than re-deriving it here.
func XOnlyPublicKeyMultibase(xOnly [32]byte) string {
	return Encode(Secp256k1XOnlyPublicKeyCodec, xOnly[:])
}

// appendUvarint appends v's unsigned LEB128 (multicodec varint) encoding to
// buf.
func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// readUvarint decodes an unsigned LEB128 value from the start of buf,
// returning the value and the number of bytes consumed (0 on error).
func readUvarint(buf []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, b := range buf {
		if i > 9 {
			return 0, 0
		}
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

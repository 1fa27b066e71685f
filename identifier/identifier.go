// Package identifier implements the did:btcr2 identifier codec: the
// type/version/network header and genesis bytes wrapped in a checksummed
// bech32m tail, per spec.md §4.1.
//
// The header is a nibble stream (one 0xF nibble for every 15 in
// version-1, a terminating nibble holding the remainder, then a network
// nibble, padded to a whole byte with a zero filler nibble if needed) —
// this mirrors libbtcr2/did.py's encode_identifier/decode_identifier
// byte for byte, including the quirks the python keeps for forward
// compatibility with identifier versions that don't exist yet.
package identifier

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/sirupsen/logrus"

	"github.com/decentralized-identity/did-btcr2-go/errs"
)

var log = logrus.WithField("prefix", "identifier")

// IDType distinguishes a key-derived identifier from an externally-bound
// one.
type IDType int

const (
	// Key identifiers are deterministically derived from a secp256k1
	// public key: genesis_bytes is that key's compressed SEC1 encoding.
	Key IDType = iota
	// External identifiers are bound to an intermediate document:
	// genesis_bytes is SHA-256(JCS(intermediate document)).
	External
)

func (t IDType) hrp() string {
	if t == Key {
		return "k"
	}
	return "x"
}

func hrpToType(hrp string) (IDType, bool) {
	switch hrp {
	case "k":
		return Key, true
	case "x":
		return External, true
	default:
		return 0, false
	}
}

const (
	// DIDScheme is the fixed "did" URI scheme.
	DIDScheme = "did"
	// DIDMethod is this method's name.
	DIDMethod = "btcr2"
	// DIDMethodPrefix is prepended to every encoded identifier.
	DIDMethodPrefix = DIDScheme + ":" + DIDMethod + ":"
	// PlaceholderDID is substituted for the real DID in intermediate
	// documents (spec.md §3, §6). 60 'x' characters after the prefix.
	PlaceholderDID = DIDMethodPrefix + "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
)

// namedNetworks lists the six built-in networks in wire order: position in
// this slice is the nibble value a decoder/encoder uses for them.
var namedNetworks = []string{"bitcoin", "signet", "regtest", "testnet3", "testnet4", "mutinynet"}

// Network is either one of the six named Bitcoin-like networks, or a small
// user-defined integer (1..4) for signet-like custom networks.
type Network struct {
	name   string
	custom int
}

// Named constructs a Network from one of the six built-in names.
func Named(name string) (Network, error) {
	for _, n := range namedNetworks {
		if n == name {
			return Network{name: name}, nil
		}
	}
	return Network{}, fmt.Errorf("%w: unrecognized network %q", errs.ErrInvalidDid, name)
}

// Custom constructs a user-defined network in the range 1..4.
func Custom(n int) (Network, error) {
	if n < 1 || n > 4 {
		return Network{}, fmt.Errorf("%w: custom network out of range: %d", errs.ErrInvalidDid, n)
	}
	return Network{custom: n}, nil
}

// IsCustom reports whether this is a user-defined network.
func (n Network) IsCustom() bool { return n.custom != 0 }

// String renders the network's canonical name, or the decimal custom
// value.
func (n Network) String() string {
	if n.custom != 0 {
		return fmt.Sprintf("%d", n.custom)
	}
	return n.name
}

func (n Network) nibble() byte {
	if n.custom != 0 {
		return byte(0xB + n.custom)
	}
	for i, name := range namedNetworks {
		if name == n.name {
			return byte(i)
		}
	}
	panic("identifier: network has neither name nor custom value")
}

func networkFromNibble(nibble byte) (Network, error) {
	if int(nibble) < len(namedNetworks) {
		return Network{name: namedNetworks[nibble]}, nil
	}
	if nibble >= 0xC && nibble <= 0xF {
		return Network{custom: int(nibble) - 0xB}, nil
	}
	return Network{}, fmt.Errorf("%w: unrecognized network nibble 0x%x", errs.ErrInvalidDid, nibble)
}

// Identifier is the decoded form of a did:btcr2 identifier: its four
// logical components, per spec.md §3.
type Identifier struct {
	Type         IDType
	Version      int
	Network      Network
	GenesisBytes []byte
}

// Encode builds the bech32m-wrapped tail and prepends the did:btcr2:
// prefix, returning the full DID string. version must be >= 1; only
// version 1 is defined (spec.md §3 VERSIONS = {1}), but larger values are
// not rejected here: they are written with the nibble-run encoding, so
// the wire format doesn't need to change later.
func Encode(idType IDType, version int, network Network, genesisBytes []byte) (string, error) {
	if version < 1 {
		return "", fmt.Errorf("%w: version must be >= 1", errs.ErrInvalidDid)
	}
	if idType == Key {
		if !isCompressedSecp256k1Point(genesisBytes) {
			return "", fmt.Errorf("%w: genesis bytes is not a valid compressed secp256k1 public key", errs.ErrInvalidDid)
		}
	} else if len(genesisBytes) != 32 {
		return "", fmt.Errorf("%w: external genesis bytes must be 32 bytes", errs.ErrInvalidDid)
	}

	nibbles := encodeVersionNibbles(version)
	nibbles = append(nibbles, network.nibble())
	if len(nibbles)%2 == 1 {
		nibbles = append(nibbles, 0x0)
	}

	header := make([]byte, len(nibbles)/2)
	for i := range header {
		header[i] = nibbles[2*i]<<4 | nibbles[2*i+1]
	}

	data := append(header, genesisBytes...)
	five, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("identifier: convert bits: %w", err)
	}
	encoded, err := bech32.EncodeM(idType.hrp(), five)
	if err != nil {
		return "", fmt.Errorf("identifier: bech32m encode: %w", err)
	}

	did := DIDMethodPrefix + encoded
	log.WithFields(logrus.Fields{"type": idType, "version": version, "network": network.String()}).Debug("encoded identifier")
	return did, nil
}

// encodeVersionNibbles renders (version-1) as a run of 0xF nibbles
// followed by one terminating nibble, mirroring did.py's math.floor-based
// construction.
func encodeVersionNibbles(version int) []byte {
	fCount := (version - 1) / 15
	nibbles := make([]byte, 0, fCount+1)
	for i := 0; i < fCount; i++ {
		nibbles = append(nibbles, 0xF)
	}
	nibbles = append(nibbles, byte((version-1)%15))
	return nibbles
}

// Decode parses a did:btcr2:<tail> string into its four logical
// components.
func Decode(did string) (Identifier, error) {
	components := strings.SplitN(did, ":", 3)
	if len(components) != 3 {
		return Identifier{}, fmt.Errorf("%w: malformed did string", errs.ErrInvalidDid)
	}
	if components[0] != DIDScheme {
		return Identifier{}, fmt.Errorf("%w: not a did URI", errs.ErrInvalidDid)
	}
	if components[1] != DIDMethod {
		return Identifier{}, fmt.Errorf("%w: %s", errs.ErrMethodNotSupported, components[1])
	}

	hrp, data, encoding, err := bech32.DecodeGeneric(components[2])
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: bech32 decode: %v", errs.ErrInvalidDid, err)
	}
	if encoding != bech32.Bech32m {
		return Identifier{}, fmt.Errorf("%w: identifier tail must use bech32m", errs.ErrInvalidDid)
	}

	idType, ok := hrpToType(hrp)
	if !ok {
		return Identifier{}, fmt.Errorf("%w: unknown hrp %q", errs.ErrInvalidDid, hrp)
	}

	dataBytes, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: convert bits: %v", errs.ErrInvalidDid, err)
	}
	if len(dataBytes) == 0 {
		return Identifier{}, fmt.Errorf("%w: empty identifier payload", errs.ErrInvalidDid)
	}

	version, network, genesisBytes, err := decodeHeader(dataBytes)
	if err != nil {
		return Identifier{}, err
	}

	if idType == Key && !isCompressedSecp256k1Point(genesisBytes) {
		return Identifier{}, fmt.Errorf("%w: genesis bytes is not a valid compressed secp256k1 public key", errs.ErrInvalidDid)
	}

	log.WithFields(logrus.Fields{"type": idType, "version": version, "network": network.String()}).Debug("decoded identifier")
	return Identifier{Type: idType, Version: version, Network: network, GenesisBytes: genesisBytes}, nil
}

// decodeHeader walks the nibble stream exactly as did.py's
// decode_identifier does: high nibble first, crossing byte boundaries as
// needed, consuming a run of 0xF version-continuation nibbles, one
// terminating version nibble, one network nibble, and — if the nibble
// count so far is odd — one zero filler nibble.
func decodeHeader(data []byte) (int, Network, []byte, error) {
	byteIndex := 0
	nibblesConsumed := 0
	currentByte := data[byteIndex]

	versionNibble := currentByte >> 4
	version := 1

	for versionNibble == 0xF {
		version += 15
		if nibblesConsumed%2 == 0 {
			versionNibble = currentByte & 0x0F
		} else {
			byteIndex++
			if byteIndex >= len(data) {
				return 0, Network{}, nil, fmt.Errorf("%w: truncated version nibble run", errs.ErrInvalidDid)
			}
			currentByte = data[byteIndex]
			versionNibble = currentByte >> 4
		}
		nibblesConsumed++
	}
	version += int(versionNibble)
	nibblesConsumed++

	var networkNibble byte
	if nibblesConsumed%2 == 0 {
		byteIndex++
		if byteIndex >= len(data) {
			return 0, Network{}, nil, fmt.Errorf("%w: truncated network nibble", errs.ErrInvalidDid)
		}
		currentByte = data[byteIndex]
		networkNibble = currentByte >> 4
	} else {
		networkNibble = currentByte & 0x0F
	}
	nibblesConsumed++

	network, err := networkFromNibble(networkNibble)
	if err != nil {
		return 0, Network{}, nil, err
	}

	if nibblesConsumed%2 == 1 {
		fillerNibble := currentByte & 0x0F
		if fillerNibble != 0 {
			return 0, Network{}, nil, fmt.Errorf("%w: non-zero filler nibble", errs.ErrInvalidDid)
		}
	}

	if byteIndex+1 > len(data) {
		return 0, Network{}, nil, fmt.Errorf("%w: no genesis bytes", errs.ErrInvalidDid)
	}
	genesisBytes := data[byteIndex+1:]

	return version, network, genesisBytes, nil
}

func isCompressedSecp256k1Point(b []byte) bool {
	if len(b) != 33 || (b[0] != 0x02 && b[0] != 0x03) {
		return false
	}
	_, err := btcec.ParsePubKey(b)
	return err == nil
}

package identifier

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

func testCompressedPoint(t *testing.T) []byte {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv.PubKey().SerializeCompressed()
}

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	pub := testCompressedPoint(t)
	mainnet, err := Named("bitcoin")
	if err != nil {
		t.Fatalf("named network: %v", err)
	}

	did, err := Encode(Key, 1, mainnet, pub)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(did, DIDMethodPrefix+"k1") {
		t.Fatalf("expected k-hrp bech32m tail, got %s", did)
	}

	got, err := Decode(did)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != Key {
		t.Fatalf("type = %v, want Key", got.Type)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if got.Network.String() != "bitcoin" {
		t.Fatalf("network = %s, want bitcoin", got.Network.String())
	}
	if !bytes.Equal(got.GenesisBytes, pub) {
		t.Fatalf("genesis bytes mismatch: got %x want %x", got.GenesisBytes, pub)
	}
}

func TestEncodeDecodeExternalRoundTrip(t *testing.T) {
	digest := bytes.Repeat([]byte{0xAB}, 32)
	regtest, err := Named("regtest")
	if err != nil {
		t.Fatalf("named network: %v", err)
	}

	did, err := Encode(External, 1, regtest, digest)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(did, DIDMethodPrefix+"x1") {
		t.Fatalf("expected x-hrp bech32m tail, got %s", did)
	}

	got, err := Decode(did)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != External {
		t.Fatalf("type = %v, want External", got.Type)
	}
	if got.Network.String() != "regtest" {
		t.Fatalf("network = %s, want regtest", got.Network.String())
	}
	if !bytes.Equal(got.GenesisBytes, digest) {
		t.Fatalf("genesis bytes mismatch: got %x want %x", got.GenesisBytes, digest)
	}
}

func TestEncodeDecodeCustomNetwork(t *testing.T) {
	pub := testCompressedPoint(t)
	net, err := Custom(3)
	if err != nil {
		t.Fatalf("custom network: %v", err)
	}

	did, err := Encode(Key, 1, net, pub)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(did)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Network.IsCustom() || got.Network.String() != "3" {
		t.Fatalf("network = %+v, want custom 3", got.Network)
	}
}

func TestDecodeRejectsWrongMethod(t *testing.T) {
	if _, err := Decode("did:example:abcdef"); err == nil {
		t.Fatalf("expected method-not-supported error")
	}
}

func TestDecodeRejectsMalformedBech32(t *testing.T) {
	if _, err := Decode(DIDMethodPrefix + "k1notavalidbech32string"); err == nil {
		t.Fatalf("expected decode error for malformed bech32 tail")
	}
}

func TestEncodeRejectsNonCompressedKeyGenesis(t *testing.T) {
	mainnet, _ := Named("bitcoin")
	// 32 bytes instead of a 33-byte compressed point.
	bad := bytes.Repeat([]byte{0x01}, 32)
	if _, err := Encode(Key, 1, mainnet, bad); err == nil {
		t.Fatalf("expected encode to reject non-compressed-point genesis bytes")
	}
}

func TestEncodeRejectsWrongSizedExternalGenesis(t *testing.T) {
	regtest, _ := Named("regtest")
	if _, err := Encode(External, 1, regtest, []byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected encode to reject a non-32-byte external genesis")
	}
}

func TestNamedNetworkNibbleAssignment(t *testing.T) {
	cases := []struct {
		name   string
		nibble byte
	}{
		{"bitcoin", 0x0},
		{"signet", 0x1},
		{"regtest", 0x2},
		{"testnet3", 0x3},
		{"testnet4", 0x4},
		{"mutinynet", 0x5},
	}
	for _, tc := range cases {
		n, err := Named(tc.name)
		if err != nil {
			t.Fatalf("named(%s): %v", tc.name, err)
		}
		if n.nibble() != tc.nibble {
			t.Errorf("%s nibble = 0x%x, want 0x%x", tc.name, n.nibble(), tc.nibble)
		}
	}
}

func TestCustomNetworkNibbleAssignment(t *testing.T) {
	for i := 1; i <= 4; i++ {
		n, err := Custom(i)
		if err != nil {
			t.Fatalf("custom(%d): %v", i, err)
		}
		want := byte(0xB + i)
		if n.nibble() != want {
			t.Errorf("custom(%d) nibble = 0x%x, want 0x%x", i, n.nibble(), want)
		}
	}
}

func TestCustomNetworkOutOfRange(t *testing.T) {
	if _, err := Custom(0); err == nil {
		t.Fatalf("expected error for custom network 0")
	}
	if _, err := Custom(5); err == nil {
		t.Fatalf("expected error for custom network 5")
	}
}

// TestEncodeKeyFromWIF is spec vector #1: a mainnet WIF private key's
// compressed public key encodes to this exact DID string.
func TestEncodeKeyFromWIF(t *testing.T) {
	wif, err := btcutil.DecodeWIF("KyZpNDKnfs94vbrwhJneDi77V6jF64PWPF8x5cdJb8ifgg2DUc9d")
	if err != nil {
		t.Fatalf("decode wif: %v", err)
	}
	mainnet, err := Named("bitcoin")
	if err != nil {
		t.Fatalf("named network: %v", err)
	}

	const want = "did:btcr2:k1qqpnp4206rw5yznwt7xnvf847dyzet34pauatur4806mamuu9kg670qvqx7vy"
	got, err := Encode(Key, 1, mainnet, wif.PrivKey.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got != want {
		t.Fatalf("encode = %s, want %s", got, want)
	}
}

// TestDecodeBech32mVector is spec vector #2: a concrete DID string decodes
// to this exact (type, version, network, genesisBytes) tuple.
func TestDecodeBech32mVector(t *testing.T) {
	const did = "did:btcr2:k1qqptaz4ydc2q8qjgch9kl46y48ccdhjyqdzxxjmmaupwsv9sut5ssfsm0s3dn"
	wantGenesis, err := hex.DecodeString("02be8aa46e14038248c5cb6fd744a9f186de440344634b7bef02e830b0e2e90826")
	if err != nil {
		t.Fatalf("decode hex fixture: %v", err)
	}

	id, err := Decode(did)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id.Type != Key {
		t.Fatalf("type = %v, want Key", id.Type)
	}
	if id.Version != 1 {
		t.Fatalf("version = %d, want 1", id.Version)
	}
	if id.Network.String() != "bitcoin" {
		t.Fatalf("network = %s, want bitcoin", id.Network.String())
	}
	if !bytes.Equal(id.GenesisBytes, wantGenesis) {
		t.Fatalf("genesis bytes = %x, want %x", id.GenesisBytes, wantGenesis)
	}
}

// TestEncodeNibblePackingVector is spec vector #3: encoding a custom
// (non-named) network number exercises the nibble-packing path rather
// than the short named-network form.
func TestEncodeNibblePackingVector(t *testing.T) {
	genesis, err := hex.DecodeString("021fd28f958722fd58ee53e56ca7b444a22d89b4985e256c8dd7699e74a97c5c39")
	if err != nil {
		t.Fatalf("decode hex fixture: %v", err)
	}
	net, err := Custom(1)
	if err != nil {
		t.Fatalf("custom network: %v", err)
	}

	const want = "did:btcr2:k1psppl550jkrj9l2caef72m98k3z2ytvfkjv9uftv3htkn8n54979cwg5ht5py"
	got, err := Encode(Key, 1, net, genesis)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got != want {
		t.Fatalf("encode = %s, want %s", got, want)
	}

	// And it must decode back to the same tuple.
	id, err := Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !id.Network.IsCustom() || id.Network.String() != "1" {
		t.Fatalf("network = %+v, want custom 1", id.Network)
	}
	if !bytes.Equal(id.GenesisBytes, genesis) {
		t.Fatalf("genesis bytes = %x, want %x", id.GenesisBytes, genesis)
	}
}

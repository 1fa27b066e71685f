// Package keystore persists the secp256k1 signing keys a DID controller
// needs for its beacon services to disk, encrypted at rest. It builds
// on go-ethereum's accounts/keystore package (scrypt-derived AES
// encryption, the same secp256k1 curve Ethereum accounts use) rather
// than a bespoke envelope, per
// github.com/ethereum/go-ethereum/accounts/keystore.KeyStore.
package keystore

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	ethaccounts "github.com/ethereum/go-ethereum/accounts"
	ethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/sirupsen/logrus"

	"github.com/decentralized-identity/did-btcr2-go/didmanager"
)

var log = logrus.WithField("prefix", "keystore")

var _ didmanager.Keystore = (*FileKeystore)(nil)

// indexFileName holds the beaconServiceID -> account address mapping
// go-ethereum's address-indexed KeyStore has no notion of: a beacon
// service id is a DID-URL, not an Ethereum address, so this method
// needs its own small lookup layered on top.
const indexFileName = "btcr2-index.json"

// FileKeystore maps did:btcr2 beacon service ids onto encrypted key
// files in an on-disk go-ethereum keystore directory. Every key is
// encrypted (and later decrypted) with a single passphrase supplied at
// construction — this method's keys are held by one controlling
// process, not a multi-user wallet with per-account passphrases.
type FileKeystore struct {
	dir        string
	passphrase string
	ks         *ethkeystore.KeyStore
	index      map[string]string // beaconServiceID -> account address hex
}

// NewFileKeystore opens (creating if necessary) an encrypted keystore
// rooted at dir, using go-ethereum's StandardScryptN/P parameters, and
// loads any existing beaconServiceID index from a previous run.
func NewFileKeystore(dir, passphrase string) (*FileKeystore, error) {
	f := &FileKeystore{
		dir:        dir,
		passphrase: passphrase,
		ks:         ethkeystore.NewKeyStore(dir, ethkeystore.StandardScryptN, ethkeystore.StandardScryptP),
		index:      map[string]string{},
	}
	if err := f.loadIndex(); err != nil {
		return nil, err
	}
	return f, nil
}

// Put imports key into the keystore under beaconServiceID, overwriting
// any key previously registered for that id.
func (f *FileKeystore) Put(beaconServiceID string, key *btcec.PrivateKey) error {
	acc, err := f.ks.ImportECDSA(key.ToECDSA(), f.passphrase)
	if err != nil {
		return fmt.Errorf("keystore: import key for %s: %w", beaconServiceID, err)
	}
	f.index[beaconServiceID] = acc.Address.Hex()
	if err := f.saveIndex(); err != nil {
		return fmt.Errorf("keystore: persist index after importing %s: %w", beaconServiceID, err)
	}
	log.WithField("beaconService", beaconServiceID).Info("stored signing key")
	return nil
}

// GetKey implements didmanager.Keystore: it resolves beaconServiceID to
// its go-ethereum account, round-trips it through Export/DecryptKey to
// recover the underlying ECDSA key (go-ethereum's KeyStore otherwise
// only hands out a signing function, never the raw key, which the
// bip340-jcs-2025 and schnorr signing this method needs can't use
// directly), and converts it back to a secp256k1 private key.
func (f *FileKeystore) GetKey(beaconServiceID string) (*btcec.PrivateKey, error) {
	addrHex, ok := f.index[beaconServiceID]
	if !ok {
		return nil, fmt.Errorf("keystore: no key registered for beacon service %s", beaconServiceID)
	}
	acc, err := f.findAccount(addrHex)
	if err != nil {
		return nil, fmt.Errorf("keystore: locate account for %s: %w", beaconServiceID, err)
	}

	keyJSON, err := f.ks.Export(acc, f.passphrase, f.passphrase)
	if err != nil {
		return nil, fmt.Errorf("keystore: export key for %s: %w", beaconServiceID, err)
	}
	key, err := ethkeystore.DecryptKey(keyJSON, f.passphrase)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt key for %s: %w", beaconServiceID, err)
	}
	return btcec.PrivKeyFromBytes(padTo32(key.PrivateKey.D)), nil
}

func (f *FileKeystore) findAccount(addrHex string) (ethaccounts.Account, error) {
	for _, acc := range f.ks.Accounts() {
		if acc.Address.Hex() == addrHex {
			return acc, nil
		}
	}
	return ethaccounts.Account{}, fmt.Errorf("no account found for address %s", addrHex)
}

func (f *FileKeystore) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(f.dir, indexFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keystore: read index: %w", err)
	}
	return json.Unmarshal(raw, &f.index)
}

func (f *FileKeystore) saveIndex() error {
	raw, err := json.MarshalIndent(f.index, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal index: %w", err)
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("keystore: create keystore dir: %w", err)
	}
	return os.WriteFile(filepath.Join(f.dir, indexFileName), raw, 0o600)
}

// padTo32 left-pads d's big-endian bytes to exactly 32 bytes, since
// big.Int.Bytes() strips leading zeros that PrivKeyFromBytes requires
// to interpret the value as a fixed-width secp256k1 scalar.
func padTo32(d *big.Int) []byte {
	b := d.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

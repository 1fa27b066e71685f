package diddoc

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/decentralized-identity/did-btcr2-go/identifier"
	"github.com/decentralized-identity/did-btcr2-go/multikey"
)

// ChaincfgParams maps a did:btcr2 network onto the btcsuite address-
// version parameters used to derive the three beacon addresses. btcd
// ships no distinct testnet4 parameter set, so testnet4 borrows
// testnet3's (both use the same address-prefix scheme).
func ChaincfgParams(network identifier.Network) *chaincfg.Params {
	if network.IsCustom() {
		return &chaincfg.SigNetParams
	}
	switch network.String() {
	case "bitcoin":
		return &chaincfg.MainNetParams
	case "signet", "mutinynet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "testnet3", "testnet4":
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.SigNetParams
	}
}

// FromSecp256k1Key builds the initial DID document for a freshly generated
// key-type identifier: one Multikey verification method referenced by
// authentication, assertionMethod, capabilityDelegation and
// capabilityInvocation (not keyAgreement — this Multikey is a signing key,
// not a key-exchange key), and three SingletonBeacon services over the
// key's P2PKH, P2WPKH and P2TR addresses, per spec.md §4.3's "genesis
// document" construction and libbtcr2's Btcr2DIDDocumentBuilder.from_secp256k1_key.
func FromSecp256k1Key(pub *btcec.PublicKey, network identifier.Network, version int) (*Document, error) {
	did, err := identifier.Encode(identifier.Key, version, network, pub.SerializeCompressed())
	if err != nil {
		return nil, fmt.Errorf("diddoc: encode identifier: %w", err)
	}

	vmID := did + "#initialKey"
	vm := VerificationMethod{
		ID:                 vmID,
		Type:               MultikeyType,
		Controller:         did,
		PublicKeyMultibase: multikey.PublicKeyMultibase(pub),
	}

	params := ChaincfgParams(network)
	pubKeyBytes := pub.SerializeCompressed()
	pubKeyHash := btcutil.Hash160(pubKeyBytes)

	p2pkhAddr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, fmt.Errorf("diddoc: derive p2pkh address: %w", err)
	}
	p2wpkhAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return nil, fmt.Errorf("diddoc: derive p2wpkh address: %w", err)
	}
	taprootOutputKey := txscript.ComputeTaprootOutputKey(pub, nil)
	p2trAddr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootOutputKey), params)
	if err != nil {
		return nil, fmt.Errorf("diddoc: derive p2tr address: %w", err)
	}

	doc := &Document{
		Context:              DefaultContext(),
		ID:                   did,
		VerificationMethod:   []VerificationMethod{vm},
		Authentication:       []string{vmID},
		AssertionMethod:      []string{vmID},
		CapabilityDelegation: []string{vmID},
		CapabilityInvocation: []string{vmID},
		Service: []Service{
			NewSingletonBeacon(did+"#initialP2PKH", p2pkhAddr.EncodeAddress()),
			NewSingletonBeacon(did+"#initialP2WPKH", p2wpkhAddr.EncodeAddress()),
			NewSingletonBeacon(did+"#initialP2TR", p2trAddr.EncodeAddress()),
		},
	}

	log.WithFields(map[string]interface{}{"did": did, "network": network.String()}).Info("built genesis document")
	return doc, nil
}

package update

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/decentralized-identity/did-btcr2-go/canonical"
	"github.com/decentralized-identity/did-btcr2-go/errs"
)

// DataIntegrityProof fields fixed by this method (libbtcr2 constants.py).
const (
	ProofType                        = "DataIntegrityProof"
	Cryptosuite                      = "bip340-jcs-2025"
	ProofPurposeCapabilityInvocation = "capabilityInvocation"
	CapabilityActionWrite            = "Write"
)

// ProofOptions is a DataIntegrityProof's fields excluding proofValue — the
// "proof config" that gets hashed alongside the payload during signing and
// verification.
type ProofOptions struct {
	Type               string `json:"type"`
	Cryptosuite        string `json:"cryptosuite"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	Capability         string `json:"capability"`
	CapabilityAction   string `json:"capabilityAction"`
}

// Proof is a complete DataIntegrityProof: options plus the multibase
// (base58btc) encoded BIP-340 Schnorr signature.
type Proof struct {
	ProofOptions
	ProofValue string `json:"proofValue"`
}

// RootCapability builds the "urn:zcap:root:<percent-encoded-did>"
// capability id a proof invokes, matching updater.py's
// f"urn:zcap:root:{urllib.parse.quote(self.current_document.id)}".
func RootCapability(did string) string {
	return "urn:zcap:root:" + quotePath(did)
}

// quotePath percent-encodes s the way Python's urllib.parse.quote(s) does
// with its default safe="/": unreserved characters (letters, digits,
// "-_.~") and "/" pass through unescaped; everything else, including ":",
// becomes an uppercase %XX escape. This differs from net/url's
// PathEscape/QueryEscape (PathEscape leaves ":" unescaped, both escape
// "/", and QueryEscape escapes space as "+" rather than "%20"), so a
// dedicated encoder is needed to
// reproduce the same capability id libbtcr2 computes for a given DID.
func quotePath(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~', c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0F])
		}
	}
	return b.String()
}

// signingDigest computes the single 32-byte message BIP-340 signs: the
// SHA-256 of SHA-256(JCS(proof options)) concatenated with
// SHA-256(JCS(payload)) — the same two-part "hash the proof config, hash
// the document, combine" shape the VC Data Integrity cryptosuites use,
// collapsed to one digest since schnorr.Sign takes a fixed 32-byte
// message rather than an arbitrary-length one.
func signingDigest(opts ProofOptions, payload Payload) ([32]byte, error) {
	optsHash, err := canonical.Hash(opts)
	if err != nil {
		return [32]byte{}, fmt.Errorf("update: hash proof options: %w", err)
	}
	payloadHash, err := canonical.Hash(payload)
	if err != nil {
		return [32]byte{}, fmt.Errorf("update: hash payload: %w", err)
	}
	combined := make([]byte, 0, 64)
	combined = append(combined, optsHash[:]...)
	combined = append(combined, payloadHash[:]...)
	return sha256.Sum256(combined), nil
}

// SignProof produces a Proof over payload using opts and signingKey.
func SignProof(payload Payload, opts ProofOptions, signingKey *btcec.PrivateKey) (*Proof, error) {
	digest, err := signingDigest(opts, payload)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(signingKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: schnorr sign: %v", errs.ErrInvalidUpdateProof, err)
	}
	return &Proof{ProofOptions: opts, ProofValue: "z" + base58.Encode(sig.Serialize())}, nil
}

// VerifyProof checks proof's signature over payload against pub.
func VerifyProof(payload Payload, proof Proof, pub *btcec.PublicKey) (bool, error) {
	if !strings.HasPrefix(proof.ProofValue, "z") {
		return false, fmt.Errorf("%w: proofValue missing base58btc multibase prefix", errs.ErrInvalidUpdateProof)
	}
	digest, err := signingDigest(proof.ProofOptions, payload)
	if err != nil {
		return false, err
	}
	sigBytes := base58.Decode(proof.ProofValue[1:])
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("%w: parse schnorr signature: %v", errs.ErrInvalidUpdateProof, err)
	}
	return sig.Verify(digest[:], pub), nil
}

// FinalizeUpdatePayload signs payload with signingKey under vmID,
// immediately self-verifies the resulting proof (as updater.py's
// finalize_update_payload does before ever returning a secured payload to
// a caller), and — only on success — advances the engine's current
// document to the target document, closing out this update.
func (e *Engine) FinalizeUpdatePayload(payload *Payload, vmID string, signingKey *btcec.PrivateKey) (*SecuredPayload, error) {
	opts := ProofOptions{
		Type:               ProofType,
		Cryptosuite:        Cryptosuite,
		VerificationMethod: vmID,
		ProofPurpose:       ProofPurposeCapabilityInvocation,
		Capability:         RootCapability(e.CurrentDocument.ID),
		CapabilityAction:   CapabilityActionWrite,
	}

	proof, err := SignProof(*payload, opts, signingKey)
	if err != nil {
		return nil, err
	}

	ok, err := VerifyProof(*payload, *proof, signingKey.PubKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: self-verification of freshly signed proof failed", errs.ErrInvalidUpdateProof)
	}

	e.CurrentDocument = e.TargetDocument.Clone()
	e.CurrentVersion = payload.TargetVersionID

	log.WithFields(map[string]interface{}{"verificationMethod": vmID, "targetVersionId": payload.TargetVersionID}).
		Info("finalized update payload")
	return &SecuredPayload{Payload: *payload, Proof: *proof}, nil
}

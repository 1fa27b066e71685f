// Package update implements the did:btcr2 update payload: JSON-Patch
// construction against a document builder, the hash-chain self-check
// (validate_update), and the DataIntegrityProof (bip340-jcs-2025)
// signing/verification that finalizes a payload for broadcast, per
// spec.md §4.5 and libbtcr2/diddoc/updater.py.
package update

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/sirupsen/logrus"

	"github.com/decentralized-identity/did-btcr2-go/canonical"
	"github.com/decentralized-identity/did-btcr2-go/diddoc"
	"github.com/decentralized-identity/did-btcr2-go/errs"
)

var log = logrus.WithField("prefix", "update")

// Update payload @context entries (libbtcr2 constants.py UPDATE_PAYLOAD_CONTEXT).
const (
	SecurityV2Context    = "https://w3id.org/security/v2"
	ZcapV1Context        = "https://w3id.org/zcap/v1"
	JSONLDPatchV1Context = "https://w3id.org/json-ld-patch/v1"
)

// DefaultUpdateContext is the @context every update payload carries.
func DefaultUpdateContext() []string {
	return []string{SecurityV2Context, ZcapV1Context, JSONLDPatchV1Context}
}

// PatchOp is a single RFC 6902 JSON-Patch operation. Only "add" is
// produced by Engine — updates to this method only ever append new
// verification methods or services (spec.md §4.5's add_verification_method
// / add_service), never remove or replace existing ones.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// Payload is an unsigned update payload: the patch plus the hash chain
// linking it to the document it was built against.
type Payload struct {
	Context         []string  `json:"@context"`
	Patch           []PatchOp `json:"patch"`
	SourceHash      string    `json:"sourceHash"`
	TargetHash      string    `json:"targetHash"`
	TargetVersionID int       `json:"targetVersionId"`
}

// SecuredPayload is a Payload with its DataIntegrityProof attached — the
// form that gets committed to in a beacon signal and, eventually,
// broadcast via a sidecar or CAS.
type SecuredPayload struct {
	Payload
	Proof Proof `json:"proof"`
}

// Engine builds one update against a starting document: it tracks the
// target document (mutated in place as operations are added) alongside
// the JSON-Patch ops describing those mutations, mirroring
// Btcr2DIDDocumentUpdater's builder + update_patch pair.
type Engine struct {
	CurrentDocument *diddoc.Document
	CurrentVersion  int
	TargetDocument  *diddoc.Document
	Patch           []PatchOp
}

// NewEngine starts an update against currentDocument at currentVersion.
func NewEngine(currentDocument *diddoc.Document, currentVersion int) *Engine {
	return &Engine{
		CurrentDocument: currentDocument,
		CurrentVersion:  currentVersion,
		TargetDocument:  currentDocument.Clone(),
	}
}

// AddVerificationMethod appends vm to the target document and records the
// corresponding "add" patch op at the pre-append index, matching
// updater.py's add_verification_method.
func (e *Engine) AddVerificationMethod(vm diddoc.VerificationMethod) {
	path := fmt.Sprintf("/verificationMethod/%d", len(e.TargetDocument.VerificationMethod))
	e.TargetDocument.VerificationMethod = append(e.TargetDocument.VerificationMethod, vm)
	e.Patch = append(e.Patch, PatchOp{Op: "add", Path: path, Value: vm})
}

// AddService appends s to the target document and records the
// corresponding "add" patch op, matching updater.py's add_service.
func (e *Engine) AddService(s diddoc.Service) {
	path := fmt.Sprintf("/service/%d", len(e.TargetDocument.Service))
	e.TargetDocument.Service = append(e.TargetDocument.Service, s)
	e.Patch = append(e.Patch, PatchOp{Op: "add", Path: path, Value: s})
}

// ValidateUpdate re-applies Patch to CurrentDocument and checks the result
// hashes the same as TargetDocument — the self-check validate_update
// performs before a payload is ever signed, catching an engine call that
// mutated TargetDocument without recording a matching patch op (or vice
// versa).
func (e *Engine) ValidateUpdate() error {
	currentJSON, err := json.Marshal(e.CurrentDocument)
	if err != nil {
		return fmt.Errorf("update: marshal current document: %w", err)
	}
	patchJSON, err := json.Marshal(e.Patch)
	if err != nil {
		return fmt.Errorf("update: marshal patch: %w", err)
	}
	decoded, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return fmt.Errorf("update: decode json patch: %w", err)
	}
	patchedJSON, err := decoded.Apply(currentJSON)
	if err != nil {
		return fmt.Errorf("update: apply json patch: %w", err)
	}

	var patched map[string]interface{}
	if err := json.Unmarshal(patchedJSON, &patched); err != nil {
		return fmt.Errorf("update: unmarshal patched document: %w", err)
	}
	nextHash, err := canonical.Hash(patched)
	if err != nil {
		return fmt.Errorf("update: hash patched document: %w", err)
	}
	targetHash, err := e.TargetDocument.Canonicalize()
	if err != nil {
		return fmt.Errorf("update: hash target document: %w", err)
	}
	if nextHash != targetHash {
		return fmt.Errorf("%w: patch applied to current document does not match target document", errs.ErrInvalidUpdate)
	}
	return nil
}

// ConstructUpdatePayload validates the pending patch and builds the
// unsigned payload carrying the hash chain to CurrentDocument.
func (e *Engine) ConstructUpdatePayload() (*Payload, error) {
	if err := e.ValidateUpdate(); err != nil {
		return nil, err
	}
	sourceHash, err := canonical.Base58Hash(e.CurrentDocument)
	if err != nil {
		return nil, fmt.Errorf("update: hash source document: %w", err)
	}
	targetHash, err := canonical.Base58Hash(e.TargetDocument)
	if err != nil {
		return nil, fmt.Errorf("update: hash target document: %w", err)
	}

	payload := &Payload{
		Context:         DefaultUpdateContext(),
		Patch:           e.Patch,
		SourceHash:      sourceHash,
		TargetHash:      targetHash,
		TargetVersionID: e.CurrentVersion + 1,
	}
	log.WithFields(logrus.Fields{"targetVersionId": payload.TargetVersionID}).Debug("constructed update payload")
	return payload, nil
}

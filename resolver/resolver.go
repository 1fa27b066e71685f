// Package resolver implements did:btcr2 resolution: decoding the
// identifier, bootstrapping the initial document (deterministically for
// a KEY identifier, via sidecar validation for an EXTERNAL one), and
// walking the beacon-signal history block by block to fold every
// confirmed update into a target document, per spec.md §4.7/§4.8 and
// libbtcr2's resolver.py Btcr2Resolver. Unlike resolver.py's
// traverse_blockchain_history, which recurses one call per block, this
// walks the same history with a plain loop — recursion depth would
// otherwise track chain height, which has no natural bound.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/decentralized-identity/did-btcr2-go/canonical"
	"github.com/decentralized-identity/did-btcr2-go/diddoc"
	"github.com/decentralized-identity/did-btcr2-go/didmanager"
	"github.com/decentralized-identity/did-btcr2-go/errs"
	"github.com/decentralized-identity/did-btcr2-go/explorer"
	"github.com/decentralized-identity/did-btcr2-go/explorer/esplora"
	"github.com/decentralized-identity/did-btcr2-go/identifier"
	"github.com/decentralized-identity/did-btcr2-go/multikey"
	"github.com/decentralized-identity/did-btcr2-go/netconfig"
	"github.com/decentralized-identity/did-btcr2-go/update"
)

var log = logrus.WithField("prefix", "resolver")

// genesisCoinbaseTxid is resolver.py's GENESIS_COINBASE: an input
// spending this txid (alongside the conventional all-zero coinbase
// txid) marks a transaction input as a coinbase rather than a genuine
// beacon spend, so neither should ever be mistaken for one.
const genesisCoinbaseTxid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

var coinbaseTxids = map[string]bool{
	genesisCoinbaseTxid: true,
	"0000000000000000000000000000000000000000000000000000000000000000": true,
}

// SidecarData is the out-of-band material a caller supplies alongside
// resolution options: an EXTERNAL identifier's initial document (if not
// separately retrievable), and the secured update payload committed to
// by each beacon signal, keyed by that signal's transaction id —
// exactly didmanager.SidecarData's shape, since it's the controller side
// of the same data a resolver consumes.
type SidecarData = didmanager.SidecarData

// Options mirrors spec.md §4.7's resolution options: at most one of
// VersionID/VersionTime may be set; SidecarData, if present, lets the
// resolver skip CAS retrieval for both the initial document and
// individual beacon-signal payloads.
type Options struct {
	VersionID   *int
	VersionTime *int64
	SidecarData *SidecarData
}

// DocumentMetadata is the didDocumentMetadata object Resolve returns
// alongside the resolved document.
type DocumentMetadata struct {
	Network   string
	VersionID int
}

// Result is the full resolution result: the document and its metadata.
type Result struct {
	Document *diddoc.Document
	Metadata DocumentMetadata
}

// Resolver resolves did:btcr2 identifiers against one explorer.Client
// per supported network, mirroring Btcr2Resolver's self.networks table.
type Resolver struct {
	Networks map[string]explorer.Client
}

// New builds a Resolver directly from a network-name -> explorer.Client
// table, for callers (tests, or anything not going through esplora) that
// already have clients in hand.
func New(networks map[string]explorer.Client) *Resolver {
	return &Resolver{Networks: networks}
}

// NewFromNetConfig builds a Resolver with one esplora-compatible client
// per entry in defs, mirroring Btcr2Resolver.configure_networks.
func NewFromNetConfig(defs map[string]netconfig.NetworkDefinition) *Resolver {
	networks := make(map[string]explorer.Client, len(defs))
	for name, def := range defs {
		networks[name] = esplora.New(def.EsploraAPI)
	}
	return New(networks)
}

// Resolve decodes did, builds its initial document, and folds every
// confirmed update up to the requested version/time into a target
// document, per Btcr2Resolver.resolve.
func (r *Resolver) Resolve(ctx context.Context, did string, opts Options) (*Result, error) {
	_, span := trace.StartSpan(ctx, "resolver.Resolve")
	defer span.End()

	id, err := identifier.Decode(did)
	if err != nil {
		return nil, err
	}

	client, ok := r.Networks[id.Network.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnsupportedNetwork, id.Network.String())
	}

	log.WithFields(logrus.Fields{"did": did, "type": id.Type, "network": id.Network.String()}).Info("resolving did")

	var initialDoc *diddoc.Document
	switch id.Type {
	case identifier.Key:
		initialDoc, err = resolveDeterministic(did, id)
	case identifier.External:
		initialDoc, err = resolveExternal(did, id, opts)
	default:
		err = fmt.Errorf("%w: unrecognized identifier type", errs.ErrInvalidDid)
	}
	if err != nil {
		return nil, err
	}

	targetDoc, versionID, err := resolveTargetDocument(client, initialDoc, opts)
	if err != nil {
		return nil, err
	}

	return &Result{
		Document: targetDoc,
		Metadata: DocumentMetadata{Network: id.Network.String(), VersionID: versionID},
	}, nil
}

// resolveDeterministic rebuilds a KEY identifier's genesis document from
// its embedded public key and checks the rebuilt document's own id
// matches the identifier being resolved, per resolve_deterministic.
func resolveDeterministic(did string, id identifier.Identifier) (*diddoc.Document, error) {
	pub, err := btcec.ParsePubKey(id.GenesisBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse genesis public key: %v", errs.ErrInvalidDid, err)
	}
	doc, err := diddoc.FromSecp256k1Key(pub, id.Network, id.Version)
	if err != nil {
		return nil, err
	}
	if doc.ID != did {
		return nil, fmt.Errorf("%w: rebuilt document id does not match identifier", errs.ErrInvalidDid)
	}
	return doc, nil
}

// resolveExternal recovers an EXTERNAL identifier's initial document
// from sidecar data (CAS retrieval is out of scope, per SPEC_FULL.md
// §4's "Aggregated beacons"/CAS non-goal), and checks it hashes to the
// identifier's genesis bytes, per resolve_external.
func resolveExternal(did string, id identifier.Identifier, opts Options) (*diddoc.Document, error) {
	if opts.SidecarData == nil || opts.SidecarData.InitialDocument == nil {
		return nil, fmt.Errorf("%w: content-addressed retrieval of external initial document", errs.ErrNotImplemented)
	}

	initialDoc := opts.SidecarData.InitialDocument
	intermediate := initialDoc.UnbindPlaceholder(did)
	hash, err := intermediate.Canonicalize()
	if err != nil {
		return nil, fmt.Errorf("resolver: canonicalize sidecar initial document: %w", err)
	}
	if len(id.GenesisBytes) != 32 || string(hash[:]) != string(id.GenesisBytes) {
		return nil, fmt.Errorf("%w: sidecar initial document does not match identifier genesis bytes", errs.ErrInvalidSidecarData)
	}
	return initialDoc, nil
}

// resolveTargetDocument folds confirmed beacon-signal updates into
// initialDoc up to the version/time opts requests, mirroring
// resolve_target_document + traverse_blockchain_history collapsed into
// one loop.
func resolveTargetDocument(client explorer.Client, initialDoc *diddoc.Document, opts Options) (*diddoc.Document, int, error) {
	if opts.VersionID != nil && opts.VersionTime != nil {
		return nil, 0, fmt.Errorf("%w: cannot set both versionId and versionTime", errs.ErrInvalidResolutionOptions)
	}

	versionTime := opts.VersionTime
	if opts.VersionID == nil && versionTime == nil {
		now := time.Now().Unix()
		versionTime = &now
	}

	if opts.VersionID != nil && *opts.VersionID == 1 {
		return initialDoc, 1, nil
	}

	var updateHashHistory [][32]byte
	blockHeight := 0
	currentVersionID := 1
	contemporaryDoc := initialDoc.Clone()
	contemporarySourceHash, err := canonical.Base58Hash(contemporaryDoc)
	if err != nil {
		return nil, 0, fmt.Errorf("resolver: hash initial document: %w", err)
	}

	for {
		beacons := contemporaryDoc.BeaconServices()
		signals, err := findNextSignals(client, beacons, blockHeight)
		if err != nil {
			return nil, 0, err
		}
		if len(signals) == 0 {
			break
		}
		if versionTime != nil && signals[0].BlockTime > *versionTime {
			break
		}
		blockHeight = signals[0].BlockHeight

		updates, err := processBeaconSignals(signals, opts.SidecarData)
		if err != nil {
			return nil, 0, err
		}
		sort.Slice(updates, func(i, j int) bool { return updates[i].TargetVersionID < updates[j].TargetVersionID })

		for _, upd := range updates {
			switch {
			case upd.TargetVersionID <= currentVersionID:
				if err := confirmDuplicateUpdate(upd, updateHashHistory); err != nil {
					return nil, 0, err
				}
			case upd.TargetVersionID == currentVersionID+1:
				if upd.SourceHash != contemporarySourceHash {
					return nil, 0, &errs.LatePublishingError{
						TargetVersionID:  upd.TargetVersionID,
						CurrentVersionID: currentVersionID,
						Reason:           "update's sourceHash does not match the contemporary document",
					}
				}

				next, err := applyUpdate(contemporaryDoc, upd)
				if err != nil {
					return nil, 0, err
				}
				contemporaryDoc = next
				currentVersionID++

				updateHash, err := canonical.Hash(upd)
				if err != nil {
					return nil, 0, err
				}
				updateHashHistory = append(updateHashHistory, updateHash)

				contemporarySourceHash, err = canonical.Base58Hash(contemporaryDoc)
				if err != nil {
					return nil, 0, err
				}

				if opts.VersionID != nil && currentVersionID == *opts.VersionID {
					return contemporaryDoc, currentVersionID, nil
				}
			default:
				return nil, 0, &errs.LatePublishingError{
					TargetVersionID:  upd.TargetVersionID,
					CurrentVersionID: currentVersionID,
					Reason:           "update skips ahead of the current version",
				}
			}
		}

		blockHeight++
	}

	return contemporaryDoc, currentVersionID, nil
}

// signal is one beacon transaction found at or after a starting block
// height, paired with the beacon service it was found on.
type signal struct {
	BeaconID    string
	Tx          explorer.Transaction
	BlockHeight int
	BlockTime   int64
}

// findNextSignals scans every beacon's transaction history for
// transactions confirmed at or after fromHeight that spend from the
// beacon's own address, then narrows the result to the earliest block
// height found — mirroring find_next_signals, including its coinbase
// input exclusion (a coinbase input has no real prevout address to
// match against, so it would never match anyway, but is skipped
// explicitly to mirror the Python's intent).
func findNextSignals(client explorer.Client, beacons []diddoc.Service, fromHeight int) ([]signal, error) {
	var signals []signal
	for _, b := range beacons {
		address := b.Address()
		txs, err := client.GetAddressTransactions(address)
		if err != nil {
			return nil, fmt.Errorf("resolver: get transactions for beacon %s: %w", b.ID, err)
		}
		for _, tx := range txs {
			if !tx.Confirmed || tx.BlockHeight < fromHeight {
				continue
			}
			spendsFromBeacon := false
			for _, in := range tx.Inputs {
				if in.Coinbase || coinbaseTxids[in.PrevTxid] {
					continue
				}
				if in.Address == address {
					spendsFromBeacon = true
					break
				}
			}
			if !spendsFromBeacon {
				continue
			}
			signals = append(signals, signal{BeaconID: b.ID, Tx: tx, BlockHeight: tx.BlockHeight, BlockTime: tx.BlockTime})
		}
	}

	sort.Slice(signals, func(i, j int) bool { return signals[i].BlockHeight < signals[j].BlockHeight })
	if len(signals) > 0 {
		minHeight := signals[0].BlockHeight
		filtered := signals[:0]
		for _, s := range signals {
			if s.BlockHeight == minHeight {
				filtered = append(filtered, s)
			}
		}
		signals = filtered
	}
	return signals, nil
}

// processBeaconSignals recovers the secured update payload each signal
// committed to, checking the sidecar-supplied payload's hash against the
// signal's OP_RETURN commitment, per process_beacon_signals /
// process_singleton_beacon_signal. CAS retrieval of a payload with no
// sidecar data is out of scope, matching the unsigned CID branch
// resolver.py leaves unimplemented.
func processBeaconSignals(signals []signal, sidecarData *SidecarData) ([]update.SecuredPayload, error) {
	var updates []update.SecuredPayload
	for _, sig := range signals {
		if len(sig.Tx.OpReturnData) != 32 {
			log.WithField("txid", sig.Tx.Txid).Warn("not a beacon signal")
			continue
		}
		var commitment [32]byte
		copy(commitment[:], sig.Tx.OpReturnData)

		if sidecarData == nil || sidecarData.SignalsMetadata == nil {
			return nil, fmt.Errorf("%w: content-addressed retrieval of beacon signal payload", errs.ErrNotImplemented)
		}
		meta, ok := sidecarData.SignalsMetadata[sig.Tx.Txid]
		if !ok {
			return nil, fmt.Errorf("%w: no sidecar metadata for beacon signal %s", errs.ErrInvalidSidecarData, sig.Tx.Txid)
		}

		hash, err := canonical.Hash(meta.UpdatePayload)
		if err != nil {
			return nil, fmt.Errorf("resolver: hash sidecar update payload: %w", err)
		}
		if hash != commitment {
			return nil, fmt.Errorf("%w: sidecar update payload does not match beacon commitment", errs.ErrInvalidSidecarData)
		}
		updates = append(updates, meta.UpdatePayload)
	}
	return updates, nil
}

// confirmDuplicateUpdate checks a re-seen update (targetVersionId at or
// below the version already reached) against updateHashHistory, per
// confirm_duplicate_update.
func confirmDuplicateUpdate(upd update.SecuredPayload, history [][32]byte) error {
	index := upd.TargetVersionID - 2
	if index < 0 || index >= len(history) {
		return &errs.LatePublishingError{TargetVersionID: upd.TargetVersionID, Reason: "duplicate update references a version never reached"}
	}
	hash, err := canonical.Hash(upd)
	if err != nil {
		return err
	}
	if hash != history[index] {
		return &errs.LatePublishingError{TargetVersionID: upd.TargetVersionID, Reason: "duplicate update does not match previously folded update"}
	}
	return nil
}

// applyUpdate verifies upd's proof against the verification method it
// names in contemporaryDoc, applies its JSON patch, and checks the raw
// patch result's hash against upd's targetHash — then re-hashes the
// typed diddoc.Document it unmarshals that same patch result into and
// requires the two hashes to agree, per apply_did_update's
// target_hash/test_hash/compare_dictionaries sequence.
func applyUpdate(contemporaryDoc *diddoc.Document, upd update.SecuredPayload) (*diddoc.Document, error) {
	if update.RootCapability(contemporaryDoc.ID) != upd.Proof.Capability {
		return nil, fmt.Errorf("%w: proof capability does not match this document's root capability", errs.ErrInvalidUpdateProof)
	}

	vm, err := findVerificationMethod(contemporaryDoc, upd.Proof.VerificationMethod)
	if err != nil {
		return nil, err
	}
	pub, err := multikey.DecodePublicKeyMultibase(vm.PublicKeyMultibase)
	if err != nil {
		return nil, fmt.Errorf("resolver: decode verification method key: %w", err)
	}

	ok, err := update.VerifyProof(upd.Payload, upd.Proof, pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: signature verification failed", errs.ErrInvalidUpdateProof)
	}

	currentJSON, err := json.Marshal(contemporaryDoc)
	if err != nil {
		return nil, fmt.Errorf("resolver: marshal contemporary document: %w", err)
	}
	patchJSON, err := json.Marshal(upd.Patch)
	if err != nil {
		return nil, fmt.Errorf("resolver: marshal patch: %w", err)
	}
	decoded, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("resolver: decode json patch: %w", err)
	}
	patchedJSON, err := decoded.Apply(currentJSON)
	if err != nil {
		return nil, fmt.Errorf("resolver: apply json patch: %w", err)
	}

	// Hash the patch result as a raw, untyped dictionary first — this is
	// the value the update's targetHash actually commits to — before
	// round-tripping it through diddoc.Document, matching apply_did_update's
	// target_hash/test_hash pair.
	var rawPatched map[string]interface{}
	if err := json.Unmarshal(patchedJSON, &rawPatched); err != nil {
		return nil, fmt.Errorf("resolver: unmarshal patched document: %w", err)
	}
	rawHash, err := canonical.Base58Hash(rawPatched)
	if err != nil {
		return nil, fmt.Errorf("resolver: hash patched document: %w", err)
	}
	if rawHash != upd.TargetHash {
		return nil, &errs.LatePublishingError{TargetVersionID: upd.TargetVersionID, Reason: "patched document hash does not match update's targetHash"}
	}

	var target diddoc.Document
	if err := json.Unmarshal(patchedJSON, &target); err != nil {
		return nil, fmt.Errorf("resolver: unmarshal patched document: %w", err)
	}

	// compare_dictionaries's round trip: re-hash the typed struct and
	// check it against the raw hash above. A field diddoc.Document can't
	// represent would silently vanish here, producing a mismatch instead
	// of a document that disagrees with its own commitment.
	typedHash, err := canonical.Base58Hash(&target)
	if err != nil {
		return nil, fmt.Errorf("resolver: hash round-tripped document: %w", err)
	}
	if typedHash != rawHash {
		return nil, &errs.LatePublishingError{TargetVersionID: upd.TargetVersionID, Reason: "typed document does not round-trip to the same hash as the raw patch result"}
	}

	return &target, nil
}

// findVerificationMethod resolves a proof's verificationMethod, which
// may be a bare "#fragment" (implicitly scoped to doc's own id, as
// libbtcr2's apply_did_update treats it) or a full "<did>#fragment".
func findVerificationMethod(doc *diddoc.Document, vmID string) (*diddoc.VerificationMethod, error) {
	full := vmID
	if len(vmID) > 0 && vmID[0] == '#' {
		full = doc.ID + vmID
	}
	for i := range doc.VerificationMethod {
		if doc.VerificationMethod[i].ID == full {
			return &doc.VerificationMethod[i], nil
		}
	}
	return nil, fmt.Errorf("%w: verification method %s not found in document", errs.ErrInvalidUpdateProof, vmID)
}

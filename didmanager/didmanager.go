// Package didmanager owns the full lifecycle of a single did:btcr2
// identifier on the creating/updating side: building its genesis
// document, constructing and signing updates against it, announcing
// those updates via its beacon services, and persisting/restoring that
// state, per spec.md §4 and libbtcr2's did_manager.py DIDManager.
package didmanager

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/decentralized-identity/did-btcr2-go/beacon"
	"github.com/decentralized-identity/did-btcr2-go/canonical"
	"github.com/decentralized-identity/did-btcr2-go/diddoc"
	"github.com/decentralized-identity/did-btcr2-go/errs"
	"github.com/decentralized-identity/did-btcr2-go/explorer"
	"github.com/decentralized-identity/did-btcr2-go/identifier"
	"github.com/decentralized-identity/did-btcr2-go/update"
)

var log = logrus.WithField("prefix", "didmanager")

// SignalMetadata records, for a single announced beacon signal, the
// secured update payload it committed to — the sidecar data a resolver
// needs to recover an update without waiting on CAS availability,
// mirroring did_manager.py's signals_metadata[signal_id]["updatePayload"].
type SignalMetadata struct {
	UpdatePayload update.SecuredPayload `json:"updatePayload"`
}

// SidecarData is the out-of-band payload a DID controller publishes
// alongside its identifier, per spec.md §4.2/§6 and
// did_manager.py's get_sidecar_data.
type SidecarData struct {
	DID             string                    `json:"did"`
	InitialDocument *diddoc.Document          `json:"initialDocument,omitempty"`
	SignalsMetadata map[string]SignalMetadata `json:"signalsMetadata,omitempty"`
}

// Persisted is the full round-trippable state of a Manager, mirroring
// did_manager.py's serialize/from_did pair.
type Persisted struct {
	DID      string           `json:"did"`
	Document *diddoc.Document `json:"document"`
	Version  int              `json:"version"`
	Sidecar  SidecarData      `json:"sidecarData"`
}

// Manager owns one did:btcr2 identifier's current document, version, and
// the beacon managers that can announce updates on its behalf, per
// did_manager.py's DIDManager.
type Manager struct {
	Network         identifier.Network
	Explorer        explorer.Client
	DID             string
	Document        *diddoc.Document
	InitialDocument *diddoc.Document // only ever set for EXTERNAL identifiers; KEY rebuilds deterministically
	Version         int
	BeaconManagers  map[string]*beacon.Manager
	SignalsMetadata map[string]SignalMetadata

	updatesFeed event.Feed
}

// Updates subscribes ch to receive the txid of every update this manager
// announces via AnnounceUpdate, the way a caller watching for confirmation
// would, per go-ethereum's event.Feed/Subscription pattern.
func (m *Manager) Updates(ch chan<- string) event.Subscription {
	return m.updatesFeed.Subscribe(ch)
}

// New constructs an empty Manager over network, ready for
// CreateDeterministic or CreateExternal.
func New(network identifier.Network, explorerClient explorer.Client) *Manager {
	return &Manager{
		Network:         network,
		Explorer:        explorerClient,
		BeaconManagers:  map[string]*beacon.Manager{},
		SignalsMetadata: map[string]SignalMetadata{},
	}
}

// CreateDeterministic builds the genesis document for a key-type
// identifier from initialKey and binds a beacon.Manager to each of its
// three SingletonBeacon services. Each service's address is re-parsed
// into its pkScript independently of the others (never assumed to be
// at a fixed array index), so the P2PKH/P2WPKH/P2TR services can come
// back from the builder in any order, matching create_deterministic's
// per-beacon lookup rather than a positional one.
func (m *Manager) CreateDeterministic(initialKey *btcec.PrivateKey, version int) (*diddoc.Document, error) {
	doc, err := diddoc.FromSecp256k1Key(initialKey.PubKey(), m.Network, version)
	if err != nil {
		return nil, fmt.Errorf("didmanager: build genesis document: %w", err)
	}

	for _, svc := range doc.BeaconServices() {
		if _, err := m.addBeaconManager(svc, initialKey); err != nil {
			return nil, fmt.Errorf("didmanager: bind beacon manager for %s: %w", svc.ID, err)
		}
	}

	m.DID = doc.ID
	m.Document = doc
	m.Version = 1
	log.WithFields(logrus.Fields{"did": m.DID, "beacons": len(m.BeaconManagers)}).Info("created deterministic did")
	return doc, nil
}

// CreateExternal binds intermediate — a document built against
// identifier.PlaceholderDID by some other process (e.g. a multi-party
// ceremony) — into a final EXTERNAL-type identifier, rejecting any
// document that doesn't carry the placeholder, per
// did_manager.py's create_external.
func (m *Manager) CreateExternal(intermediate *diddoc.Document, version int) (*diddoc.Document, error) {
	if intermediate.ID != identifier.PlaceholderDID {
		return nil, fmt.Errorf("%w: intermediate document id must be the placeholder did, got %s", errs.ErrInvalidDid, intermediate.ID)
	}

	genesisHash, err := intermediate.Canonicalize()
	if err != nil {
		return nil, fmt.Errorf("didmanager: canonicalize intermediate document: %w", err)
	}
	did, err := identifier.Encode(identifier.External, version, m.Network, genesisHash[:])
	if err != nil {
		return nil, fmt.Errorf("didmanager: encode external identifier: %w", err)
	}

	doc := intermediate.BindPlaceholder(did)
	m.DID = did
	m.Document = doc
	m.InitialDocument = doc.Clone()
	m.Version = 1
	log.WithFields(logrus.Fields{"did": m.DID}).Info("created external did")
	return doc, nil
}

// AddBeaconManager explicitly binds signingKey to svc, for beacon
// services not covered by CreateDeterministic's automatic matching (an
// externally-created document's beacons, or a beacon added by a later
// update), per did_manager.py's add_beacon_manager.
func (m *Manager) AddBeaconManager(svc diddoc.Service, signingKey *btcec.PrivateKey) (*beacon.Manager, error) {
	return m.addBeaconManager(svc, signingKey)
}

func (m *Manager) addBeaconManager(svc diddoc.Service, signingKey *btcec.PrivateKey) (*beacon.Manager, error) {
	if _, exists := m.BeaconManagers[svc.ID]; exists {
		return nil, fmt.Errorf("didmanager: beacon manager already registered for %s", svc.ID)
	}

	params := diddoc.ChaincfgParams(m.Network)
	addr, err := btcutil.DecodeAddress(svc.Address(), params)
	if err != nil {
		return nil, fmt.Errorf("didmanager: parse beacon address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("didmanager: derive beacon pkscript: %w", err)
	}

	bm := beacon.NewManager(svc.ID, m.Network, addr, pkScript, signingKey, m.Explorer)
	m.BeaconManagers[svc.ID] = bm
	return bm, nil
}

// Updater starts a fresh update engine against the manager's current
// document and version, per did_manager.py's updater().
func (m *Manager) Updater() *update.Engine {
	return update.NewEngine(m.Document, m.Version)
}

// AnnounceUpdate commits secured to the chain via the beacon manager
// registered under beaconServiceID: the commitment is the JCS-then-
// SHA-256 hash of the entire secured (signed) payload, not just its
// unsigned fields, matching announce_update's
// sha256(jcs(secured_update).encode()). The broadcast txid is recorded
// as the key into SignalsMetadata so a resolver or a later Serialize
// can recover which update a given signal carries.
func (m *Manager) AnnounceUpdate(ctx context.Context, beaconServiceID string, secured update.SecuredPayload) (string, error) {
	ctx, span := trace.StartSpan(ctx, "didmanager.AnnounceUpdate")
	defer span.End()

	bm, ok := m.BeaconManagers[beaconServiceID]
	if !ok {
		return "", fmt.Errorf("didmanager: no beacon manager registered for %s", beaconServiceID)
	}

	commitment, err := canonical.Hash(secured)
	if err != nil {
		return "", fmt.Errorf("didmanager: hash secured update: %w", err)
	}

	tx, err := bm.ConstructSignal(ctx, commitment)
	if err != nil {
		return "", fmt.Errorf("didmanager: construct beacon signal: %w", err)
	}
	txid, err := bm.Broadcast(tx)
	if err != nil {
		return "", fmt.Errorf("didmanager: broadcast beacon signal: %w", err)
	}

	m.SignalsMetadata[txid] = SignalMetadata{UpdatePayload: secured}
	m.updatesFeed.Send(txid)
	log.WithFields(logrus.Fields{"beaconService": beaconServiceID, "txid": txid}).Info("announced update")
	return txid, nil
}

// FinalizeUpdatePayload signs payload under vmID, advances the
// manager's document/version to the engine's resulting target (only
// once FinalizeUpdatePayload's internal self-verification has
// succeeded), and announces it via beaconServiceID — the same
// construct -> finalize -> advance -> announce sequence as
// did_manager.py's finalize_update_payload.
func (m *Manager) FinalizeUpdatePayload(ctx context.Context, engine *update.Engine, payload *update.Payload, vmID string, signingKey *btcec.PrivateKey, beaconServiceID string) (string, *diddoc.Document, error) {
	secured, err := engine.FinalizeUpdatePayload(payload, vmID, signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("didmanager: finalize update payload: %w", err)
	}

	m.Document = engine.CurrentDocument
	m.Version = engine.CurrentVersion

	txid, err := m.AnnounceUpdate(ctx, beaconServiceID, *secured)
	if err != nil {
		return "", nil, err
	}
	return txid, m.Document, nil
}

// GetSidecarData returns the out-of-band payload this DID's controller
// should publish alongside the identifier itself, per
// did_manager.py's get_sidecar_data.
func (m *Manager) GetSidecarData() SidecarData {
	data := SidecarData{DID: m.DID}
	if m.InitialDocument != nil {
		data.InitialDocument = m.InitialDocument
	}
	if len(m.SignalsMetadata) > 0 {
		data.SignalsMetadata = m.SignalsMetadata
	}
	return data
}

// Serialize captures the manager's full persistable state, per
// did_manager.py's serialize.
func (m *Manager) Serialize() Persisted {
	return Persisted{
		DID:      m.DID,
		Document: m.Document,
		Version:  m.Version,
		Sidecar:  m.GetSidecarData(),
	}
}

// Keystore resolves a beacon service id to the private key controlling
// it, the lookup FromDID needs to rebuild a manager's beacon.Manager set
// without the caller threading keys through by hand, matching
// did_manager.py's from_did use of keystore.get_key(beacon.id).
type Keystore interface {
	GetKey(beaconServiceID string) (*btcec.PrivateKey, error)
}

// FromDID rebuilds a Manager from persisted state, re-deriving a
// beacon.Manager for every beacon service in the restored document via
// ks, per did_manager.py's from_did.
func FromDID(persisted Persisted, network identifier.Network, explorerClient explorer.Client, ks Keystore) (*Manager, error) {
	m := New(network, explorerClient)
	m.DID = persisted.DID
	m.Document = persisted.Document
	m.Version = persisted.Version
	m.InitialDocument = persisted.Sidecar.InitialDocument
	if persisted.Sidecar.SignalsMetadata != nil {
		m.SignalsMetadata = persisted.Sidecar.SignalsMetadata
	}

	for _, svc := range m.Document.BeaconServices() {
		key, err := ks.GetKey(svc.ID)
		if err != nil {
			return nil, fmt.Errorf("didmanager: resolve key for beacon %s: %w", svc.ID, err)
		}
		if _, err := m.addBeaconManager(svc, key); err != nil {
			return nil, fmt.Errorf("didmanager: rebuild beacon manager for %s: %w", svc.ID, err)
		}
	}

	log.WithFields(logrus.Fields{"did": m.DID, "beacons": len(m.BeaconManagers)}).Info("restored did manager")
	return m, nil
}

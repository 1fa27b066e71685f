package didmanager

import (
	"context"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/decentralized-identity/did-btcr2-go/diddoc"
	"github.com/decentralized-identity/did-btcr2-go/explorer"
	"github.com/decentralized-identity/did-btcr2-go/identifier"
	"github.com/decentralized-identity/did-btcr2-go/multikey"
	"github.com/decentralized-identity/did-btcr2-go/update"
)

type fakeExplorer struct{}

func (fakeExplorer) GetAddressUTXOs(address string) ([]explorer.UTXO, error) {
	return []explorer.UTXO{{Txid: strings.Repeat("22", 32), Vout: 0, Value: 50000, Confirmed: true}}, nil
}
func (fakeExplorer) GetAddressTransactions(address string) ([]explorer.Transaction, error) {
	return nil, nil
}
func (fakeExplorer) GetTransactionHex(txid string) (string, error) { return "", nil }
func (fakeExplorer) BroadcastTx(txHex string) (string, error)      { return "unused-txid", nil }

type recordingExplorer struct {
	fakeExplorer
	broadcasted []string
}

func (r *recordingExplorer) BroadcastTx(txHex string) (string, error) {
	r.broadcasted = append(r.broadcasted, txHex)
	return "beacon-signal-txid", nil
}

func newTestManager(t *testing.T) (*Manager, *btcec.PrivateKey, *recordingExplorer) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	network, err := identifier.Named("regtest")
	if err != nil {
		t.Fatalf("named network: %v", err)
	}
	rec := &recordingExplorer{}
	m := New(network, rec)
	if _, err := m.CreateDeterministic(priv, 1); err != nil {
		t.Fatalf("create deterministic: %v", err)
	}
	return m, priv, rec
}

func TestCreateDeterministicBindsAllThreeBeacons(t *testing.T) {
	m, _, _ := newTestManager(t)
	if len(m.BeaconManagers) != 3 {
		t.Fatalf("expected 3 beacon managers, got %d", len(m.BeaconManagers))
	}
	for _, svc := range m.Document.BeaconServices() {
		if _, ok := m.BeaconManagers[svc.ID]; !ok {
			t.Fatalf("missing beacon manager for %s", svc.ID)
		}
	}
}

func TestCreateExternalRejectsNonPlaceholderDocument(t *testing.T) {
	network, _ := identifier.Named("regtest")
	m := New(network, fakeExplorer{})
	doc := &diddoc.Document{ID: "did:btcr2:k1notaplaceholder"}
	if _, err := m.CreateExternal(doc, 1); err == nil {
		t.Fatalf("expected error for non-placeholder intermediate document")
	}
}

func TestCreateExternalBindsPlaceholderDocument(t *testing.T) {
	network, _ := identifier.Named("regtest")
	m := New(network, fakeExplorer{})
	intermediate := &diddoc.Document{
		Context:        diddoc.DefaultContext(),
		ID:             identifier.PlaceholderDID,
		Controller:     []string{identifier.PlaceholderDID},
		Authentication: []string{identifier.PlaceholderDID + "#key-1"},
	}
	doc, err := m.CreateExternal(intermediate, 1)
	if err != nil {
		t.Fatalf("create external: %v", err)
	}
	if doc.ID == identifier.PlaceholderDID {
		t.Fatalf("expected placeholder to be substituted")
	}
	if doc.Authentication[0] != doc.ID+"#key-1" {
		t.Fatalf("expected substituted reference, got %s", doc.Authentication[0])
	}
	if m.DID != doc.ID {
		t.Fatalf("manager did not updated")
	}
}

func TestFinalizeUpdatePayloadAnnouncesAndAdvancesVersion(t *testing.T) {
	m, priv, rec := newTestManager(t)

	extraKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate extra key: %v", err)
	}
	vmID := m.DID + "#key-2"
	engine := m.Updater()
	engine.AddVerificationMethod(diddoc.VerificationMethod{
		ID:                 vmID,
		Type:               diddoc.MultikeyType,
		Controller:         m.DID,
		PublicKeyMultibase: multikey.PublicKeyMultibase(extraKey.PubKey()),
	})

	payload, err := engine.ConstructUpdatePayload()
	if err != nil {
		t.Fatalf("construct update payload: %v", err)
	}

	var beaconID string
	for id := range m.BeaconManagers {
		beaconID = id
		break
	}

	initialKeyVM := m.Document.VerificationMethod[0].ID
	txid, doc, err := m.FinalizeUpdatePayload(context.Background(), engine, payload, initialKeyVM, priv, beaconID)
	if err != nil {
		t.Fatalf("finalize update payload: %v", err)
	}
	if txid != "beacon-signal-txid" {
		t.Fatalf("txid = %s, want beacon-signal-txid", txid)
	}
	if m.Version != 2 {
		t.Fatalf("version = %d, want 2", m.Version)
	}
	if len(doc.VerificationMethod) != 2 {
		t.Fatalf("expected 2 verification methods after update, got %d", len(doc.VerificationMethod))
	}
	if len(rec.broadcasted) != 1 {
		t.Fatalf("expected exactly 1 broadcast, got %d", len(rec.broadcasted))
	}
	if len(m.SignalsMetadata) != 1 {
		t.Fatalf("expected 1 signal recorded, got %d", len(m.SignalsMetadata))
	}
	if _, ok := m.SignalsMetadata[txid]; !ok {
		t.Fatalf("signal metadata not recorded under broadcast txid")
	}
}

func TestUpdatesFeedReceivesAnnouncedTxid(t *testing.T) {
	m, priv, _ := newTestManager(t)

	ch := make(chan string, 1)
	sub := m.Updates(ch)
	defer sub.Unsubscribe()

	extraKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate extra key: %v", err)
	}
	vmID := m.DID + "#key-2"
	engine := m.Updater()
	engine.AddVerificationMethod(diddoc.VerificationMethod{
		ID:                 vmID,
		Type:               diddoc.MultikeyType,
		Controller:         m.DID,
		PublicKeyMultibase: multikey.PublicKeyMultibase(extraKey.PubKey()),
	})
	payload, err := engine.ConstructUpdatePayload()
	if err != nil {
		t.Fatalf("construct update payload: %v", err)
	}

	var beaconID string
	for id := range m.BeaconManagers {
		beaconID = id
		break
	}
	initialKeyVM := m.Document.VerificationMethod[0].ID
	txid, _, err := m.FinalizeUpdatePayload(context.Background(), engine, payload, initialKeyVM, priv, beaconID)
	if err != nil {
		t.Fatalf("finalize update payload: %v", err)
	}

	select {
	case got := <-ch:
		if got != txid {
			t.Fatalf("feed txid = %s, want %s", got, txid)
		}
	default:
		t.Fatalf("expected a txid on the updates feed")
	}
}

func TestAnnounceUpdateRejectsUnknownBeacon(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.AnnounceUpdate(context.Background(), "did:btcr2:k1example#nosuchbeacon", update.SecuredPayload{}); err == nil {
		t.Fatalf("expected error for unknown beacon service id")
	}
}

func TestGetSidecarDataOmitsEmptyFields(t *testing.T) {
	network, _ := identifier.Named("regtest")
	m := New(network, fakeExplorer{})
	m.DID = "did:btcr2:k1example"
	data := m.GetSidecarData()
	if data.DID != m.DID {
		t.Fatalf("unexpected did in sidecar data")
	}
	if data.InitialDocument != nil {
		t.Fatalf("expected no initial document")
	}
	if data.SignalsMetadata != nil {
		t.Fatalf("expected no signals metadata")
	}
}

func TestSerializeFromDIDRoundTrip(t *testing.T) {
	m, priv, rec := newTestManager(t)
	persisted := m.Serialize()

	ks := staticKeystore{key: priv}
	restored, err := FromDID(persisted, m.Network, rec, ks)
	if err != nil {
		t.Fatalf("from did: %v", err)
	}
	if restored.DID != m.DID {
		t.Fatalf("did mismatch after round trip")
	}
	if len(restored.BeaconManagers) != len(m.BeaconManagers) {
		t.Fatalf("beacon manager count mismatch after round trip")
	}
}

type staticKeystore struct {
	key *btcec.PrivateKey
}

func (s staticKeystore) GetKey(beaconServiceID string) (*btcec.PrivateKey, error) {
	return s.key, nil
}


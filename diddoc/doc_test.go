package diddoc

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/decentralized-identity/did-btcr2-go/identifier"
)

func testKey(t *testing.T) *btcec.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv.PubKey()
}

func TestFromSecp256k1KeyBuildsThreeBeacons(t *testing.T) {
	network, _ := identifier.Named("regtest")
	doc, err := FromSecp256k1Key(testKey(t), network, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(doc.Service) != 3 {
		t.Fatalf("expected 3 services, got %d", len(doc.Service))
	}
	for _, s := range doc.Service {
		if !s.IsBeacon() || s.Type != SingletonBeaconType {
			t.Errorf("service %s has unexpected type %s", s.ID, s.Type)
		}
	}
	if len(doc.VerificationMethod) != 1 {
		t.Fatalf("expected 1 verification method, got %d", len(doc.VerificationMethod))
	}
	vmID := doc.VerificationMethod[0].ID
	for _, rel := range [][]string{doc.Authentication, doc.AssertionMethod, doc.CapabilityDelegation, doc.CapabilityInvocation} {
		if len(rel) != 1 || rel[0] != vmID {
			t.Errorf("relationship array does not reference the sole verification method: %v", rel)
		}
	}
	if doc.KeyAgreement != nil {
		t.Errorf("expected no keyAgreement relationship, got %v", doc.KeyAgreement)
	}
}

func TestBindUnbindPlaceholderRoundTrip(t *testing.T) {
	network, _ := identifier.Named("regtest")
	doc, err := FromSecp256k1Key(testKey(t), network, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	did := doc.ID

	unbound := doc.Clone().UnbindPlaceholder(did)
	if unbound.ID != identifier.PlaceholderDID {
		t.Fatalf("expected placeholder id, got %s", unbound.ID)
	}
	if unbound.VerificationMethod[0].Controller != identifier.PlaceholderDID {
		t.Fatalf("expected placeholder controller, got %s", unbound.VerificationMethod[0].Controller)
	}
	for _, s := range unbound.Service {
		if s.ID[:len(identifier.PlaceholderDID)] != identifier.PlaceholderDID {
			t.Errorf("service id not rebound to placeholder: %s", s.ID)
		}
	}

	rebound := unbound.Clone().BindPlaceholder(did)
	if rebound.ID != did {
		t.Fatalf("expected original did restored, got %s", rebound.ID)
	}
	if rebound.VerificationMethod[0].ID != doc.VerificationMethod[0].ID {
		t.Fatalf("verification method id mismatch after round trip: got %s want %s",
			rebound.VerificationMethod[0].ID, doc.VerificationMethod[0].ID)
	}
	for i, s := range rebound.Service {
		if s.ID != doc.Service[i].ID {
			t.Errorf("service id mismatch after round trip: got %s want %s", s.ID, doc.Service[i].ID)
		}
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	network, _ := identifier.Named("regtest")
	doc, err := FromSecp256k1Key(testKey(t), network, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	h1, err := doc.Canonicalize()
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	h2, err := doc.Clone().Canonicalize()
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("canonicalize should be deterministic across clones")
	}
}

func TestBeaconServicesFiltersNonBeacons(t *testing.T) {
	doc := &Document{
		Context: DefaultContext(),
		ID:      "did:btcr2:k1example",
		Service: []Service{
			{ID: "did:btcr2:k1example#other", Type: "LinkedDomains", ServiceEndpoint: "https://example.com"},
			NewSingletonBeacon("did:btcr2:k1example#beacon", "bcrt1qexample"),
		},
	}
	beacons := doc.BeaconServices()
	if len(beacons) != 1 || beacons[0].Type != SingletonBeaconType {
		t.Fatalf("expected exactly one beacon service, got %v", beacons)
	}
}

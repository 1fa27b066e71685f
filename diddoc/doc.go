// Package diddoc implements the did:btcr2 DID document model: its field
// layout, the Multikey verification method type, beacon services, JCS
// canonicalization, and the placeholder-DID bind/unbind transform used
// while an identifier is still being derived (spec.md §3, §4.3).
package diddoc

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/decentralized-identity/did-btcr2-go/canonical"
	"github.com/decentralized-identity/did-btcr2-go/identifier"
)

var log = logrus.WithField("prefix", "diddoc")

// W3CDIDContext and BTCR2Context are the two entries every document's
// "@context" carries.
const (
	W3CDIDContext = "https://www.w3.org/TR/did-1.1"
	BTCR2Context  = "https://did-btcr2/TBD/context"
)

// DefaultContext is the @context value new documents are built with.
func DefaultContext() []string {
	return []string{W3CDIDContext, BTCR2Context}
}

// MultikeyType is the verificationMethod "type" this method uses
// exclusively.
const MultikeyType = "Multikey"

// VerificationMethod is a single entry in the document's
// "verificationMethod" array.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Document is a did:btcr2 DID document. Relationship arrays
// (authentication, assertionMethod, ...) hold verificationMethod
// reference strings only — this method's builder never embeds a
// verification method object inline inside a relationship array, so
// embedded-object relationship entries (which the DID core data model
// otherwise permits) aren't represented here.
type Document struct {
	Context              []string              `json:"@context"`
	ID                   string                `json:"id"`
	Controller           []string              `json:"controller,omitempty"`
	AlsoKnownAs          []string              `json:"alsoKnownAs,omitempty"`
	VerificationMethod   []VerificationMethod  `json:"verificationMethod,omitempty"`
	Authentication       []string              `json:"authentication,omitempty"`
	AssertionMethod      []string              `json:"assertionMethod,omitempty"`
	KeyAgreement         []string              `json:"keyAgreement,omitempty"`
	CapabilityInvocation []string              `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []string              `json:"capabilityDelegation,omitempty"`
	Service              []Service             `json:"service,omitempty"`
}

// Canonicalize returns SHA-256(JCS(doc)), the digest this method hashes
// documents to throughout the update and resolution pipeline.
func (d *Document) Canonicalize() ([32]byte, error) {
	return canonical.Hash(d)
}

// BeaconServices returns the subset of Service with a recognized beacon
// type.
func (d *Document) BeaconServices() []Service {
	var out []Service
	for _, s := range d.Service {
		if s.IsBeacon() {
			out = append(out, s)
		}
	}
	return out
}

// Clone deep-copies the document; callers mutate the copy when binding or
// unbinding the placeholder DID so the original is left untouched.
func (d *Document) Clone() *Document {
	clone := *d
	clone.Context = append([]string(nil), d.Context...)
	clone.Controller = append([]string(nil), d.Controller...)
	clone.AlsoKnownAs = append([]string(nil), d.AlsoKnownAs...)
	clone.VerificationMethod = append([]VerificationMethod(nil), d.VerificationMethod...)
	clone.Authentication = append([]string(nil), d.Authentication...)
	clone.AssertionMethod = append([]string(nil), d.AssertionMethod...)
	clone.KeyAgreement = append([]string(nil), d.KeyAgreement...)
	clone.CapabilityInvocation = append([]string(nil), d.CapabilityInvocation...)
	clone.CapabilityDelegation = append([]string(nil), d.CapabilityDelegation...)
	clone.Service = append([]Service(nil), d.Service...)
	return &clone
}

// BindPlaceholder replaces every occurrence of the placeholder DID
// (identifier.PlaceholderDID) with did across id, controller, verification
// methods, relationship references and service ids — the intermediate ->
// final document transform libbtcr2 calls to_did_document.
func (d *Document) BindPlaceholder(did string) *Document {
	return d.Clone().substituteDID(identifier.PlaceholderDID, did)
}

// UnbindPlaceholder is BindPlaceholder's inverse: it replaces did with the
// placeholder, the transform libbtcr2 calls from_did_document, used when
// deriving an intermediate document from a finalized one (e.g. to extend
// an update).
func (d *Document) UnbindPlaceholder(did string) *Document {
	return d.Clone().substituteDID(did, identifier.PlaceholderDID)
}

func (d *Document) substituteDID(from, to string) *Document {
	if d.ID == from {
		d.ID = to
	}
	for i, c := range d.Controller {
		if c == from {
			d.Controller[i] = to
		}
	}
	for i, vm := range d.VerificationMethod {
		d.VerificationMethod[i].ID = replaceDIDPrefix(vm.ID, from, to)
		if vm.Controller == from {
			d.VerificationMethod[i].Controller = to
		}
	}
	d.Authentication = substituteRefs(d.Authentication, from, to)
	d.AssertionMethod = substituteRefs(d.AssertionMethod, from, to)
	d.KeyAgreement = substituteRefs(d.KeyAgreement, from, to)
	d.CapabilityInvocation = substituteRefs(d.CapabilityInvocation, from, to)
	d.CapabilityDelegation = substituteRefs(d.CapabilityDelegation, from, to)
	for i, s := range d.Service {
		d.Service[i].ID = replaceDIDPrefix(s.ID, from, to)
	}
	log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("substituted did in document")
	return d
}

func substituteRefs(refs []string, from, to string) []string {
	if refs == nil {
		return nil
	}
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = replaceDIDPrefix(r, from, to)
	}
	return out
}

// replaceDIDPrefix rewrites a "<did>#fragment" reference (or a bare did)
// when its DID portion is exactly from, keeping the fragment/path/query
// suffix intact.
func replaceDIDPrefix(ref, from, to string) string {
	if ref == from {
		return to
	}
	if strings.HasPrefix(ref, from+"#") {
		return to + ref[len(from):]
	}
	return ref
}

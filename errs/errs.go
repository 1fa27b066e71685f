// Package errs collects the sentinel error values returned across the
// identifier, document, update and resolution pipeline. Callers should use
// errors.Is against these values rather than matching error strings.
package errs

import "errors"

var (
	// ErrInvalidDid covers a malformed identifier string: bad checksum,
	// unknown hrp, a non-zero filler nibble, a KEY-type genesis that isn't
	// a compressed secp256k1 point, or a computed DID that doesn't match
	// the one being validated.
	ErrInvalidDid = errors.New("invalid did")

	// ErrMethodNotSupported is returned when a did: URI names a different
	// method.
	ErrMethodNotSupported = errors.New("method not supported")

	// ErrUnsupportedNetwork is returned when the resolver has no
	// configured client for the identifier's network.
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// ErrInvalidUpdate is the update engine's pre-broadcast self-check
	// failure: the hash of the applied patch didn't match the hash of the
	// freshly built target document.
	ErrInvalidUpdate = errors.New("invalid update")

	// ErrInvalidUpdateProof covers a cryptosuite verification failure, or a
	// proof whose verificationMethod can't be found in the contemporary
	// document.
	ErrInvalidUpdateProof = errors.New("invalid update proof")

	// ErrInvalidSidecarData covers a beacon-signal commitment that doesn't
	// match the hash of the sidecar-supplied secured update, or a missing
	// sidecar where the CAS branch would otherwise be required.
	ErrInvalidSidecarData = errors.New("invalid sidecar data")

	// ErrInvalidResolutionOptions is returned when both versionId and
	// versionTime are supplied to Resolve.
	ErrInvalidResolutionOptions = errors.New("invalid resolution options")

	// ErrInsufficientFunds and ErrAmountOutOfRange are surfaced from the
	// beacon-manager wallet view.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAmountOutOfRange  = errors.New("amount out of range")

	// ErrNotImplemented covers the two reserved, deliberately unimplemented
	// branches: CAS retrieval and aggregated beacons.
	ErrNotImplemented = errors.New("not implemented")
)

// LatePublishingError is returned by the resolver's update-folding step. It
// carries enough detail to tell a caller which late-publishing condition
// (source-hash mismatch, target-hash mismatch, a skipped version, or a
// duplicate update that doesn't match the hash history) was hit, and for
// which version.
type LatePublishingError struct {
	TargetVersionID int
	CurrentVersionID int
	Reason          string
}

func (e *LatePublishingError) Error() string {
	return "late publishing: " + e.Reason
}

// Is allows errors.Is(err, ErrLatePublishing) to succeed against any
// *LatePublishingError, mirroring how the teacher's BlockFailedProcessingErr
// is matched by type in block_processing.go.
func (e *LatePublishingError) Is(target error) bool {
	return target == ErrLatePublishing
}

// ErrLatePublishing is the sentinel LatePublishingError compares against via
// errors.Is.
var ErrLatePublishing = errors.New("late publishing")

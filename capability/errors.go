package capability

import "errors"

// Kind identifies why a Check or Deserialize call was denied.
type Kind int

const (
	// KindNone means the operation was not denied.
	KindNone Kind = iota
	KindUnknown
	KindRevoked
	KindExpired
	KindInsufficientOps
	KindDepthExceeded
	KindSignatureInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUnknown:
		return "unknown"
	case KindRevoked:
		return "revoked"
	case KindExpired:
		return "expired"
	case KindInsufficientOps:
		return "insufficient_ops"
	case KindDepthExceeded:
		return "depth_exceeded"
	case KindSignatureInvalid:
		return "signature_invalid"
	}
	return "invalid"
}

// DeniedError wraps a Kind so callers can both errors.Is against the
// sentinel below and inspect the specific reason via Kind().
type DeniedError struct {
	Kind Kind
}

func (e *DeniedError) Error() string { return "capability: denied: " + e.Kind.String() }

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// ErrDenied is the sentinel every DeniedError satisfies via errors.Is.
var ErrDenied = errors.New("capability: denied")

func denied(k Kind) error { return &DeniedError{Kind: k} }

// KindOf extracts the Kind from an error produced by this package, or
// KindNone if err is nil and KindUnknown if err is some other error.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var de *DeniedError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

var (
	// ErrNotRootAuthority is returned by MintRoot once Seal has closed the
	// engine's root authority.
	ErrNotRootAuthority = errors.New("capability: root authority sealed")
	// ErrInvalidSerialization is returned by Deserialize for malformed input.
	ErrInvalidSerialization = errors.New("capability: invalid serialized capability")
	// ErrOriginEvicted is returned by Deserialize when the token's origin
	// node has been evicted from the cluster.
	ErrOriginEvicted = errors.New("capability: origin node evicted")
)

package nca

import "errors"

// Sentinel errors returned by this package's operations (spec §7's error
// taxonomy). Wrap with fmt.Errorf("...: %w", ...) at call sites rather than
// constructing new sentinels so callers can still errors.Is against these.
var (
	ErrInvalidFormat       = errors.New("nca: invalid or truncated structure")
	ErrUnsupportedVersion  = errors.New("nca: unsupported format generation")
	ErrUnknownKeyArea      = errors.New("nca: key area fingerprint unrecognized")
	ErrMissingKey          = errors.New("nca: required key material unavailable")
	ErrSignatureMismatch   = errors.New("nca: main signature verification failed")
	ErrFsHeaderHashMismatch = errors.New("nca: FS header hash mismatch")
	ErrSectionNotPresent   = errors.New("nca: FS section is not present")
	ErrSectionNotEncrypted = errors.New("nca: section has no encryption context")
	ErrNoRightsID          = errors.New("nca: archive has no rights ID")
	ErrNoTitleKey          = errors.New("nca: no titlekey available for rights ID")
	ErrOutOfRange          = errors.New("nca: requested range outside section bounds")
	ErrPatchContentMismatch = errors.New("nca: patch content ID does not match target archive")
	ErrUnsupportedHashType = errors.New("nca: unsupported hash type for patch generation")
	ErrBucketTreeInvalid   = errors.New("nca: bucket tree magic/version mismatch")
	ErrNoSectionsSurvived  = errors.New("nca: no FS section survived header validation")
)

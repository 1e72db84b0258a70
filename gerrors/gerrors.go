// Package gerrors defines the error kinds surfaced across gletscher's
// components. Components wrap one of these sentinels with
// %w so callers can classify a failure with errors.Is without parsing
// strings, while the wrapped message still carries the operational detail.
package gerrors

import "errors"

var (
	// ErrConfig marks an unreadable or inconsistent configuration directory,
	// or a key/signature mismatch at load time. Fatal at load; never retried.
	ErrConfig = errors.New("config error")

	// ErrIO marks a local filesystem error. Fatal to the item being
	// processed; the scanner logs and continues past unreadable entries.
	ErrIO = errors.New("io failure")

	// ErrTransport marks a network/DNS/TLS/timeout error talking to the
	// cold store. Retried with exponential backoff.
	ErrTransport = errors.New("transport error")

	// ErrRemoteRejection marks a 4xx response from the cold store. Not
	// retried; fatal to the operation that triggered it.
	ErrRemoteRejection = errors.New("remote rejection")

	// ErrTreeHashMismatch marks a 2xx response whose declared tree hash
	// disagrees with the locally computed one. Retried on part upload,
	// fatal on CompleteMultipartUpload.
	ErrTreeHashMismatch = errors.New("tree hash mismatch")

	// ErrIntegrity marks a local digest, MAC, or tree-hash verification
	// failure. Fatal; indicates bit rot or a key mismatch.
	ErrIntegrity = errors.New("integrity failure")

	// ErrDataMissing marks a Reconciler finding of a referenced digest or
	// archive absent from the remote inventory. Reported, not fatal: the
	// process exits cleanly for operator review.
	ErrDataMissing = errors.New("data missing")

	// ErrDuplicateDigest is returned by Index.Add when the digest already
	// has an entry.
	ErrDuplicateDigest = errors.New("duplicate digest")
)

// IsRetryable reports whether err should be retried by a part-upload
// retry loop: transport failures and tree-hash mismatches (transport
// corruption) are retried; remote rejections, integrity failures, and
// config errors are not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTreeHashMismatch)
}

// IsIntegrityFailure reports whether err maps to the CLI's integrity
// exit code (missing data, tree-hash disagreement, local verification
// failure).
func IsIntegrityFailure(err error) bool {
	return errors.Is(err, ErrDataMissing) || errors.Is(err, ErrTreeHashMismatch) || errors.Is(err, ErrIntegrity)
}

// IsTransportFailure reports whether err maps to the CLI's transport
// exit code (remote or network failure after retries are exhausted).
func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRemoteRejection)
}

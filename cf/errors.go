package cf

import "errors"

// Sentinel errors for the taxonomy kinds that carry no extra fields.
var (
	// ErrWalTornTail names a trailing frame that fails its CRC or is cut
	// short by EOF. The journal reader does not return it: ReadFrom stops
	// reading at such a frame and returns the entries before it.
	ErrWalTornTail = errors.New("cf: wal entry torn tail")

	// ErrShutdown is not returned by any operation in this package;
	// operations attempted after Close are not checked for.
	ErrShutdown = errors.New("cf: database is shut down")
)

// CorruptError reports a failed validation of an on-disk structure
// (master header or WAL header): bad magic, bad CRC, or an invariant
// violation caught during decode.
type CorruptError struct {
	Component string
	Reason    string
}

func (e *CorruptError) Error() string {
	return "cf: corrupt " + e.Component + ": " + e.Reason
}

// InvalidArgumentError reports a caller error: out-of-bounds partition
// access, a zero-size segment, an empty CF name, and the like.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "cf: invalid argument: " + e.Reason
}

// AlreadyExistsError reports a duplicate column-family name.
type AlreadyExistsError struct {
	Name string
}

func (e *AlreadyExistsError) Error() string {
	return "cf: column family already exists: " + e.Name
}

// NotFoundError reports a missing column-family name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return "cf: column family not found: " + e.Name
}

// HeaderTooLargeError reports that the master header's encoded size
// exceeds PageSize-4 bytes.
type HeaderTooLargeError struct {
	Size int
}

func (e *HeaderTooLargeError) Error() string {
	return "cf: master header too large to fit one page"
}

// WalReferencesMissingCFError is fatal at recovery/checkpoint time: a WAL
// entry names a column family that no longer exists.
type WalReferencesMissingCFError struct {
	Name string
}

func (e *WalReferencesMissingCFError) Error() string {
	return "cf: wal entry references missing column family: " + e.Name
}

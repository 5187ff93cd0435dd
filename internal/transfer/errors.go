package transfer

type errorString string

func (e errorString) Error() string { return string(e) }

var (
	ErrFileNotFound    = errorString("file_not_found")
	ErrFileUnwritable  = errorString("file_unwritable")
	ErrInvalidFilename = errorString("invalid_filename")
	ErrFileTooLarge    = errorString("file_too_large")
	ErrNoPendingOffer  = errorString("no_pending_offer")

	// ErrShortPayload means the connection ended inside a file payload. The
	// stream can no longer be framed.
	ErrShortPayload = errorString("short_payload")

	errSourceRead = errorString("source_read")
)

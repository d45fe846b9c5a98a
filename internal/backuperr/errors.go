package backuperr

import (
	"errors"
	"fmt"
)

// Kind classifies a backup or recovery failure.
type Kind string

const (
	// KindCorruptedArchive indicates a structural, schema or decryption failure of a container.
	KindCorruptedArchive Kind = "CORRUPTED_ARCHIVE"

	// KindUnsupportedBackupVersion indicates a schema or application version too new to interpret.
	KindUnsupportedBackupVersion Kind = "UNSUPPORTED_BACKUP_VERSION"

	// KindUnsupportedApplication indicates an archive produced by a different application.
	KindUnsupportedApplication Kind = "UNSUPPORTED_APPLICATION"

	// KindUnauthorized indicates a missing or wrong recovery code.
	KindUnauthorized Kind = "UNAUTHORIZED"

	// KindFileSystem indicates a directory or file operation that exhausted all fallbacks.
	KindFileSystem Kind = "FILE_SYSTEM_ERROR"

	KindEncryptionAlreadyEnabled  Kind = "ENCRYPTION_ALREADY_ENABLED"
	KindEncryptionAlreadyDisabled Kind = "ENCRYPTION_ALREADY_DISABLED"
	KindInvalidPassword           Kind = "INVALID_PASSWORD"

	// KindUnknown is reported for any error that carries no kind.
	KindUnknown Kind = "UNKNOWN"
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. If err already carries a kind it is returned unchanged,
// so the innermost classification wins.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors returned by modos packages wrap one of these
// so callers can branch with errors.Is.
var (
	ErrSchemaViolation             = errors.New("schema violation")
	ErrDuplicateIdentifier         = errors.New("duplicate identifier")
	ErrInvalidRelationship         = errors.New("invalid relationship")
	ErrNotFound                    = errors.New("not found")
	ErrStorageUnavailable          = errors.New("storage unavailable")
	ErrPermissionDenied            = errors.New("permission denied")
	ErrUnsupportedFormat           = errors.New("unsupported format")
	ErrRegionNotFound              = errors.New("region not found")
	ErrStreamingFailed             = errors.New("streaming failed")
	ErrAlreadyEncrypted            = errors.New("already encrypted")
	ErrNotEncrypted                = errors.New("not encrypted")
	ErrRemoteEncryptionUnsupported = errors.New("remote encryption unsupported")
	ErrDecryption                  = errors.New("decryption failed")
)

// SchemaViolationError names the class, slot and rule that failed validation.
type SchemaViolationError struct {
	Class string
	Slot  string
	Rule  string
	Value any
}

func (e *SchemaViolationError) Error() string {
	if e.Slot == "" {
		return fmt.Sprintf("schema violation: class %s: %s", e.Class, e.Rule)
	}
	if e.Value == nil {
		return fmt.Sprintf("schema violation: %s.%s: %s", e.Class, e.Slot, e.Rule)
	}
	return fmt.Sprintf("schema violation: %s.%s: %s (got %v)", e.Class, e.Slot, e.Rule, e.Value)
}

func (e *SchemaViolationError) Unwrap() error { return ErrSchemaViolation }

// DuplicateIdentifierError is returned when a node id already exists.
type DuplicateIdentifierError struct {
	ID string
}

func (e DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("identifier %s already exists", e.ID)
}

func (e DuplicateIdentifierError) Unwrap() error { return ErrDuplicateIdentifier }

// InvalidRelationshipError is returned when a parent cannot own a child type.
// It is also a schema violation.
type InvalidRelationshipError struct {
	Parent     string
	ParentType NodeType
	Child      string
	ChildType  NodeType
	Reason     string
}

func (e InvalidRelationshipError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no has_part slot admits the child type"
	}
	return fmt.Sprintf("invalid relationship %s (%s) -> %s (%s): %s", e.Parent, e.ParentType, e.Child, e.ChildType, reason)
}

func (e InvalidRelationshipError) Unwrap() []error {
	return []error{ErrInvalidRelationship, ErrSchemaViolation}
}

// NotFoundError reports a missing node or storage path.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// StorageError wraps a transport failure with the operation and path.
type StorageError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// StreamingError reports a failure in the genomic streaming path.
type StreamingError struct {
	Path   string
	Region string
	Kind   error
	Err    error
}

func (e *StreamingError) Error() string {
	msg := fmt.Sprintf("stream %s", e.Path)
	if e.Region != "" {
		msg += " region " + e.Region
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CryptError reports an envelope state mismatch or a failed envelope
// operation for a payload file.
type CryptError struct {
	Path string
	Kind error
	Err  error
}

func (e *CryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Kind)
}

func (e *CryptError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

package document

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("document: invalid user id")
	// ErrInvalidVersionNumber indicates that a version number is not positive.
	ErrInvalidVersionNumber = errors.New("document: invalid version number")
	// ErrInvalidChangeKind indicates that a snapshot change kind is unknown.
	ErrInvalidChangeKind = errors.New("document: invalid change kind")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// VersionNumber represents a validated snapshot version number.
type VersionNumber int64

// NewVersionNumber validates the value and returns a VersionNumber.
func NewVersionNumber(value int64) (VersionNumber, error) {
	if value < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersionNumber, value)
	}
	return VersionNumber(value), nil
}

// Int64 exposes the raw version number.
func (v VersionNumber) Int64() int64 {
	return int64(v)
}

// ChangeKind classifies why a version snapshot was created.
type ChangeKind string

const (
	// ChangeKindAuto marks snapshots created on the save cadence.
	ChangeKindAuto ChangeKind = "auto"
	// ChangeKindManual marks snapshots explicitly requested by a participant.
	ChangeKindManual ChangeKind = "manual"
	// ChangeKindRestore marks snapshots written when a prior version is restored.
	ChangeKindRestore ChangeKind = "restore"
)

// ParseChangeKind validates raw input against the known snapshot kinds.
func ParseChangeKind(rawInput string) (ChangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case string(ChangeKindAuto):
		return ChangeKindAuto, nil
	case string(ChangeKindManual):
		return ChangeKindManual, nil
	case string(ChangeKindRestore):
		return ChangeKindRestore, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChangeKind, rawInput)
	}
}

// String returns the change kind as a string.
func (kind ChangeKind) String() string {
	return string(kind)
}

// Visibility enumerates document sharing modes.
type Visibility string

const (
	// VisibilityPrivate restricts access to the owner and the access list.
	VisibilityPrivate Visibility = "private"
	// VisibilityShared allows anyone with the link to view the document.
	VisibilityShared Visibility = "shared"
)

// ContentCounts reports word and character totals for document content.
type ContentCounts struct {
	Words      int64
	Characters int64
}

// CountContent computes word and character totals over document content.
func CountContent(content string) ContentCounts {
	return ContentCounts{
		Words:      int64(len(strings.Fields(content))),
		Characters: int64(utf8.RuneCountInString(content)),
	}
}

package crdt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidUpdate indicates that an encoded update payload is malformed.
	ErrInvalidUpdate = errors.New("crdt: invalid update payload")
)

// Update carries inserted characters and deleted character identifiers.
// An empty update is a valid no-op.
type Update struct {
	Inserts []Char   `json:"inserts,omitempty"`
	Deletes []CharID `json:"deletes,omitempty"`
}

// IsEmpty reports whether the update carries no changes.
func (u Update) IsEmpty() bool {
	return len(u.Inserts) == 0 && len(u.Deletes) == 0
}

// Encode serializes the update for transport.
func (u Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// EncodeBase64 serializes the update as a base64 string for the wire.
func (u Update) EncodeBase64() (string, error) {
	raw, err := u.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeUpdate parses an encoded update and validates its contents.
func DecodeUpdate(raw []byte) (Update, error) {
	if len(raw) == 0 {
		return Update{}, fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}
	var update Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if err := update.validate(); err != nil {
		return Update{}, err
	}
	return update, nil
}

// DecodeUpdateBase64 parses a base64-encoded update from the wire.
func DecodeUpdateBase64(payload string) (Update, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return Update{}, fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return Update{}, fmt.Errorf("%w: invalid base64", ErrInvalidUpdate)
	}
	return DecodeUpdate(raw)
}

func (u Update) validate() error {
	for _, char := range u.Inserts {
		if strings.TrimSpace(char.ID.Site) == "" {
			return fmt.Errorf("%w: insert with empty site", ErrInvalidUpdate)
		}
		if char.ID.Clock == 0 {
			return fmt.Errorf("%w: insert with zero clock", ErrInvalidUpdate)
		}
		if len(char.Pos) == 0 {
			return fmt.Errorf("%w: insert without position", ErrInvalidUpdate)
		}
		for _, step := range char.Pos {
			if step.Digit < 0 || step.Digit >= positionBase {
				return fmt.Errorf("%w: position digit %d out of range", ErrInvalidUpdate, step.Digit)
			}
		}
		if char.Value == "" {
			return fmt.Errorf("%w: insert without value", ErrInvalidUpdate)
		}
	}
	for _, id := range u.Deletes {
		if strings.TrimSpace(id.Site) == "" {
			return fmt.Errorf("%w: delete with empty site", ErrInvalidUpdate)
		}
		if id.Clock == 0 {
			return fmt.Errorf("%w: delete with zero clock", ErrInvalidUpdate)
		}
	}
	return nil
}

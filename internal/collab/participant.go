package collab

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidParticipant indicates that a participant is missing required identity fields.
var ErrInvalidParticipant = errors.New("collab: invalid participant")

// cursorColors is the palette assigned to participants in join order.
var cursorColors = []string{
	"#e5534b", "#3f7fd6", "#3fa45f", "#c98a1b",
	"#8957e5", "#2aa198", "#d6568f", "#6e7781",
}

// CursorState is a participant's ephemeral cursor position and selection.
type CursorState struct {
	Position       int
	SelectionStart *int
	SelectionEnd   *int
}

// Participant is one connection inside a document room.
type Participant struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Email        string
	Color        string
	Cursor       CursorState
}

// NewParticipant validates participant identity fields.
func NewParticipant(connectionID, userID, displayName, email string) (Participant, error) {
	if strings.TrimSpace(connectionID) == "" {
		return Participant{}, fmt.Errorf("%w: empty connection id", ErrInvalidParticipant)
	}
	if strings.TrimSpace(userID) == "" {
		return Participant{}, fmt.Errorf("%w: empty user id", ErrInvalidParticipant)
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = strings.TrimSpace(userID)
	}
	return Participant{
		ConnectionID: strings.TrimSpace(connectionID),
		UserID:       strings.TrimSpace(userID),
		DisplayName:  name,
		Email:        strings.TrimSpace(email),
	}, nil
}

// Info returns the wire representation of the participant.
func (p Participant) Info() ParticipantInfo {
	return ParticipantInfo{
		ConnectionID:   p.ConnectionID,
		UserID:         p.UserID,
		DisplayName:    p.DisplayName,
		Email:          p.Email,
		Color:          p.Color,
		CursorPosition: p.Cursor.Position,
		SelectionStart: p.Cursor.SelectionStart,
		SelectionEnd:   p.Cursor.SelectionEnd,
	}
}

func colorForJoin(joinSequence uint64) string {
	return cursorColors[joinSequence%uint64(len(cursorColors))]
}

package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidSite indicates that a replica site identifier is empty.
	ErrInvalidSite = errors.New("crdt: invalid site id")
	// ErrIndexOutOfRange indicates that a local edit targets a position outside the document.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
)

// positionBase bounds the digit space at each level of a position path.
const positionBase = int64(1) << 30

// CharID uniquely identifies an inserted character across replicas.
type CharID struct {
	Site  string `json:"site"`
	Clock uint64 `json:"clock"`
}

// PosStep is one level of a position path. The allocating site is part of
// the step, so replicas inserting at the same index concurrently never mint
// equal paths: ordering between their characters is decided inside the path
// itself, and a later insert between them can always allocate a path that
// sorts between theirs.
type PosStep struct {
	Digit int64  `json:"d"`
	Site  string `json:"s,omitempty"`
}

// Char is a single character in the replicated sequence. Its Pos path
// determines document order; CharID breaks ties only for a character merged
// twice under the same identity.
type Char struct {
	ID    CharID    `json:"id"`
	Pos   []PosStep `json:"pos"`
	Value string    `json:"value"`
}

// Doc is a mergeable text document. Merging the same set of updates in any
// arrival order converges to the same content. Doc is not safe for
// concurrent use; callers serialize access per document.
type Doc struct {
	site    string
	clock   uint64
	chars   map[CharID]Char
	deleted map[CharID]struct{}
}

// NewDoc constructs an empty document owned by the provided replica site.
func NewDoc(site string) (*Doc, error) {
	trimmed := strings.TrimSpace(site)
	if trimmed == "" {
		return nil, ErrInvalidSite
	}
	return &Doc{
		site:    trimmed,
		chars:   make(map[CharID]Char),
		deleted: make(map[CharID]struct{}),
	}, nil
}

// Content returns the visible text in document order.
func (d *Doc) Content() string {
	visible := d.visibleChars()
	var builder strings.Builder
	for _, char := range visible {
		builder.WriteString(char.Value)
	}
	return builder.String()
}

// Length returns the number of visible characters.
func (d *Doc) Length() int {
	return len(d.visibleChars())
}

// LocalInsert inserts text at the visible character index and returns the
// update to broadcast to other replicas.
func (d *Doc) LocalInsert(index int, text string) (Update, error) {
	visible := d.visibleChars()
	if index < 0 || index > len(visible) {
		return Update{}, fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, len(visible))
	}

	var leftPos, rightPos []PosStep
	if index > 0 {
		leftPos = visible[index-1].Pos
	}
	if index < len(visible) {
		rightPos = visible[index].Pos
	}

	update := Update{}
	for _, runeValue := range text {
		char := Char{
			ID:    d.nextID(),
			Pos:   d.positionBetween(leftPos, rightPos),
			Value: string(runeValue),
		}
		d.chars[char.ID] = char
		update.Inserts = append(update.Inserts, char)
		leftPos = char.Pos
	}
	return update, nil
}

// LocalDelete removes length visible characters starting at index and
// returns the update to broadcast to other replicas.
func (d *Doc) LocalDelete(index, length int) (Update, error) {
	visible := d.visibleChars()
	if index < 0 || length < 0 || index+length > len(visible) {
		return Update{}, fmt.Errorf("%w: delete [%d,%d) of %d", ErrIndexOutOfRange, index, index+length, len(visible))
	}

	update := Update{}
	for _, char := range visible[index : index+length] {
		d.deleted[char.ID] = struct{}{}
		update.Deletes = append(update.Deletes, char.ID)
	}
	return update, nil
}

// ReplaceAll deletes every visible character and inserts the provided text,
// producing one update that rewrites the whole document on every replica.
func (d *Doc) ReplaceAll(text string) (Update, error) {
	deleteUpdate, err := d.LocalDelete(0, d.Length())
	if err != nil {
		return Update{}, err
	}
	insertUpdate, err := d.LocalInsert(0, text)
	if err != nil {
		return Update{}, err
	}
	return Update{
		Inserts: insertUpdate.Inserts,
		Deletes: deleteUpdate.Deletes,
	}, nil
}

// Merge applies a remote update. Merging is commutative, associative, and
// idempotent: a delete arriving before its insert is remembered and applied
// once the insert lands.
func (d *Doc) Merge(update Update) {
	for _, char := range update.Inserts {
		if _, ok := d.chars[char.ID]; ok {
			continue
		}
		d.chars[char.ID] = char
		if char.ID.Site == d.site && char.ID.Clock > d.clock {
			d.clock = char.ID.Clock
		}
	}
	for _, id := range update.Deletes {
		d.deleted[id] = struct{}{}
	}
}

// State returns the full document state as a single update. Applying the
// state to any replica is equivalent to merging every update it contains.
func (d *Doc) State() Update {
	update := Update{
		Inserts: make([]Char, 0, len(d.chars)),
		Deletes: make([]CharID, 0, len(d.deleted)),
	}
	for _, char := range d.chars {
		update.Inserts = append(update.Inserts, char)
	}
	sort.Slice(update.Inserts, func(i, j int) bool {
		return compareChars(update.Inserts[i], update.Inserts[j]) < 0
	})
	for id := range d.deleted {
		update.Deletes = append(update.Deletes, id)
	}
	sort.Slice(update.Deletes, func(i, j int) bool {
		left, right := update.Deletes[i], update.Deletes[j]
		if left.Site != right.Site {
			return left.Site < right.Site
		}
		return left.Clock < right.Clock
	})
	return update
}

func (d *Doc) nextID() CharID {
	d.clock++
	return CharID{Site: d.site, Clock: d.clock}
}

func (d *Doc) visibleChars() []Char {
	visible := make([]Char, 0, len(d.chars))
	for id, char := range d.chars {
		if _, gone := d.deleted[id]; gone {
			continue
		}
		visible = append(visible, char)
	}
	sort.Slice(visible, func(i, j int) bool {
		return compareChars(visible[i], visible[j]) < 0
	})
	return visible
}

func compareChars(left, right Char) int {
	if cmp := comparePositions(left.Pos, right.Pos); cmp != 0 {
		return cmp
	}
	if left.ID.Site != right.ID.Site {
		if left.ID.Site < right.ID.Site {
			return -1
		}
		return 1
	}
	switch {
	case left.ID.Clock < right.ID.Clock:
		return -1
	case left.ID.Clock > right.ID.Clock:
		return 1
	default:
		return 0
	}
}

// comparePositions orders position paths step-wise, digit before site,
// treating a missing level as the zero step.
func comparePositions(left, right []PosStep) int {
	limit := len(left)
	if len(right) > limit {
		limit = len(right)
	}
	for level := 0; level < limit; level++ {
		leftStep := stepAt(left, level)
		rightStep := stepAt(right, level)
		switch {
		case leftStep.Digit < rightStep.Digit:
			return -1
		case leftStep.Digit > rightStep.Digit:
			return 1
		}
		switch {
		case leftStep.Site < rightStep.Site:
			return -1
		case leftStep.Site > rightStep.Site:
			return 1
		}
	}
	return 0
}

func stepAt(path []PosStep, level int) PosStep {
	if level < len(path) {
		return path[level]
	}
	return PosStep{}
}

// positionBetween allocates a path strictly between left and right,
// descending a level whenever the digit gap at the current one is exhausted.
// An allocated digit is always at least one, so an extension sorts after the
// path it extends. Once the pinned prefix falls strictly below right at some
// level, right stops bounding the deeper levels.
func (d *Doc) positionBetween(left, right []PosStep) []PosStep {
	prefix := make([]PosStep, 0, len(left)+1)
	for level := 0; ; level++ {
		if level >= len(left) && level >= len(right) {
			// Both paths are exhausted, so they were equal. Equal paths only
			// arrive in corrupt updates; allocate past them rather than loop.
			right = nil
		}
		leftStep := stepAt(left, level)
		upper := positionBase
		bounded := right != nil
		var rightStep PosStep
		if bounded {
			rightStep = stepAt(right, level)
			upper = rightStep.Digit
		}
		if upper-leftStep.Digit > 1 {
			return append(prefix, PosStep{
				Digit: leftStep.Digit + (upper-leftStep.Digit)/2,
				Site:  d.site,
			})
		}
		prefix = append(prefix, leftStep)
		if bounded && rightStep != leftStep {
			right = nil
		}
	}
}

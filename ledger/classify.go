/*
classify.go - Event Classifier

PURPOSE:
  Decides, for each event, whether it is a shared expense or a
  reimbursement and which participant it belongs to.

LEGACY TAGS:
  The legacy deployment stored a single "person" string per event:
    "Tomi"                     -> shared expense paid by Tomi
    "Damien (Remboursement)"   -> reimbursement paid by Damien
  Detection is substring based, so NewClassifier refuses configurations
  where a base name is contained in the other name or in the marker.
*/
package ledger

import (
	"fmt"
	"strings"
)

// DefaultMarker is the reimbursement annotation of the legacy deployment.
const DefaultMarker = " (Remboursement)"

// Classification is the resolved owner and kind of an event.
type Classification struct {
	Owner Participant
	Kind  Kind
}

// Classifier resolves events and legacy participant tags.
type Classifier struct {
	pair   Pair
	marker string
}

// NewClassifier validates that tags built from pair and marker can never be
// ambiguous.
func NewClassifier(pair Pair, marker string) (*Classifier, error) {
	first, second := string(pair.First), string(pair.Second)
	switch {
	case first == "" || second == "":
		return nil, fmt.Errorf("%w: participant names must not be empty", ErrInvalidParticipants)
	case strings.TrimSpace(marker) == "":
		return nil, fmt.Errorf("%w: reimbursement marker must not be empty", ErrInvalidParticipants)
	case first == second:
		return nil, fmt.Errorf("%w: participants must differ", ErrInvalidParticipants)
	case strings.Contains(first, second) || strings.Contains(second, first):
		return nil, fmt.Errorf("%w: %q and %q overlap", ErrInvalidParticipants, first, second)
	case strings.Contains(marker, first) || strings.Contains(marker, second):
		return nil, fmt.Errorf("%w: marker %q contains a participant name", ErrInvalidParticipants, marker)
	case strings.Contains(first, strings.TrimSpace(marker)) || strings.Contains(second, strings.TrimSpace(marker)):
		return nil, fmt.Errorf("%w: a participant name contains the marker", ErrInvalidParticipants)
	}
	return &Classifier{pair: pair, marker: marker}, nil
}

// MustClassifier is NewClassifier for static configurations.
func MustClassifier(pair Pair, marker string) *Classifier {
	c, err := NewClassifier(pair, marker)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Classifier) Pair() Pair     { return c.pair }
func (c *Classifier) Marker() string { return c.marker }

// Participant resolves a name typed by a user to one of the pair.
// Matching ignores case and surrounding spaces.
func (c *Classifier) Participant(name string) (Participant, error) {
	name = strings.TrimSpace(name)
	for _, p := range []Participant{c.pair.First, c.pair.Second} {
		if strings.EqualFold(name, string(p)) {
			return p, nil
		}
	}
	return "", &ValidationError{Field: "participant", Input: name, Err: ErrUnknownParticipant}
}

// Classify resolves an event with explicit fields.
func (c *Classifier) Classify(e Event) (Classification, error) {
	if !c.pair.Has(e.Participant) || !e.Kind.Valid() {
		return Classification{}, &UnclassifiableError{EventID: e.ID, Tag: string(e.Participant)}
	}
	return Classification{Owner: e.Participant, Kind: e.Kind}, nil
}

// Parse decodes a legacy participant tag.
func (c *Classifier) Parse(tag string) (Participant, Kind, error) {
	kind := KindShared
	if strings.Contains(tag, strings.TrimSpace(c.marker)) {
		kind = KindReimbursement
	}
	switch {
	case strings.Contains(tag, string(c.pair.First)):
		return c.pair.First, kind, nil
	case strings.Contains(tag, string(c.pair.Second)):
		return c.pair.Second, kind, nil
	}
	return "", "", &UnclassifiableError{Tag: tag}
}

// Tag encodes participant and kind as a legacy tag. Parse(Tag(p, k))
// returns (p, k) for every participant of the pair.
func (c *Classifier) Tag(p Participant, k Kind) string {
	if k == KindReimbursement {
		return string(p) + c.marker
	}
	return string(p)
}

// Decode turns a stored legacy row into an Event. A tag that does not parse
// is kept as the raw participant with an empty kind, so the Calculator
// excludes and reports it instead of the row disappearing silently.
func (c *Classifier) Decode(e Event, tag string) Event {
	p, k, err := c.Parse(tag)
	if err != nil {
		e.Participant, e.Kind = Participant(tag), ""
		return e
	}
	e.Participant, e.Kind = p, k
	return e
}

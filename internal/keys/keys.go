// Package keys implements the composite sort-key scheme that multiplexes
// entity kinds inside the single wellness table. Encodings are
// lexicographically sortable by their embedded ordering value, so partition
// range queries return items in chronological order.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags the entity type encoded in a sort key.
type Kind string

const (
	KindSession  Kind = "SESSION"
	KindProfile  Kind = "PROFILE"
	KindReminder Kind = "REMINDER"
	KindTurn     Kind = "TURN"
	KindEntry    Kind = "ENTRY"
	KindEvent    Kind = "EVENT"
)

// Singleton sort keys and range prefixes.
const (
	Session  = "SESSION"
	Profile  = "PROFILE"
	Reminder = "REMINDER"

	TurnPrefix  = "TURN#"
	EntryPrefix = "ENTRY#"
	EventPrefix = "EVENT#"
)

// ErrMalformedKey reports a sort key that does not match any known
// encoding. Callers must treat it as data corruption, not a normal
// control path.
var ErrMalformedKey = errors.New("keys: malformed sort key")

// seqWidth is the zero-padded width of sequence numbers and update ids.
// Wide enough that keys never roll over within a user's lifetime.
const seqWidth = 12

// entryTimeLayout is a fixed-width UTC timestamp; every encoded entry
// key has the same length so lexicographic order is chronological.
const entryTimeLayout = "2006-01-02T15:04:05Z"

// Turn encodes a conversation turn sequence number, e.g. TURN#000000000042.
func Turn(seq int64) string {
	return fmt.Sprintf("%s%0*d", TurnPrefix, seqWidth, seq)
}

// Entry encodes a wellness entry timestamp, e.g. ENTRY#2025-03-01T07:30:00Z.
func Entry(ts time.Time) string {
	return EntryPrefix + ts.UTC().Format(entryTimeLayout)
}

// Event encodes an inbound platform update id, e.g. EVENT#000987654321.
func Event(updateID int64) string {
	return fmt.Sprintf("%s%0*d", EventPrefix, seqWidth, updateID)
}

// Decoded is the result of decoding a sort key. Only the field matching
// Kind carries a value.
type Decoded struct {
	Kind     Kind
	Seq      int64     // KindTurn
	Time     time.Time // KindEntry
	UpdateID int64     // KindEvent
}

// Decode parses a sort key back into its kind and ordering value.
func Decode(sk string) (Decoded, error) {
	switch sk {
	case Session:
		return Decoded{Kind: KindSession}, nil
	case Profile:
		return Decoded{Kind: KindProfile}, nil
	case Reminder:
		return Decoded{Kind: KindReminder}, nil
	}

	switch {
	case strings.HasPrefix(sk, TurnPrefix):
		seq, err := decodePadded(sk[len(TurnPrefix):])
		if err != nil {
			return Decoded{}, fmt.Errorf("%w: %q", ErrMalformedKey, sk)
		}
		return Decoded{Kind: KindTurn, Seq: seq}, nil
	case strings.HasPrefix(sk, EntryPrefix):
		ts, err := time.Parse(entryTimeLayout, sk[len(EntryPrefix):])
		if err != nil {
			return Decoded{}, fmt.Errorf("%w: %q", ErrMalformedKey, sk)
		}
		return Decoded{Kind: KindEntry, Time: ts}, nil
	case strings.HasPrefix(sk, EventPrefix):
		id, err := decodePadded(sk[len(EventPrefix):])
		if err != nil {
			return Decoded{}, fmt.Errorf("%w: %q", ErrMalformedKey, sk)
		}
		return Decoded{Kind: KindEvent, UpdateID: id}, nil
	}
	return Decoded{}, fmt.Errorf("%w: %q", ErrMalformedKey, sk)
}

// decodePadded parses a fixed-width non-negative decimal component.
func decodePadded(s string) (int64, error) {
	if len(s) != seqWidth {
		return 0, fmt.Errorf("component %q is not %d digits", s, seqWidth)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("component %q contains non-digit", s)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

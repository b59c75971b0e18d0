// Package conflict detects divergence between the local and remote
// copies of a record and resolves it under an explicit, auditable
// strategy. It operates on plain field maps; no storage dependencies.
package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/record"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	UseLocal  Strategy = "useLocal"
	UseRemote Strategy = "useRemote"
	Merge     Strategy = "merge"
)

// Side names one side of a per-field merge choice.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// State tracks a conflict through its lifecycle. Every resolution goes
// through Presented, even for automatic policies, so each outcome is
// attributable to an explicit strategy choice.
type State int

const (
	StateDetected State = iota
	StatePresented
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StatePresented:
		return "presented"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Data is one detected divergence: both copies, their modification
// instants, and the names of the fields whose values differ.
type Data struct {
	Local             record.Fields
	Remote            record.Fields
	LocalTimestamp    time.Time
	RemoteTimestamp   time.Time
	ConflictingFields []string
}

// Detect compares local and remote by value, field by field. It
// returns nil when the field sets and values are identical; differing
// timestamps alone never constitute a conflict. A field is conflicting
// iff the two values are unequal, including one side being absent.
func Detect(local, remote record.Fields, localTS, remoteTS time.Time) *Data {
	diff := map[string]struct{}{}

	for name, lv := range local {
		rv, ok := remote[name]
		if !ok || !lv.Equal(rv) {
			diff[name] = struct{}{}
		}
	}
	for name := range remote {
		if _, ok := local[name]; !ok {
			diff[name] = struct{}{}
		}
	}

	if len(diff) == 0 {
		return nil
	}

	fields := make([]string, 0, len(diff))
	for name := range diff {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	return &Data{
		Local:             local.Clone(),
		Remote:            remote.Clone(),
		LocalTimestamp:    localTS,
		RemoteTimestamp:   remoteTS,
		ConflictingFields: fields,
	}
}

// Item wraps one Data with an identity and lifecycle state.
type Item struct {
	ID         string
	RecordID   string
	Data       *Data
	DetectedAt time.Time
	State      State
}

// Resolve produces the final field map for item under the given
// strategy. The item must have been presented first. For Merge,
// fieldChoices must name a side for every conflicting field; equal
// fields are taken from either side.
func Resolve(item *Item, strategy Strategy, fieldChoices map[string]Side) (record.Fields, error) {
	if item.State != StatePresented {
		return nil, fmt.Errorf("cannot resolve conflict %s in state %s", item.ID, item.State)
	}

	d := item.Data
	switch strategy {
	case UseLocal:
		return d.Local.Clone(), nil
	case UseRemote:
		return d.Remote.Clone(), nil
	case Merge:
		return merge(d, fieldChoices)
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

func merge(d *Data, choices map[string]Side) (record.Fields, error) {
	conflicting := make(map[string]struct{}, len(d.ConflictingFields))
	for _, f := range d.ConflictingFields {
		conflicting[f] = struct{}{}
	}

	union := map[string]struct{}{}
	for name := range d.Local {
		union[name] = struct{}{}
	}
	for name := range d.Remote {
		union[name] = struct{}{}
	}

	out := make(record.Fields, len(union))
	for name := range union {
		if _, isConflict := conflicting[name]; !isConflict {
			// values are equal on both sides
			out[name] = d.Local[name].Clone()
			continue
		}
		side, ok := choices[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", common.ErrMissingFieldChoice, name)
		}
		var v record.Value
		var present bool
		switch side {
		case SideLocal:
			v, present = d.Local[name]
		case SideRemote:
			v, present = d.Remote[name]
		default:
			return nil, fmt.Errorf("invalid side %q for field %s", side, name)
		}
		if present {
			out[name] = v.Clone()
		}
		// a chosen side that lacks the field drops it from the result
	}
	return out, nil
}

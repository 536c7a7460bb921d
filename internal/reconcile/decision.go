package reconcile

import "github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"

// Outcome names the branch a delivery took through the decision tree.
type Outcome int

const (
	OutcomeNoGuids Outcome = iota
	OutcomeCreated
	OutcomeUpdatedTainted
	OutcomeNoopTainted
	OutcomeUpdatedStale
	OutcomeNoopStale
	OutcomeUpdatedFull
	OutcomeNoopUnchanged
)

var outcomeNames = map[Outcome]string{
	OutcomeNoGuids:        "no_guids",
	OutcomeCreated:        "created",
	OutcomeUpdatedTainted: "updated_tainted",
	OutcomeNoopTainted:    "noop_tainted",
	OutcomeUpdatedStale:   "updated_stale",
	OutcomeNoopStale:      "noop_stale",
	OutcomeUpdatedFull:    "updated_full",
	OutcomeNoopUnchanged:  "noop_unchanged",
}

var outcomeMessages = map[Outcome]string{
	OutcomeNoGuids:        "No GUIDs.",
	OutcomeCreated:        "Added new entity.",
	OutcomeUpdatedTainted: "Updated GUIDs only, entity state is tainted.",
	OutcomeNoopTainted:    "Nothing updated, entity state is tainted.",
	OutcomeUpdatedStale:   "Updated GUIDs only, entity date is older than what available in storage.",
	OutcomeNoopStale:      "Entity date is older than what available in storage.",
	OutcomeUpdatedFull:    "Updated entity.",
	OutcomeNoopUnchanged:  "Entity is unchanged.",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// Message is the human readable status reported back to the sender.
func (o Outcome) Message() string {
	return outcomeMessages[o]
}

// Persisted reports whether the outcome wrote to storage.
func (o Outcome) Persisted() bool {
	switch o {
	case OutcomeCreated, OutcomeUpdatedTainted, OutcomeUpdatedStale, OutcomeUpdatedFull:
		return true
	default:
		return false
	}
}

type write int

const (
	writeNone write = iota
	writeInsert
	writeUpdate
)

type decision struct {
	outcome Outcome
	entity  state.Entity
	write   write
	enqueue bool
	changes map[state.Field]state.FieldDiff
}

// decide evaluates the decision tree for change against the stored match, if any.
// It has no side effects; the engine carries out the write and enqueue it asks for.
func decide(existing *state.Entity, change state.Change) decision {
	incoming := change.Entity
	if !incoming.HasGuids() {
		return decision{outcome: OutcomeNoGuids, entity: incoming}
	}

	if existing == nil {
		created := incoming
		created.ID = 0
		return decision{outcome: OutcomeCreated, entity: created, write: writeInsert, enqueue: true}
	}

	if change.Tainted {
		return identityOnly(*existing, incoming, OutcomeUpdatedTainted, OutcomeNoopTainted)
	}
	if existing.Updated > incoming.Updated {
		return identityOnly(*existing, incoming, OutcomeUpdatedStale, OutcomeNoopStale)
	}

	tracked := state.Track(*existing).Apply(incoming, false)
	if !tracked.IsChanged() {
		return decision{outcome: OutcomeNoopUnchanged, entity: *existing}
	}
	return decision{
		outcome: OutcomeUpdatedFull,
		entity:  tracked.Entity(),
		write:   writeUpdate,
		enqueue: true,
		changes: tracked.Diff(),
	}
}

// identityOnly merges missing identifiers and, only when that changed something,
// the incoming metadata. Play state is never touched and nothing is enqueued.
func identityOnly(existing, incoming state.Entity, updated, noop Outcome) decision {
	tracked := state.Track(existing).Apply(incoming, true)
	if !tracked.IsChanged() {
		return decision{outcome: noop, entity: existing}
	}
	if !incoming.Meta.IsEmpty() {
		tracked.SetMeta(incoming.Meta)
	}
	return decision{
		outcome: updated,
		entity:  tracked.Entity(),
		write:   writeUpdate,
		changes: tracked.Diff(),
	}
}

package state

// Field names one comparable attribute of an Entity.
type Field string

const (
	FieldType    Field = "type"
	FieldUpdated Field = "updated"
	FieldWatched Field = "watched"
	FieldMeta    Field = "meta"
)

// FieldDiff holds the before and after values of a field.
type FieldDiff struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Tracked wraps an Entity with the snapshots needed to report what an apply changed.
type Tracked struct {
	current  Entity
	original Entity
	changed  []Field
}

// Track snapshots entity as the original state.
func Track(entity Entity) *Tracked {
	return &Tracked{current: entity, original: entity}
}

// Entity returns a copy of the current state.
func (t *Tracked) Entity() Entity {
	return t.current
}

// Apply merges source into the tracked entity. With guidOnly only identifiers
// missing on the receiver are added; otherwise watched and updated are taken from
// source and metadata is replaced when source carries any. Type never changes.
func (t *Tracked) Apply(source Entity, guidOnly bool) *Tracked {
	before := t.current

	for _, ns := range Namespaces {
		incoming := source.GUID(ns)
		if incoming == "" || t.current.GUID(ns) != "" {
			continue
		}
		t.current.SetGUID(ns, incoming)
	}

	if !guidOnly {
		t.current.Watched = source.Watched
		t.current.Updated = source.Updated
		if !source.Meta.IsEmpty() {
			t.current.Meta = source.Meta
		}
	}

	t.changed = changedFields(before, t.current)
	return t
}

// IsChanged reports whether the last Apply altered at least one field.
func (t *Tracked) IsChanged() bool {
	return len(t.changed) > 0
}

// ChangedFields lists the fields altered by the last Apply.
func (t *Tracked) ChangedFields() []Field {
	return append([]Field(nil), t.changed...)
}

// SetMeta replaces the metadata without affecting the change set of the last Apply.
func (t *Tracked) SetMeta(meta Metadata) {
	t.current.Meta = meta
}

// Diff reports every field that differs from the original snapshot.
func (t *Tracked) Diff() map[Field]FieldDiff {
	before := fieldValues(t.original)
	after := fieldValues(t.current)
	diff := make(map[Field]FieldDiff)
	for _, field := range fieldOrder() {
		if before[field] != after[field] {
			diff[field] = FieldDiff{Old: before[field], New: after[field]}
		}
	}
	return diff
}

// Commit replaces both snapshots with the persisted entity.
func (t *Tracked) Commit(persisted Entity) {
	t.current = persisted
	t.original = persisted
	t.changed = nil
}

func changedFields(before, after Entity) []Field {
	beforeValues := fieldValues(before)
	afterValues := fieldValues(after)
	var changed []Field
	for _, field := range fieldOrder() {
		if beforeValues[field] != afterValues[field] {
			changed = append(changed, field)
		}
	}
	return changed
}

func fieldOrder() []Field {
	fields := []Field{FieldType, FieldUpdated, FieldWatched, FieldMeta}
	for _, ns := range Namespaces {
		fields = append(fields, Field(ns.Column()))
	}
	return fields
}

// fieldValues holds only comparable values so entries can be checked with ==.
func fieldValues(entity Entity) map[Field]any {
	values := map[Field]any{
		FieldType:    entity.Type,
		FieldUpdated: entity.Updated,
		FieldWatched: entity.Watched,
		FieldMeta:    entity.Meta,
	}
	for _, ns := range Namespaces {
		values[Field(ns.Column())] = entity.GUID(ns)
	}
	return values
}

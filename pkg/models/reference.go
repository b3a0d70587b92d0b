package models

// RecordReference identifies the external business entity a workflow
// instance governs. The engine never dereferences it directly; snapshots
// come from the record accessor registered for the kind.
type RecordReference struct {
	Kind string `json:"kind" db:"record_kind"`
	ID   string `json:"id" db:"record_id"`
}

func (r RecordReference) String() string {
	return r.Kind + "/" + r.ID
}

// IsZero reports whether the reference is empty.
func (r RecordReference) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

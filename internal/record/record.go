package record

import (
	"fmt"
	"maps"
	"time"
)

// Status is the disposition of a record. Approve/Reject/Flag actions move it.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusFlagged  Status = "flagged"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusFlagged:
		return true
	}
	return false
}

// Record is the canonical input model: a submitted testimonial or anything
// else the rules are written against.
type Record struct {
	ID         string                 `json:"id"`
	Status     Status                 `json:"status"`
	Fields     map[string]interface{} `json:"fields"`
	ObservedAt time.Time              `json:"observed_at,omitempty"`
}

// Lookup resolves a field by name. "id" and "status" resolve to the record's
// own attributes; everything else comes from Fields. A nil value counts as
// missing.
func (r *Record) Lookup(field string) (interface{}, bool) {
	switch field {
	case "id":
		return r.ID, r.ID != ""
	case "status":
		return string(r.Status), r.Status != ""
	}
	if r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Now is the instant relative time literals are resolved against.
func (r *Record) Now() time.Time {
	return r.ObservedAt
}

// Set writes a field value, allocating Fields if needed.
func (r *Record) Set(field string, v interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.Fields[field] = v
}

// Clone returns a copy whose Fields map can be mutated independently.
// Field values themselves are shared.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = maps.Clone(r.Fields)
	return &c
}

func (r *Record) String() string {
	return fmt.Sprintf("record %s (%s)", r.ID, r.Status)
}

// Package shard loads and persists the sharded baby-name dataset. Each shard
// is one JSON file holding a slice of the dataset; the store presents a flat
// view keyed by name and owns all disk I/O.
package shard

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Field names used by the enrichment pipeline.
const (
	FieldMeaning          = "meaning"
	FieldOrigin           = "origin"
	FieldCulturalContext  = "culturalContext"
	FieldEnrichedAt       = "enrichedAt"
	FieldEnrichmentSource = "enrichmentSource"
)

// Record is the canonical form of one dataset entry. The name is the stable
// identifier; everything else lives in Fields so shards can round-trip
// attributes this version of the tool does not know about.
type Record struct {
	Name   string
	Fields map[string]any
}

// UnmarshalJSON accepts both legacy shapes found in shard files: a bare name
// string, or an object with a "name" key plus arbitrary attributes.
func (r *Record) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("record is an empty string")
		}
		r.Name = s
		r.Fields = map[string]any{}
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("record is neither a string nor an object: %w", err)
	}

	name, _ := m["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("record has no name")
	}
	delete(m, "name")

	r.Name = name
	r.Fields = m
	return nil
}

// MarshalJSON always emits the object form.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["name"] = r.Name
	return json.Marshal(m)
}

// Field returns the string value of a field, or "" when absent or non-string.
func (r Record) Field(key string) string {
	v, _ := r.Fields[key].(string)
	return v
}

// Done reports whether the record carries a usable enrichment: a non-empty
// meaning and an origin that is not one of the known placeholder values.
// Records with an unknown origin are re-submitted even if they already have
// a meaning.
func (r Record) Done() bool {
	if strings.TrimSpace(r.Field(FieldMeaning)) == "" {
		return false
	}
	return !UnknownOrigin(r.Field(FieldOrigin))
}

// UnknownOrigin reports whether an origin value is a placeholder rather than
// a real linguistic origin.
func UnknownOrigin(origin string) bool {
	switch strings.ToLower(strings.TrimSpace(origin)) {
	case "", "unknown", "unknown origin", "not available", "n/a":
		return true
	}
	return false
}

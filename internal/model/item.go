// Package model defines the data types shared across the batch pipeline engine.
package model

import (
	"maps"
	"reflect"
	"slices"

	"github.com/rotisserie/eris"
)

// Payload is the arbitrary structured data carried by an item. Values must be
// JSON-compatible so that items survive a checkpoint round trip.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// String returns the value at key as a string, or "" when absent or not a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// NonEmpty reports whether the value at key is present and not empty.
func (p Payload) NonEmpty(key string) bool {
	v, ok := p[key]
	return ok && !IsEmptyValue(v)
}

// CountNonEmpty returns the number of keys holding non-empty values.
func (p Payload) CountNonEmpty() int {
	n := 0
	for _, v := range p {
		if !IsEmptyValue(v) {
			n++
		}
	}
	return n
}

// Keys returns the payload keys in sorted order.
func (p Payload) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// IsEmptyValue reports whether v carries no information: nil, a blank
// string, or an empty slice or map.
func IsEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case Payload:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Item is an opaque, identity-bearing unit of work. ID is caller-assigned and
// stable across runs; two items with the same ID are the same logical entity.
type Item struct {
	ID           string   `json:"id"`
	Payload      Payload  `json:"payload"`
	QualityFlags FlagSet  `json:"quality_flags"`
	Error        string   `json:"error,omitempty"`
	MergedFrom   []string `json:"merged_from,omitempty"`
}

// NewItem creates an item with the given id and payload.
func NewItem(id string, payload Payload) Item {
	return Item{ID: id, Payload: payload}
}

// Clone returns a copy that shares no mutable state with it.
func (it Item) Clone() Item {
	out := it
	out.Payload = it.Payload.Clone()
	out.QualityFlags = NewFlagSet(it.QualityFlags.Slice()...)
	out.MergedFrom = slices.Clone(it.MergedFrom)
	return out
}

// Flag adds quality flags to the item.
func (it *Item) Flag(flags ...QualityFlag) {
	it.QualityFlags.Add(flags...)
}

// ValidateIDs checks that every item has a non-empty ID and that IDs are
// unique within the slice.
func ValidateIDs(items []Item) error {
	seen := make(map[string]int, len(items))
	for i, it := range items {
		if it.ID == "" {
			return eris.Errorf("model: item at position %d has empty id", i)
		}
		if j, dup := seen[it.ID]; dup {
			return eris.Errorf("model: duplicate item id %q at positions %d and %d", it.ID, j, i)
		}
		seen[it.ID] = i
	}
	return nil
}

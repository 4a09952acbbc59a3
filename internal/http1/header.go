package http1

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// HeaderField represents a single HTTP header field (name-value pair).
// Name keeps the case it was received or set with.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered multimap of header fields with case-insensitive lookup.
// Insertion order is preserved for serialization; index maps the lower-cased
// name to the positions of its fields in insertion order.
type Header struct {
	fields []HeaderField
	index  map[string][]int
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{index: make(map[string][]int)}
}

func lowerName(name string) string {
	return strings.ToLower(name)
}

// Add appends a field, keeping any existing fields of the same name.
func (h *Header) Add(name, value string) {
	key := lowerName(name)
	h.index[key] = append(h.index[key], len(h.fields))
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Set replaces every field named name with a single field. The replacement
// takes the position of the first existing field, or is appended.
func (h *Header) Set(name, value string) {
	key := lowerName(name)
	pos, ok := h.index[key]
	if !ok {
		h.Add(name, value)
		return
	}
	h.fields[pos[0]] = HeaderField{Name: name, Value: value}
	if len(pos) > 1 {
		h.remove(key, pos[1:])
	}
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	key := lowerName(name)
	if pos, ok := h.index[key]; ok {
		h.remove(key, pos)
	}
}

func (h *Header) remove(key string, positions []int) {
	drop := make(map[int]bool, len(positions))
	for _, p := range positions {
		drop[p] = true
	}
	kept := h.fields[:0]
	for i, f := range h.fields {
		if !drop[i] {
			kept = append(kept, f)
		}
	}
	h.fields = kept
	h.reindex()
}

func (h *Header) reindex() {
	h.index = make(map[string][]int, len(h.fields))
	for i, f := range h.fields {
		key := lowerName(f.Name)
		h.index[key] = append(h.index[key], i)
	}
}

// Get returns the first value for name, or "" if absent.
func (h *Header) Get(name string) string {
	if h == nil {
		return ""
	}
	pos, ok := h.index[lowerName(name)]
	if !ok {
		return ""
	}
	return h.fields[pos[0]].Value
}

// Values returns every value for name in insertion order.
func (h *Header) Values(name string) []string {
	if h == nil {
		return nil
	}
	pos := h.index[lowerName(name)]
	if len(pos) == 0 {
		return nil
	}
	vals := make([]string, len(pos))
	for i, p := range pos {
		vals[i] = h.fields[p].Value
	}
	return vals
}

// Joined returns every value for name joined with ", ".
func (h *Header) Joined(name string) string {
	return strings.Join(h.Values(name), ", ")
}

// Has reports whether at least one field named name exists.
func (h *Header) Has(name string) bool {
	if h == nil {
		return false
	}
	_, ok := h.index[lowerName(name)]
	return ok
}

// Len returns the number of fields.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Fields returns a copy of the fields in insertion order.
func (h *Header) Fields() []HeaderField {
	if h == nil {
		return nil
	}
	out := make([]HeaderField, len(h.fields))
	copy(out, h.fields)
	return out
}

// Map returns the header as lower-cased name to values.
func (h *Header) Map() map[string][]string {
	m := make(map[string][]string)
	if h == nil {
		return m
	}
	for _, f := range h.fields {
		key := lowerName(f.Name)
		m[key] = append(m[key], f.Value)
	}
	return m
}

// ValidField reports whether name and value may be sent on the wire.
func ValidField(name, value string) bool {
	return httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value)
}

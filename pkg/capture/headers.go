// Package capture holds the data model for captured proxy traffic:
// requests, responses, WebSocket messages and their headers.
package capture

import (
	"net/http"
	"net/textproto"
	"slices"
	"strings"
)

// headerEntry is one stored header line. The original key case is kept
// for wire fidelity; lookups go through the canonical fold.
type headerEntry struct {
	key   string
	value string
}

// Headers is an ordered, case-insensitive multi-map of HTTP headers.
//
// Unlike net/http.Header it preserves both duplicate keys and the
// insertion order of every header line, so captured traffic can be
// reproduced byte-for-byte. The case of the first insertion of a key is
// the case reported for that key.
type Headers struct {
	entries []headerEntry
}

// NewHeaders creates a Headers populated from key/value pairs.
// The pairs slice must have even length; odd trailing elements are ignored.
func NewHeaders(pairs ...string) *Headers {
	h := &Headers{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// HeadersFromHTTP converts a net/http.Header into Headers.
// Go's map ordering is not defined, so keys are walked in the sorted
// order http.Header.Write would use; duplicate values keep their order.
func HeadersFromHTTP(src http.Header) *Headers {
	h := &Headers{}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range src[k] {
			h.Add(k, v)
		}
	}
	return h
}

func foldKey(k string) string {
	return textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k))
}

// Add appends a header line, preserving any existing values for key.
func (h *Headers) Add(key, value string) {
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

// Get returns the first value for key, or "" if the key is absent.
// Matching is case-insensitive.
func (h *Headers) Get(key string) string {
	fold := foldKey(key)
	for _, e := range h.entries {
		if foldKey(e.key) == fold {
			return e.value
		}
	}
	return ""
}

// Has reports whether at least one value exists for key.
func (h *Headers) Has(key string) bool {
	fold := foldKey(key)
	for _, e := range h.entries {
		if foldKey(e.key) == fold {
			return true
		}
	}
	return false
}

// Values returns all values for key in insertion order.
func (h *Headers) Values(key string) []string {
	fold := foldKey(key)
	var vals []string
	for _, e := range h.entries {
		if foldKey(e.key) == fold {
			vals = append(vals, e.value)
		}
	}
	return vals
}

// Set removes every existing value for key and appends a single value.
// This remove-all-then-add operation is the only way to guarantee a key
// ends up with exactly one value.
func (h *Headers) Set(key, value string) {
	h.Del(key)
	h.Add(key, value)
}

// Del removes all values for key.
func (h *Headers) Del(key string) {
	fold := foldKey(key)
	kept := h.entries[:0]
	for _, e := range h.entries {
		if foldKey(e.key) != fold {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Len returns the number of stored header lines, duplicates included.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Walk calls fn for every header line in insertion order.
// Returning false from fn stops the walk.
func (h *Headers) Walk(fn func(key, value string) bool) {
	for _, e := range h.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return nil
	}
	c := &Headers{entries: make([]headerEntry, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

// ToHTTP converts back to a net/http.Header. Insertion order within a
// key survives; relative order across keys does not (http.Header is a map).
func (h *Headers) ToHTTP() http.Header {
	out := make(http.Header, len(h.entries))
	for _, e := range h.entries {
		out[foldKey(e.key)] = append(out[foldKey(e.key)], e.value)
	}
	return out
}

// String renders the headers as wire-format lines, for logs and debugging.
func (h *Headers) String() string {
	var b strings.Builder
	for _, e := range h.entries {
		b.WriteString(e.key)
		b.WriteString(": ")
		b.WriteString(e.value)
		b.WriteString("\r\n")
	}
	return b.String()
}

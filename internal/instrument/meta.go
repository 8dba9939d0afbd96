// ABOUTME: Insertion-ordered string map used for instrument metadata
// ABOUTME: Marshals as a JSON object preserving key order

package instrument

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Meta is an insertion-ordered string to string map. The zero value is empty
// and ready to use.
type Meta struct {
	keys   []string
	values map[string]string
}

// NewMeta builds a Meta from alternating key, value pairs.
func NewMeta(pairs ...string) Meta {
	var m Meta
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

// Set stores v under k. Existing keys keep their position.
func (m *Meta) Set(k, v string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.values[k] = v
}

// Get returns the value for k.
func (m Meta) Get(k string) (string, bool) {
	v, ok := m.values[k]
	return v, ok
}

// Delete removes k if present.
func (m *Meta) Delete(k string) {
	if _, ok := m.values[k]; !ok {
		return
	}
	delete(m.values, k)
	for i, key := range m.keys {
		if key == k {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m Meta) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order.
func (m Meta) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Clone returns an independent copy.
func (m Meta) Clone() Meta {
	var c Meta
	for _, k := range m.keys {
		c.Set(k, m.values[k])
	}
	return c
}

// MarshalJSON writes the entries as an object in insertion order.
func (m Meta) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of string values, keeping document order.
func (m *Meta) UnmarshalJSON(data []byte) error {
	*m = Meta{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("meta: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("meta: expected key, got %v", tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("meta: value for %q: %w", key, err)
		}
		m.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

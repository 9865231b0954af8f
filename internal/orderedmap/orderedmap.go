// Package orderedmap provides a string keyed map that remembers the order in
// which keys were added.
package orderedmap

import (
	"bytes"
	"container/list"
	"encoding/json"
	"fmt"
)

type entry[V any] struct {
	key string
	val V
}

// Map is a map datastructure that allows accessing it's element in
// insertion order.
// The zero value is an empty map that is ready to use.
type Map[V any] struct {
	order *list.List
	m     map[string]*list.Element
}

func New[V any]() *Map[V] {
	return &Map[V]{
		order: list.New(),
		m:     map[string]*list.Element{},
	}
}

func (m *Map[V]) init() {
	if m.m == nil {
		m.order = list.New()
		m.m = map[string]*list.Element{}
	}
}

// Set stores val for key.
// If the key already exists, its value is replaced and its position is kept.
func (m *Map[V]) Set(key string, val V) {
	m.init()

	if e, exist := m.m[key]; exist {
		e.Value.(*entry[V]).val = val
		return
	}

	m.m[key] = m.order.PushBack(&entry[V]{key: key, val: val})
}

// Get returns the value for the given key.
// If the key does not exist, the zero value and false is returned.
func (m *Map[V]) Get(key string) (V, bool) {
	if m == nil {
		var zero V
		return zero, false
	}

	if e, exist := m.m[key]; exist {
		return e.Value.(*entry[V]).val, true
	}

	var zero V
	return zero, false
}

func (m *Map[V]) Has(key string) bool {
	if m == nil {
		return false
	}

	_, exist := m.m[key]
	return exist
}

// Delete removes key from the map.
func (m *Map[V]) Delete(key string) {
	e, exist := m.m[key]
	if !exist {
		return
	}

	delete(m.m, key)
	m.order.Remove(e)
}

// Len returns the number of elements in the maps.
func (m *Map[V]) Len() int {
	if m == nil || m.order == nil {
		return 0
	}

	return m.order.Len()
}

// Foreach iterates through the map in order.
// When fn returns false the iteration is aborted.
func (m *Map[V]) Foreach(fn func(key string, val V) bool) {
	if m.Len() == 0 {
		return
	}

	for e := m.order.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry[V])
		if !fn(ent.key, ent.val) {
			return
		}
	}
}

// Keys returns the keys in order.
func (m *Map[V]) Keys() []string {
	result := make([]string, 0, m.Len())

	m.Foreach(func(key string, _ V) bool {
		result = append(result, key)
		return true
	})

	return result
}

// MarshalJSON encodes the map as JSON object, the keys are written in order.
func (m *Map[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	var err error

	buf.WriteByte('{')

	i := 0
	m.Foreach(func(key string, val V) bool {
		var k, v []byte

		k, err = json.Marshal(key)
		if err != nil {
			return false
		}

		v, err = json.Marshal(val)
		if err != nil {
			err = fmt.Errorf("encoding value of key %q failed: %w", key, err)
			return false
		}

		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		i++

		return true
	})
	if err != nil {
		return nil, err
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into the map, the order of the keys in
// the document is preserved.
// Existing elements are removed.
func (m *Map[V]) UnmarshalJSON(data []byte) error {
	m.order = list.New()
	m.m = map[string]*list.Element{}

	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if tok == nil {
		return nil
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected a json object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected a json object key, got %v", tok)
		}

		var val V
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("decoding value of key %q failed: %w", key, err)
		}

		m.Set(key, val)
	}

	_, err = dec.Token()
	return err
}

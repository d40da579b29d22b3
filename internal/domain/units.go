package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Units maps unit IDs to their state while remembering declaration order.
// It is encoded as a JSON object whose keys appear in declaration order.
type Units struct {
	order []string
	byID  map[string]*UnitState
}

// Add appends a unit; IDs must be unique
func (us *Units) Add(u *UnitState) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	if us.byID == nil {
		us.byID = make(map[string]*UnitState)
	}
	if _, exists := us.byID[u.ID]; exists {
		return fmt.Errorf("duplicate unit id %q", u.ID)
	}
	us.order = append(us.order, u.ID)
	us.byID[u.ID] = u
	return nil
}

// Get looks up a unit by ID
func (us Units) Get(id string) (*UnitState, bool) {
	u, ok := us.byID[id]
	return u, ok
}

// Len returns the number of units
func (us Units) Len() int { return len(us.order) }

// IDs returns unit IDs in declaration order
func (us Units) IDs() []string {
	ids := make([]string, len(us.order))
	copy(ids, us.order)
	return ids
}

// All returns units in declaration order
func (us Units) All() []*UnitState {
	all := make([]*UnitState, 0, len(us.order))
	for _, id := range us.order {
		all = append(all, us.byID[id])
	}
	return all
}

// Index returns the declaration position of id, or -1
func (us Units) Index(id string) int {
	for i, v := range us.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (us Units) clone() Units {
	c := Units{
		order: make([]string, len(us.order)),
		byID:  make(map[string]*UnitState, len(us.byID)),
	}
	copy(c.order, us.order)
	for id, u := range us.byID {
		c.byID[id] = u.Clone()
	}
	return c
}

// MarshalJSON writes the units as an object in declaration order
func (us Units) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range us.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(us.byID[id])
		if err != nil {
			return nil, fmt.Errorf("unit %s: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of units, keeping key order
func (us *Units) UnmarshalJSON(data []byte) error {
	*us = Units{byID: make(map[string]*UnitState)}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("units: expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("units: expected string key, got %v", keyTok)
		}
		if _, dup := us.byID[key]; dup {
			return fmt.Errorf("units: duplicate key %q", key)
		}
		var u UnitState
		if err := dec.Decode(&u); err != nil {
			return fmt.Errorf("units: %s: %w", key, err)
		}
		us.order = append(us.order, key)
		us.byID[key] = &u
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

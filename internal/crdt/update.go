package crdt

import (
	"encoding/json"
	"fmt"
)

const (
	opInsert = "i"
	opDelete = "d"
)

// op is one wire operation. Inserts carry the atom, deletes reference the
// target atom id.
type op struct {
	Type string   `json:"t"`
	ID   AtomID   `json:"id"`
	Pos  Position `json:"pos,omitempty"`
	Ch   string   `json:"ch,omitempty"`
}

type update struct {
	Ops []op `json:"ops"`
}

func encodeOps(ops []op) []byte {
	buf, err := json.Marshal(update{Ops: ops})
	if err != nil {
		// update contains only marshalable fields
		panic(err)
	}
	return buf
}

func decodeOps(data []byte) ([]op, error) {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	for _, o := range u.Ops {
		if o.Type != opInsert && o.Type != opDelete {
			return nil, fmt.Errorf("decode update: unknown op type %q", o.Type)
		}
	}
	return u.Ops, nil
}

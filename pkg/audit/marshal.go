package audit

import (
	"database/sql/driver"
	"encoding/json"
	"reflect"

	"github.com/lib/pq"
)

// pqStringArray adapts []string to Postgres TEXT[] via lib/pq's array
// codec, independent of the driver registration side-effect import.
type pqStringArray []string

func (a pqStringArray) Value() (driver.Value, error) {
	return pq.Array([]string(a)).Value()
}

func (a *pqStringArray) Scan(src interface{}) error {
	var raw []string
	if err := pq.Array(&raw).Scan(src); err != nil {
		return err
	}
	*a = pqStringArray(raw)
	return nil
}

// marshalOrNil marshals v to JSON, returning nil bytes for a nil value (a nil
// interface, nil pointer, or nil map) so the column stores SQL NULL rather
// than the literal string "null".
func marshalOrNil(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// unmarshalIfPresent unmarshals raw into dst unless raw is empty/NULL.
func unmarshalIfPresent(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

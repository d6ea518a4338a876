package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/ekaya-inc/assay-engine/pkg/jsonutil"
)

// ValueKind tags the content of a cell.
type ValueKind uint8

const (
	ValueMissing ValueKind = iota
	ValueNumber
	ValueString
)

// Value is a single cell: a number, a string, or missing.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
}

// Number returns a numeric cell. Non-finite inputs become Missing.
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{Kind: ValueNumber, Num: f}
}

// Text returns a string cell.
func Text(s string) Value {
	return Value{Kind: ValueString, Str: s}
}

// Missing returns an empty cell.
func Missing() Value {
	return Value{}
}

// ParseValue builds a cell from imported text: numeric strings become numbers,
// blank strings become Missing.
func ParseValue(s string) Value {
	if f, ok := jsonutil.ParseNumber(s); ok {
		return Number(f)
	}
	if len(bytes.TrimSpace([]byte(s))) == 0 {
		return Missing()
	}
	return Text(s)
}

// Float returns the numeric content and whether the cell is a number.
func (v Value) Float() (float64, bool) {
	return v.Num, v.Kind == ValueNumber
}

// IsMissing reports whether the cell is empty.
func (v Value) IsMissing() bool {
	return v.Kind == ValueMissing
}

// String renders the cell for display and label matching.
func (v Value) String() string {
	switch v.Kind {
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case ValueString:
		return v.Str
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueString:
		return json.Marshal(v.Str)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*v = Missing()
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = Text(s)
		return nil
	case 't', 'f':
		*v = Text(string(trimmed))
		return nil
	}
	f, ok := jsonutil.FlexibleFloat(trimmed)
	if !ok {
		return fmt.Errorf("unsupported cell value %s", string(trimmed))
	}
	*v = Number(f)
	return nil
}

// Columns is an insertion-ordered map of column name to cell.
type Columns struct {
	keys   []string
	values map[string]Value
}

// NewColumns returns an empty column map.
func NewColumns() Columns {
	return Columns{values: make(map[string]Value)}
}

// Len returns the number of columns.
func (c Columns) Len() int {
	return len(c.keys)
}

// Keys returns column names in insertion order.
func (c Columns) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Get returns the cell for name.
func (c Columns) Get(name string) (Value, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Number returns the numeric content of name, if it is a number.
func (c Columns) Number(name string) (float64, bool) {
	v, ok := c.values[name]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Set stores a cell, appending the column if it is new.
func (c *Columns) Set(name string, v Value) {
	if c.values == nil {
		c.values = make(map[string]Value)
	}
	if _, exists := c.values[name]; !exists {
		c.keys = append(c.keys, name)
	}
	c.values[name] = v
}

// Delete removes a column.
func (c *Columns) Delete(name string) {
	if _, ok := c.values[name]; !ok {
		return
	}
	delete(c.values, name)
	for i, k := range c.keys {
		if k == name {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
}

// Clone returns an independent copy.
func (c Columns) Clone() Columns {
	out := Columns{
		keys:   make([]string, len(c.keys)),
		values: make(map[string]Value, len(c.values)),
	}
	copy(out.keys, c.keys)
	for k, v := range c.values {
		out.values[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same columns, order included.
func (c Columns) Equal(other Columns) bool {
	if len(c.keys) != len(other.keys) {
		return false
	}
	for i, k := range c.keys {
		if other.keys[i] != k || c.values[k] != other.values[k] {
			return false
		}
	}
	return true
}

func (c Columns) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := c.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *Columns) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*c = NewColumns()
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("columns must be a JSON object")
	}

	out := NewColumns()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected column key %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("column %q: %w", key, err)
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("column %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}

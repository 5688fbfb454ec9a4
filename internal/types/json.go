package types

import (
	"encoding/json"
	"fmt"
)

type jsonKind uint8

const (
	jsonNull jsonKind = iota
	jsonBool
	jsonNumber
	jsonString
	jsonArray
	jsonObject
)

// JSONValue is a parsed JSON document: null, bool, number, string, array or
// object. Values are immutable once constructed.
type JSONValue struct {
	kind jsonKind
	b    bool
	n    float64
	s    string
	arr  []JSONValue
	obj  map[string]JSONValue
}

func JSONNull() JSONValue            { return JSONValue{kind: jsonNull} }
func JSONBool(v bool) JSONValue      { return JSONValue{kind: jsonBool, b: v} }
func JSONNumber(v float64) JSONValue { return JSONValue{kind: jsonNumber, n: v} }
func JSONString(v string) JSONValue  { return JSONValue{kind: jsonString, s: v} }
func JSONArray(v ...JSONValue) JSONValue {
	return JSONValue{kind: jsonArray, arr: v}
}
func JSONObject(v map[string]JSONValue) JSONValue {
	return JSONValue{kind: jsonObject, obj: v}
}

// JSONFromAny converts a value produced by encoding/json unmarshalling into a
// JSONValue.
func JSONFromAny(v any) (JSONValue, error) {
	switch t := v.(type) {
	case nil:
		return JSONNull(), nil
	case bool:
		return JSONBool(t), nil
	case float64:
		return JSONNumber(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return JSONValue{}, err
		}
		return JSONNumber(f), nil
	case string:
		return JSONString(t), nil
	case []any:
		arr := make([]JSONValue, len(t))
		for i, e := range t {
			jv, err := JSONFromAny(e)
			if err != nil {
				return JSONValue{}, err
			}
			arr[i] = jv
		}
		return JSONArray(arr...), nil
	case map[string]any:
		obj := make(map[string]JSONValue, len(t))
		for k, e := range t {
			jv, err := JSONFromAny(e)
			if err != nil {
				return JSONValue{}, err
			}
			obj[k] = jv
		}
		return JSONObject(obj), nil
	default:
		return JSONValue{}, fmt.Errorf("types: unsupported json value %T", v)
	}
}

// ParseJSON parses a JSON document.
func ParseJSON(data []byte) (JSONValue, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return JSONValue{}, err
	}
	return JSONFromAny(v)
}

// ToAny converts back to the encoding/json representation.
func (j JSONValue) ToAny() any {
	switch j.kind {
	case jsonNull:
		return nil
	case jsonBool:
		return j.b
	case jsonNumber:
		return j.n
	case jsonString:
		return j.s
	case jsonArray:
		out := make([]any, len(j.arr))
		for i, e := range j.arr {
			out[i] = e.ToAny()
		}
		return out
	case jsonObject:
		out := make(map[string]any, len(j.obj))
		for k, e := range j.obj {
			out[k] = e.ToAny()
		}
		return out
	}
	return nil
}

func (j JSONValue) String() string {
	data, err := json.Marshal(j.ToAny())
	if err != nil {
		return "<invalid json>"
	}
	return string(data)
}

func (j JSONValue) Equal(o JSONValue) bool {
	if j.kind != o.kind {
		return false
	}
	switch j.kind {
	case jsonNull:
		return true
	case jsonBool:
		return j.b == o.b
	case jsonNumber:
		return j.n == o.n
	case jsonString:
		return j.s == o.s
	case jsonArray:
		if len(j.arr) != len(o.arr) {
			return false
		}
		for i := range j.arr {
			if !j.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case jsonObject:
		if len(j.obj) != len(o.obj) {
			return false
		}
		for k, v := range j.obj {
			ov, ok := o.obj[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Package canonical produces deterministic JSON: the same logical value
// always marshals to the same bytes, regardless of map iteration order. It
// backs the archival export envelope, so the uploaded bytes are reproducible
// across repeated uploads of the same logical event.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MarshalCanonical encodes v as deterministic JSON:
//   - map[string]interface{} keys are sorted lexicographically
//   - []interface{} elements keep their given order
//   - everything else round-trips through encoding/json
//
// v is typically the result of json.Unmarshal into interface{}; pass a
// struct through Normalize first if it hasn't already been decoded.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return buf.Bytes(), nil
}

// Normalize marshals v through encoding/json and decodes it back into a
// generic interface{} using UseNumber, so MarshalCanonical can be applied to
// a concrete struct (e.g. an archival envelope) rather than only to
// already-generic map/slice values.
func Normalize(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal for normalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode for normalize: %w", err)
	}
	return out, nil
}

// MarshalCanonicalValue is a convenience that normalizes v and then
// canonically marshals it in one call.
func MarshalCanonicalValue(v interface{}) ([]byte, error) {
	normalized, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(normalized)
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(vv.String())
	case float64:
		b, err := json.Marshal(vv)
		if err != nil {
			return err
		}
		buf.Write(b)
	case string:
		b, err := json.Marshal(vv)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []interface{}:
		return encodeArray(buf, vv)
	case map[string]interface{}:
		return encodeObject(buf, vv)
	default:
		normalized, err := Normalize(vv)
		if err != nil {
			return err
		}
		return encode(buf, normalized)
	}
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

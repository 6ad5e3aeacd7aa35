// Package codec contains the msgpack helpers used to persist and convert values.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	msgpack "github.com/vmihailenco/msgpack/v5"
)

// Marshal serializes v using msgpack.
func Marshal(v any) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	err := enc.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize data using msgpack: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal deserializes msgpack data into v.
// Values decoded into interfaces use loose decoding: every integer becomes int64 or uint64, and every float becomes float64.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(v)
	if err != nil {
		return fmt.Errorf("failed to deserialize data using msgpack: %w", err)
	}
	return nil
}

// Normalize returns a copy of v made only of maps with string keys, slices of any, and scalars.
// Two values that serialize to the same bytes normalize to deeply-equal values.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	err = Unmarshal(data, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Convert copies obj into the value pointed by into.
// When obj is directly assignable it's set as-is, otherwise the conversion goes through msgpack.
func Convert(obj any, into any) error {
	if into == nil {
		return errors.New("target object is nil")
	}

	intoVal := reflect.ValueOf(into)
	if intoVal.Kind() != reflect.Pointer || intoVal.IsNil() {
		return errors.New("target object must be a non-nil pointer")
	}

	if obj == nil {
		return nil
	}

	// Zero values leave the target untouched
	objVal := reflect.ValueOf(obj)
	if objVal.IsZero() {
		return nil
	}

	if objVal.Type().AssignableTo(intoVal.Elem().Type()) {
		intoVal.Elem().Set(objVal)
		return nil
	}

	data, err := Marshal(obj)
	if err != nil {
		return err
	}
	return Unmarshal(data, into)
}

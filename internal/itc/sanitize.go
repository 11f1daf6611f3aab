package itc

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// Sanitize returns a copy of v without the values that cannot cross a
// channel: funcs, channels and unsafe pointers, at any depth. Map entries
// holding such values are dropped; slice and array elements become nil so
// indices are preserved. Byte slices and values that marshal themselves are
// returned untouched. Plain structs are flattened into maps keyed by their
// JSON field names, with the fields of untagged embedded structs promoted
// as encoding/json does. A value that refers to itself is an error.
func Sanitize(v any) (any, error) {
	s := sanitizer{path: make(map[visit]struct{})}
	out, _, err := s.sanitize(reflect.ValueOf(v))
	return out, err
}

// visit identifies a pointer, map or slice on the current path.
type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type sanitizer struct {
	path map[visit]struct{}
}

// enter marks v as being on the current path. The returned func removes it.
func (s sanitizer) enter(v reflect.Value) (func(), error) {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, ok := s.path[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCyclicValue, v.Type())
	}
	s.path[key] = struct{}{}
	return func() { delete(s.path, key) }, nil
}

// sanitize reports ok=false when the value itself must be dropped.
func (s sanitizer) sanitize(v reflect.Value) (any, bool, error) {
	if !v.IsValid() {
		return nil, true, nil
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false, nil
	}

	if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			return nil, true, nil
		}
		return v.Interface(), true, nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, true, nil
		}
		return s.sanitize(v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			return nil, true, nil
		}
		leave, err := s.enter(v)
		if err != nil {
			return nil, false, err
		}
		defer leave()
		return s.sanitize(v.Elem())

	case reflect.Map:
		if v.IsNil() {
			return nil, true, nil
		}
		leave, err := s.enter(v)
		if err != nil {
			return nil, false, err
		}
		defer leave()
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			val, ok, err := s.sanitize(iter.Value())
			if err != nil {
				return nil, false, err
			}
			if ok {
				out[mapKey(iter.Key())] = val
			}
		}
		return out, true, nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, true, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), true, nil
		}
		if v.Len() > 0 {
			leave, err := s.enter(v)
			if err != nil {
				return nil, false, err
			}
			defer leave()
		}
		out, err := s.sanitizeList(v)
		return out, err == nil, err

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return b, true, nil
		}
		out, err := s.sanitizeList(v)
		return out, err == nil, err

	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		if err := s.sanitizeStruct(v, out, make(map[string]bool)); err != nil {
			return nil, false, err
		}
		return out, true, nil
	}

	return v.Interface(), true, nil
}

func (s sanitizer) sanitizeList(v reflect.Value) ([]any, error) {
	out := make([]any, v.Len())
	for i := range v.Len() {
		val, ok, err := s.sanitize(v.Index(i))
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = val
		}
	}
	return out, nil
}

// sanitizeStruct writes the fields of v into out. Fields of embedded
// structs are written after the struct's own fields and never replace a
// name already claimed at a shallower depth.
func (s sanitizer) sanitizeStruct(v reflect.Value, out map[string]any, claimed map[string]bool) error {
	t := v.Type()
	var embedded []reflect.Value
	own := make(map[string]bool)
	for i := range t.NumField() {
		f := t.Field(i)
		name, omitEmpty, skip := jsonField(f)
		if skip {
			continue
		}
		if tagName, _, _ := strings.Cut(f.Tag.Get("json"), ","); f.Anonymous && tagName == "" {
			if inner, ok, promote := embeddedStruct(f, v.Field(i)); promote {
				if ok {
					embedded = append(embedded, inner)
				}
				continue
			}
		}
		if !f.IsExported() || claimed[name] {
			continue
		}
		own[name] = true
		fv := v.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		val, ok, err := s.sanitize(fv)
		if err != nil {
			return err
		}
		if ok {
			out[name] = val
		}
	}

	for name := range own {
		claimed[name] = true
	}
	for _, inner := range embedded {
		if err := s.sanitizeStruct(inner, out, claimed); err != nil {
			return err
		}
	}
	return nil
}

// embeddedStruct reports whether an untagged embedded field promotes its
// fields, and returns the struct to promote from. A nil pointer promotes
// nothing.
func embeddedStruct(f reflect.StructField, fv reflect.Value) (inner reflect.Value, ok, promote bool) {
	t := f.Type
	if t.Kind() == reflect.Pointer {
		if t.Elem().Kind() != reflect.Struct {
			return reflect.Value{}, false, false
		}
		if !f.IsExported() || fv.IsNil() {
			return reflect.Value{}, false, true
		}
		return fv.Elem(), true, true
	}
	if t.Kind() != reflect.Struct {
		return reflect.Value{}, false, false
	}
	return fv, true, true
}

func jsonField(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	for _, o := range strings.Split(opts, ",") {
		if o == "omitempty" || o == "omitzero" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

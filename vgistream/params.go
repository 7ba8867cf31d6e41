// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ParamsTag is the struct tag that maps a transform parameter field to its
// wire name.
const ParamsTag = "vgistream"

// tagInfo holds parsed information from a `vgistream` struct tag.
type tagInfo struct {
	Name      string
	Default   *string // nil if no default
	ArrowType string  // explicit type override: "int32", "float32", "binary"
}

// parseTag parses a struct tag like "name", "name,default=5", "name,int32".
func parseTag(tag string) tagInfo {
	parts := strings.Split(tag, ",")
	info := tagInfo{Name: parts[0]}
	for _, part := range parts[1:] {
		if strings.HasPrefix(part, "default=") {
			val := strings.TrimPrefix(part, "default=")
			info.Default = &val
		} else {
			info.ArrowType = part
		}
	}
	return info
}

// paramField is one tagged struct field.
type paramField struct {
	Index int
	Type  reflect.Type
	Tag   tagInfo
}

// taggedFields lists the tagged fields of a struct type in declaration
// order. Fields tagged "-" or untagged are skipped.
func taggedFields(t reflect.Type) []paramField {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	var out []paramField
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get(ParamsTag)
		if tag == "" || tag == "-" {
			continue
		}
		out = append(out, paramField{Index: i, Type: f.Type, Tag: parseTag(tag)})
	}
	return out
}

// goTypeToArrowType maps a parameter field type to an Arrow DataType.
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}

	switch tag.ArrowType {
	case "int32":
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Float32:
		return arrow.PrimitiveTypes.Float32, nullable, nil
	case reflect.Bool:
		return arrow.FixedWidthTypes.Boolean, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nullable, nil
		}
		elemType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("list element: %w", err)
		}
		if elemType.ID() == arrow.LIST {
			return nil, false, fmt.Errorf("nested lists are not supported")
		}
		return arrow.ListOf(elemType), nullable, nil
	default:
		return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

// structToSchema builds an Arrow schema from a parameter struct type.
func structToSchema(t reflect.Type) (*arrow.Schema, error) {
	if t == nil {
		return nil, fmt.Errorf("nil params type")
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}
	var fields []arrow.Field
	seen := make(map[string]bool)
	for _, pf := range taggedFields(t) {
		if seen[pf.Tag.Name] {
			return nil, fmt.Errorf("duplicate parameter name %q", pf.Tag.Name)
		}
		seen[pf.Tag.Name] = true
		dt, nullable, err := goTypeToArrowType(pf.Type, pf.Tag)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", t.Field(pf.Index).Name, err)
		}
		if pf.Tag.Default != nil {
			probe := reflect.New(pf.Type).Elem()
			if err := setFieldFromString(probe, pf.Type, *pf.Tag.Default); err != nil {
				return nil, fmt.Errorf("field %s: %w", t.Field(pf.Index).Name, err)
			}
		}
		fields = append(fields, arrow.Field{Name: pf.Tag.Name, Type: dt, Nullable: nullable})
	}
	return arrow.NewSchema(fields, nil), nil
}

// extractDefaults returns the tag defaults keyed by parameter name.
func extractDefaults(t reflect.Type) map[string]string {
	defaults := make(map[string]string)
	for _, pf := range taggedFields(t) {
		if pf.Tag.Default != nil {
			defaults[pf.Tag.Name] = *pf.Tag.Default
		}
	}
	if len(defaults) == 0 {
		return nil
	}
	return defaults
}

// newParams returns a new value of type t with every tag default applied.
func newParams(t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	result := reflect.New(t).Elem()
	for _, pf := range taggedFields(t) {
		if pf.Tag.Default == nil {
			continue
		}
		if err := setFieldFromString(result.Field(pf.Index), pf.Type, *pf.Tag.Default); err != nil {
			return reflect.Value{}, fmt.Errorf("default for %s: %w", pf.Tag.Name, err)
		}
	}
	return result, nil
}

// serializeParams builds a 1-row record batch from a parameter struct.
func serializeParams(schema *arrow.Schema, value reflect.Value) (arrow.RecordBatch, error) {
	if value.Kind() == reflect.Ptr {
		value = value.Elem()
	}
	mem := memory.NewGoAllocator()
	fields := taggedFields(value.Type())
	cols := make([]arrow.Array, 0, len(fields))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for i, pf := range fields {
		b := array.NewBuilder(mem, schema.Field(i).Type)
		err := appendParam(b, value.Field(pf.Index))
		if err != nil {
			b.Release()
			return nil, fmt.Errorf("param %s: %w", pf.Tag.Name, err)
		}
		cols = append(cols, b.NewArray())
		b.Release()
	}
	return array.NewRecordBatch(schema, cols, 1), nil
}

// appendParam appends a single Go value to an Arrow builder.
func appendParam(b array.Builder, v reflect.Value) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			b.AppendNull()
			return nil
		}
		v = v.Elem()
	}
	switch b := b.(type) {
	case *array.StringBuilder:
		b.Append(v.String())
	case *array.Int64Builder:
		b.Append(v.Int())
	case *array.Int32Builder:
		n, err := narrowInt32(v.Int())
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float64Builder:
		b.Append(v.Float())
	case *array.Float32Builder:
		b.Append(float32(v.Float()))
	case *array.BooleanBuilder:
		b.Append(v.Bool())
	case *array.BinaryBuilder:
		if v.Kind() == reflect.String {
			b.AppendString(v.String())
		} else {
			b.Append(v.Bytes())
		}
	case *array.ListBuilder:
		if v.IsNil() {
			b.AppendNull()
			return nil
		}
		b.Append(true)
		vb := b.ValueBuilder()
		for i := range v.Len() {
			if err := appendParam(vb, v.Index(i)); err != nil {
				return fmt.Errorf("list element [%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

// deserializeParams reads row 0 from a record batch into a new value of
// the target struct type. Missing or null columns take the tag default.
func deserializeParams(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	if batch.NumCols() > 0 && batch.NumRows() != 1 {
		return reflect.Value{}, fmt.Errorf("params batch has %d rows, want 1", batch.NumRows())
	}
	result, err := newParams(target)
	if err != nil {
		return reflect.Value{}, err
	}

	for _, pf := range taggedFields(result.Type()) {
		colIdx := -1
		for ci := range batch.NumCols() {
			if batch.ColumnName(int(ci)) == pf.Tag.Name {
				colIdx = int(ci)
				break
			}
		}
		if colIdx == -1 {
			continue
		}
		col := batch.Column(colIdx)
		if col.IsNull(0) {
			continue
		}
		if err := setFieldFromArrow(result.Field(pf.Index), pf.Type, col, 0); err != nil {
			return reflect.Value{}, fmt.Errorf("field %s: %w", pf.Tag.Name, err)
		}
	}
	return result, nil
}

// setFieldFromArrow sets a struct field value from an Arrow array at idx.
func setFieldFromArrow(field reflect.Value, fieldType reflect.Type, col arrow.Array, idx int) error {
	isPtr := fieldType.Kind() == reflect.Ptr
	if isPtr {
		fieldType = fieldType.Elem()
	}
	target := field
	if isPtr {
		ptr := reflect.New(fieldType)
		field.Set(ptr)
		target = ptr.Elem()
	}

	switch c := col.(type) {
	case *array.String:
		if fieldType.Kind() != reflect.String {
			return fmt.Errorf("cannot set %v from string column", fieldType)
		}
		target.SetString(c.Value(idx))
	case *array.Int64:
		return setInt(target, c.Value(idx))
	case *array.Int32:
		return setInt(target, int64(c.Value(idx)))
	case *array.Float64:
		return setFloat(target, c.Value(idx))
	case *array.Float32:
		return setFloat(target, float64(c.Value(idx)))
	case *array.Boolean:
		if fieldType.Kind() != reflect.Bool {
			return fmt.Errorf("cannot set %v from bool column", fieldType)
		}
		target.SetBool(c.Value(idx))
	case *array.Binary:
		switch fieldType.Kind() {
		case reflect.String:
			target.SetString(string(c.Value(idx)))
		case reflect.Slice:
			target.SetBytes(append([]byte(nil), c.Value(idx)...))
		default:
			return fmt.Errorf("cannot set %v from binary column", fieldType)
		}
	case *array.List:
		if fieldType.Kind() != reflect.Slice {
			return fmt.Errorf("cannot set %v from list column", fieldType)
		}
		start, end := c.ValueOffsets(idx)
		values := c.ListValues()
		n := int(end - start)
		slice := reflect.MakeSlice(fieldType, n, n)
		for j := 0; j < n; j++ {
			if values.IsNull(int(start) + j) {
				continue
			}
			if err := setFieldFromArrow(slice.Index(j), fieldType.Elem(), values, int(start)+j); err != nil {
				return fmt.Errorf("list element [%d]: %w", j, err)
			}
		}
		target.Set(slice)
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

func setInt(v reflect.Value, n int64) error {
	switch v.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
		v.SetInt(n)
	case reflect.Float64, reflect.Float32:
		v.SetFloat(float64(n))
	default:
		return fmt.Errorf("cannot set %v from integer column", v.Type())
	}
	return nil
}

func setFloat(v reflect.Value, f float64) error {
	switch v.Kind() {
	case reflect.Float64, reflect.Float32:
		v.SetFloat(f)
	default:
		return fmt.Errorf("cannot set %v from float column", v.Type())
	}
	return nil
}

// setFieldFromString sets a struct field from a string default value.
func setFieldFromString(field reflect.Value, fieldType reflect.Type, s string) error {
	if fieldType.Kind() == reflect.Ptr {
		fieldType = fieldType.Elem()
		ptr := reflect.New(fieldType)
		field.Set(ptr)
		field = ptr.Elem()
	}
	switch fieldType.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int64, reflect.Int, reflect.Int32:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int default %q: %w", s, err)
		}
		field.SetInt(v)
	case reflect.Float64, reflect.Float32:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing float default %q: %w", s, err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("parsing bool default %q: %w", s, err)
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("default value parsing not supported for %v", fieldType.Kind())
	}
	return nil
}

// decodeJSONParams decodes a JSON object keyed by wire name into a new
// value of target, starting from the tag defaults. Unknown keys are an
// error. An empty document yields the defaults.
func decodeJSONParams(data []byte, target reflect.Type) (reflect.Value, error) {
	result, err := newParams(target)
	if err != nil {
		return reflect.Value{}, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return result, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return reflect.Value{}, fmt.Errorf("params must be a JSON object: %w", err)
	}
	byName := make(map[string]paramField)
	for _, pf := range taggedFields(result.Type()) {
		byName[pf.Tag.Name] = pf
	}
	for key, msg := range raw {
		pf, ok := byName[key]
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown parameter %q", key)
		}
		if string(bytes.TrimSpace(msg)) == "null" {
			continue
		}
		ptr := reflect.New(pf.Type)
		if err := json.Unmarshal(msg, ptr.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("parameter %q: %w", key, err)
		}
		result.Field(pf.Index).Set(ptr.Elem())
	}
	return result, nil
}

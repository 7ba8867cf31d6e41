// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgistream

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// transformInfo stores the registration details for one transform.
type transformInfo struct {
	Name          string
	Doc           string
	ParamsType    reflect.Type      // Go struct type for parameters
	ParamsSchema  *arrow.Schema     // Arrow schema of the capsule params batch
	ParamDefaults map[string]string // parameter defaults from struct tags
	build         func(reflect.Value) (Transform, error)
}

// Descriptor describes a registered transform.
type Descriptor struct {
	Name          string
	Doc           string
	ParamsSchema  *arrow.Schema
	ParamDefaults map[string]string
}

// Registry maps transform names to statically linked factories. Both the
// packing host and the worker must link the same registrations.
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]*transformInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transforms: make(map[string]*transformInfo)}
}

// DefaultRegistry is used by workers that are not given a registry.
var DefaultRegistry = NewRegistry()

// Register adds a transform factory under name. P must be a struct with
// `vgistream` tags; its fields are the transform's serialized
// configuration. Register panics on an invalid params type or a duplicate
// name, matching the init-time use it is meant for.
func Register[P any](r *Registry, name, doc string, build func(P) (Transform, error)) {
	var p P
	paramsType := reflect.TypeOf(p)
	if paramsType == nil || paramsType.Kind() != reflect.Struct {
		panic(fmt.Sprintf("vgistream: registering %q: params type %T must be a struct", name, p))
	}
	paramsSchema, err := structToSchema(paramsType)
	if err != nil {
		panic(fmt.Sprintf("vgistream: registering %q: invalid params type %T: %v", name, p, err))
	}
	if name == "" {
		panic("vgistream: registering transform with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.transforms[name]; dup {
		panic(fmt.Sprintf("vgistream: transform %q already registered", name))
	}
	r.transforms[name] = &transformInfo{
		Name:          name,
		Doc:           doc,
		ParamsType:    paramsType,
		ParamsSchema:  paramsSchema,
		ParamDefaults: extractDefaults(paramsType),
		build: func(v reflect.Value) (Transform, error) {
			return build(v.Interface().(P))
		},
	}
}

func (r *Registry) lookup(name string) (*transformInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q, available: %v", name, r.namesLocked())
	}
	return info, nil
}

// Names returns the registered transform names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.transforms))
	for name := range r.transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a descriptor for every registered transform, sorted by
// name.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.transforms))
	for _, name := range r.namesLocked() {
		out = append(out, r.transforms[name].descriptor())
	}
	return out
}

func (info *transformInfo) descriptor() Descriptor {
	return Descriptor{
		Name:          info.Name,
		Doc:           info.Doc,
		ParamsSchema:  info.ParamsSchema,
		ParamDefaults: info.ParamDefaults,
	}
}

// BuildJSON constructs the transform registered under name from a JSON
// object of parameters. Tag defaults are applied before decoding.
func (r *Registry) BuildJSON(name string, paramsJSON []byte) (Transform, error) {
	info, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	params, err := decodeJSONParams(paramsJSON, info.ParamsType)
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", name, err)
	}
	return info.construct(params)
}

// construct runs the factory and checks the result implements a facet.
func (info *transformInfo) construct(params reflect.Value) (t Transform, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			t, err = nil, fmt.Errorf("transform %q factory panicked: %v", info.Name, rv)
		}
	}()
	t, err = info.build(params)
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", info.Name, err)
	}
	if err := checkTransform(t); err != nil {
		return nil, fmt.Errorf("transform %q: %w", info.Name, err)
	}
	return t, nil
}

// paramsValue converts a caller-supplied params value (P, *P or a
// json.RawMessage object) to the registered struct type.
func (info *transformInfo) paramsValue(params any) (reflect.Value, error) {
	if params == nil {
		return newParams(info.ParamsType)
	}
	if raw, ok := params.(json.RawMessage); ok {
		v, err := decodeJSONParams(raw, info.ParamsType)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("transform %q: %w", info.Name, err)
		}
		return v, nil
	}
	v := reflect.ValueOf(params)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return newParams(info.ParamsType)
		}
		v = v.Elem()
	}
	if v.Type() != info.ParamsType {
		return reflect.Value{}, fmt.Errorf("transform %q takes %v, got %T", info.Name, info.ParamsType, params)
	}
	return v, nil
}

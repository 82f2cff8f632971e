// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Attributes is an ordered mapping of framework attribute names to values.
//
// Values are typically string, bool, int, float64 or []int. Numeric values decoded from JSON arrive as
// float64; the typed getters convert them.
type Attributes struct {
	keys   []string
	values map[string]any
}

// NewAttributes creates Attributes from alternating key/value pairs, e.g. NewAttributes(AttrGroups, 2).
// It panics if the pairs are malformed.
func NewAttributes(keyValues ...any) *Attributes {
	if len(keyValues)%2 != 0 {
		panic(fmt.Sprintf("NewAttributes requires key/value pairs, got %d arguments", len(keyValues)))
	}
	attrs := &Attributes{}
	for ii := 0; ii < len(keyValues); ii += 2 {
		key, ok := keyValues[ii].(string)
		if !ok {
			panic(fmt.Sprintf("NewAttributes key #%d must be a string, got %T", ii/2, keyValues[ii]))
		}
		attrs.Set(key, keyValues[ii+1])
	}
	return attrs
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Keys in insertion order.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	return slices.Clone(a.keys)
}

// Set a key. Existing keys keep their position.
func (a *Attributes) Set(key string, value any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, found := a.values[key]; !found {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Delete removes the key, if present.
func (a *Attributes) Delete(key string) {
	if a == nil {
		return
	}
	if _, found := a.values[key]; !found {
		return
	}
	delete(a.values, key)
	a.keys = slices.DeleteFunc(a.keys, func(k string) bool { return k == key })
}

// Get returns the value of key.
func (a *Attributes) Get(key string) (value any, found bool) {
	if a == nil {
		return nil, false
	}
	value, found = a.values[key]
	return
}

// GetString returns the attribute as a string, if it is one.
func (a *Attributes) GetString(key string) (string, bool) {
	v, found := a.Get(key)
	if !found {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool returns the attribute as a bool, if it is one.
func (a *Attributes) GetBool(key string) (bool, bool) {
	v, found := a.Get(key)
	if !found {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetInt returns the attribute as an int. Integral float64 values (from JSON) are accepted.
func (a *Attributes) GetInt(key string) (int, bool) {
	v, found := a.Get(key)
	if !found {
		return 0, false
	}
	return toInt(v)
}

// GetFloat returns the attribute as a float64.
func (a *Attributes) GetFloat(key string) (float64, bool) {
	v, found := a.Get(key)
	if !found {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// GetInts returns the attribute as a []int. JSON arrays ([]any of float64) are accepted.
func (a *Attributes) GetInts(key string) ([]int, bool) {
	v, found := a.Get(key)
	if !found {
		return nil, false
	}
	switch x := v.(type) {
	case []int:
		return slices.Clone(x), true
	case []any:
		ints := make([]int, len(x))
		for ii, e := range x {
			var ok bool
			if ints[ii], ok = toInt(e); !ok {
				return nil, false
			}
		}
		return ints, true
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case float64:
		if x == float64(int(x)) {
			return int(x), true
		}
	}
	return 0, false
}

// Equal returns whether the attribute key is present and equal to value.
// Numbers are compared by value, so int(2) equals float64(2).
func (a *Attributes) Equal(key string, value any) bool {
	v, found := a.Get(key)
	if !found {
		return false
	}
	if i1, ok := toInt(v); ok {
		if i2, ok := toInt(value); ok {
			return i1 == i2
		}
	}
	return reflect.DeepEqual(v, value)
}

// Clone returns a shallow copy: keys are copied, values are shared.
func (a *Attributes) Clone() *Attributes {
	a2 := &Attributes{}
	if a == nil {
		return a2
	}
	for _, key := range a.keys {
		a2.Set(key, a.values[key])
	}
	return a2
}

// Format implements fmt.Formatter.
func (a *Attributes) Format(f fmt.State, verb rune) {
	parts := make([]string, 0, a.Len())
	if a != nil {
		for _, key := range a.keys {
			parts = append(parts, fmt.Sprintf("%s=%v", key, a.values[key]))
		}
	}
	_, _ = fmt.Fprintf(f, "{%s}", strings.Join(parts, ", "))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds hyperparameters (learning rate, number of particles, shuffle period, etc.) as a
// plain key/value store, with typed accessors that convert between compatible types.
//
// Keys can be scoped with "/" (e.g. "worker_1/learning_rate"): a lookup for a scoped key falls back to the
// parent scopes, up to the root key ("learning_rate").
package params

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Params is a concurrency-safe hyperparameters store. The zero value is not usable, use New.
type Params struct {
	mu     sync.RWMutex
	values map[string]any
}

// New creates a Params with the given default values.
func New(defaults map[string]any) *Params {
	p := &Params{values: make(map[string]any, len(defaults))}
	for key, value := range defaults {
		p.values[key] = value
	}
	return p
}

// Set the value of key.
func (p *Params) Set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Get returns the value of key, searching from the most specific scope back to the root.
func (p *Params) Get(key string) (value any, found bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for {
		value, found = p.values[key]
		if found {
			return
		}
		idx := strings.Index(key, "/")
		if idx < 0 {
			return nil, false
		}
		// Drop the innermost scope: "a/b/key" -> "a/key" -> "key".
		lastSep := strings.LastIndex(key, "/")
		scope, name := key[:lastSep], key[lastSep+1:]
		if parentSep := strings.LastIndex(scope, "/"); parentSep >= 0 {
			key = scope[:parentSep] + "/" + name
		} else {
			key = name
		}
	}
}

// Keys returns all keys set, sorted.
func (p *Params) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.values))
	for key := range p.values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// String lists all parameters, one per line, sorted by key.
func (p *Params) String() string {
	var sb strings.Builder
	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		_, _ = fmt.Fprintf(&sb, "\t%s=%v\n", key, value)
	}
	return sb.String()
}

// GetParam returns the value of key converted to T, or an error if it is not set or cannot be converted.
func GetParam[T any](p *Params, key string) (T, error) {
	var zero T
	valueAny, found := p.Get(key)
	if !found || valueAny == nil {
		return zero, errors.Errorf("parameter %q not set", key)
	}
	if value, ok := valueAny.(T); ok {
		return value, nil
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(zero)
	if typeOfT == nil || !v.CanConvert(typeOfT) {
		return zero, errors.Errorf("parameter %q=(%T) %#v cannot be converted to %T", key, valueAny, valueAny, zero)
	}
	if (v.Kind() == reflect.String) != (typeOfT.Kind() == reflect.String) {
		// reflect converts integers to strings as runes, and strings to byte slices: neither is wanted.
		return zero, errors.Errorf("parameter %q=(%T) %#v cannot be converted to %T", key, valueAny, valueAny, zero)
	}
	return v.Convert(typeOfT).Interface().(T), nil
}

// GetParamOr returns the value of key converted to T, or defaultValue if the key is not set (or set to nil).
//
// It panics if the value is set but cannot be converted to T: that is a programming error in the
// configuration, and it is better reported as early as possible.
func GetParamOr[T any](p *Params, key string, defaultValue T) T {
	if p == nil {
		return defaultValue
	}
	valueAny, found := p.Get(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	value, err := GetParam[T](p, key)
	if err != nil {
		panic(err)
	}
	return value
}

// Number is the set of types accepted by GetPositive.
type Number interface {
	constraints.Integer | constraints.Float
}

// GetPositive returns the value of key, or defaultValue if not set, and an error if the value is not > 0.
func GetPositive[T Number](p *Params, key string, defaultValue T) (T, error) {
	value := defaultValue
	if p != nil {
		if valueAny, found := p.Get(key); found && valueAny != nil {
			var err error
			value, err = GetParam[T](p, key)
			if err != nil {
				return value, err
			}
		}
	}
	if value <= 0 {
		return value, errors.Errorf("parameter %q must be > 0, got %v", key, value)
	}
	return value, nil
}

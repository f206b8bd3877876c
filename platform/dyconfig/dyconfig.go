// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package dyconfig lets a running process register a config struct as
// dynamically changeable, and have a callback fire with the new value
// whenever it's pushed, without restarting the process.
package dyconfig

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

type registerKey struct{}

// RegisterKey is returned by Register; reserved for future unregistration
// support, following the teacher's own forward-declared shape.
type RegisterKey *registerKey

type entry struct {
	typ       reflect.Type
	current   reflect.Value
	callbacks []reflect.Value
}

var (
	mu       sync.Mutex
	registry = make(map[string]*entry)
)

// Register registers your config as dynamically changeable and calls the
// registered callback when it's changed.
//
// Provide a unique key for each registered config. You can register the
// same config struct with the same key multiple times; all but the first
// registration just add another callback. If serviceInKey is true, the
// caller's own service name should already be folded into key so the config
// isn't shared across services.
//
// defaults must be a concrete struct, not a pointer. callback must be a
// func(T) for the same T as defaults; it is called once synchronously with
// the current value (defaults, the first time key is registered) before
// Register returns, then again every time Update pushes a new value.
func Register(key string, serviceInKey bool, defaults interface{}, callback interface{}) (RegisterKey, error) {
	_ = serviceInKey // folded into key by the caller; kept for signature parity

	cbVal := reflect.ValueOf(callback)
	if cbVal.Kind() != reflect.Func || cbVal.Type().NumIn() != 1 || cbVal.Type().NumOut() != 0 {
		return nil, fmt.Errorf("dyconfig: callback must be a func(T) with no return value")
	}
	defVal := reflect.ValueOf(defaults)
	if defVal.Kind() != reflect.Struct {
		return nil, fmt.Errorf("dyconfig: defaults must be a concrete struct, got %T", defaults)
	}
	if cbVal.Type().In(0) != defVal.Type() {
		return nil, fmt.Errorf("dyconfig: callback parameter %s doesn't match defaults type %s", cbVal.Type().In(0), defVal.Type())
	}

	mu.Lock()
	e, ok := registry[key]
	if !ok {
		e = &entry{typ: defVal.Type(), current: defVal}
		registry[key] = e
	}
	e.callbacks = append(e.callbacks, cbVal)
	current := e.current
	mu.Unlock()

	cbVal.Call([]reflect.Value{current})
	return new(registerKey), nil
}

// Update decodes config against the struct type registered for key and
// notifies every callback registered for that key with the new value. It
// returns an error if no config has been registered under key yet.
func Update(key string, config json.RawMessage) error {
	mu.Lock()
	e, ok := registry[key]
	if !ok {
		mu.Unlock()
		return fmt.Errorf("dyconfig: no config registered for key %q", key)
	}
	typ := e.typ
	mu.Unlock()

	next := reflect.New(typ)
	if err := json.Unmarshal(config, next.Interface()); err != nil {
		return err
	}

	mu.Lock()
	e.current = next.Elem()
	callbacks := append([]reflect.Value(nil), e.callbacks...)
	mu.Unlock()

	for _, cb := range callbacks {
		cb.Call([]reflect.Value{next.Elem()})
	}
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package framework defines the interfaces of the adapters that convert models of a deep-learning
// framework to the graph.Graph model and back, and a registry of the available adapters.
//
// The core packages never depend on a specific framework: an adapter package registers itself
// during initialization, e.g.:
//
//	import _ "github.com/gomlx/mpquant/pkg/framework/jsongraph"
package framework

import (
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/pkg/errors"
)

// Reader converts a serialized framework model into a Graph.
type Reader interface {
	Read(r io.Reader) (*graph.Graph, error)
}

// Writer serializes a Graph, including its selected precisions, into a framework model.
type Writer interface {
	Write(w io.Writer, g *graph.Graph) error
}

// Adapter of one framework format.
type Adapter interface {
	Reader
	Writer

	// Name of the format, used to select it, e.g.: "json".
	Name() string
}

var (
	muRegistry sync.Mutex
	registered = make(map[string]Adapter)
)

// Register the adapter under its name. Call it during the initialization of the adapter package.
// Registering a second adapter with the same name replaces the first.
func Register(adapter Adapter) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registered[strings.ToLower(adapter.Name())] = adapter
}

// Get returns the adapter registered with the given name (case-insensitive).
func Get(name string) (Adapter, error) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	adapter, found := registered[strings.ToLower(name)]
	if !found {
		return nil, errors.Errorf("no framework adapter registered for %q, registered formats: %q", name, names())
	}
	return adapter, nil
}

// List the names of the registered adapters, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return names()
}

func names() []string {
	list := make([]string, 0, len(registered))
	for name := range registered {
		list = append(list, name)
	}
	slices.Sort(list)
	return list
}

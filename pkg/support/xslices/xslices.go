// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices has small slice utilities missing from the standard slices package.
package xslices

import (
	"flag"
	"fmt"
	"strings"
)

// Map returns a new slice with fn applied to each element of in.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	if in == nil {
		return nil
	}
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// Flag registers in flag.CommandLine a flag for a comma-separated list of T, with the given default value.
// parserFn parses each element, with surrounding spaces trimmed. Empty elements are ignored.
func Flag[T any](name string, defaultValue []T, usage string, parserFn func(valueStr string) (T, error)) *[]T {
	return FlagVar(flag.CommandLine, name, defaultValue, usage, parserFn)
}

// FlagVar is like Flag, but registers the flag in the given flag set.
func FlagVar[T any](fs *flag.FlagSet, name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	f := &listFlag[T]{values: defaultValue, parserFn: parserFn}
	fs.Var(f, name, usage)
	return &f.values
}

// listFlag implements flag.Value for a list of T.
type listFlag[T any] struct {
	values   []T
	parserFn func(valueStr string) (T, error)
}

func (f *listFlag[T]) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(Map(f.values, func(e T) string { return fmt.Sprint(e) }), ",")
}

func (f *listFlag[T]) Set(listStr string) error {
	values := make([]T, 0)
	for _, part := range strings.Split(listStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := f.parserFn(part)
		if err != nil {
			return fmt.Errorf("invalid element %q: %w", part, err)
		}
		values = append(values, v)
	}
	f.values = values
	return nil
}

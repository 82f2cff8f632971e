// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"
)

// StructuralError reports a change that would leave the graph invalid: a dangling edge, a cycle,
// a node removed while still connected, or a reference to a node that doesn't exist.
//
// It signals a bug in a framework adapter or in a substitution rule, and is never recovered from.
type StructuralError struct {
	// Op is the operation that failed, e.g. "Commit(fold batch norm)" or "Validate".
	Op string

	// Nodes involved (names), if any.
	Nodes []string

	// Edge involved, if any.
	Edge *Edge

	Reason string
}

// Error implements error.
func (e *StructuralError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "structural error in %s: %s", e.Op, e.Reason)
	if len(e.Nodes) > 0 {
		fmt.Fprintf(&sb, " (nodes %s)", strings.Join(e.Nodes, ", "))
	}
	if e.Edge != nil {
		fmt.Fprintf(&sb, " (edge %s)", e.Edge)
	}
	return sb.String()
}

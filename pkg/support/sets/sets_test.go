// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)

	s.Insert(7, 3)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(5))
	assert.Equal(t, []int{3, 7}, Sorted(s))

	s2 := MakeWith(5, 7)
	s3 := s.Sub(s2)
	assert.Equal(t, []int{3}, Sorted(s3))

	s.Delete(7, 11)
	assert.True(t, s.Equal(s3))
	assert.False(t, s.Equal(s2))
	assert.False(t, s.Equal(MakeWith(-3)))
}

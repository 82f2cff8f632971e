// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = FileExists(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReplaceTilde(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	got, err := ReplaceTilde("~/models/a.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "models/a.json"), got)

	got, err = ReplaceTilde("~")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(usr.HomeDir), got)

	got, err = ReplaceTilde("/tmp/~a.json")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/~a.json", got)

	_, err = ReplaceTilde("~no_such_user_for_sure/a.json")
	require.Error(t, err)
}

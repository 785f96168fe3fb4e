// Copyright 2026 The Flashfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mountlock_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/errs"
	"github.com/flashfs/flashfs/internal/mountlock"
)

func TestAcquire_SecondAttemptIsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	first, err := mountlock.Acquire(path)
	require.NoError(t, err)
	defer first.Release()

	_, err = mountlock.Acquire(path)
	assert.ErrorIs(t, err, errs.ErrBusy)
}

func TestAcquire_ReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	first, err := mountlock.Acquire(path)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := mountlock.Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestRelease_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	l, err := mountlock.Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
}

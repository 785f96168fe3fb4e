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

// Package mountlock takes an advisory exclusive flock on the device image
// file so two flashfs processes never mount the same image concurrently,
// the platform-glue complement to internal/gate's in-process serialization
// (spec.md §5). It is grounded on the same syscall.LOCK_EX|syscall.LOCK_NB
// pattern a store directory lock uses elsewhere in the retrieval pack,
// rebuilt on golang.org/x/sys/unix for the explicit error-kind match spec.md
// §7's ErrBusy needs.
package mountlock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/flashfs/flashfs/internal/errs"
)

// Lock is a held advisory lock on a device image file. The zero value is
// not usable; construct with Acquire.
type Lock struct {
	f *os.File
}

// Acquire opens path (creating it if absent) and takes a non-blocking
// exclusive flock on it. It returns errs.ErrBusy, wrapped with path, if
// another process already holds the lock.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mountlock: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("mountlock: %s: %w", path, errs.ErrBusy)
		}
		return nil, fmt.Errorf("mountlock: flock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Release drops the flock and closes the underlying file descriptor. It is
// safe to call more than once; every call after the first is a no-op
// returning nil.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("mountlock: unlock: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("mountlock: close: %w", closeErr)
	}
	return nil
}

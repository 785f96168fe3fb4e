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

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flashfs/flashfs/internal/errs"
)

// Attr carries the settable attributes of an object for SetAttr. Nil
// fields are left unchanged.
type Attr struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	ATime *time.Time
	MTime *time.Time
}

// SetAttr is the chmod/chown/utimes-equivalent core operation: it applies
// attr to objID (resolving hardlinks to the canonical target), stamps
// ctime, and rewrites the object header so the change survives a remount.
func (d *Device) SetAttr(ctx context.Context, objID uint32, attr Attr) error {
	return d.mutate(ctx, func() error {
		obj, ok := d.store.ByID(objID)
		if !ok {
			return fmt.Errorf("engine: setattr: %w", errs.ErrNotFound)
		}
		obj = d.store.Resolve(obj)

		if attr.Mode != nil {
			obj.Mode = *attr.Mode
		}
		if attr.UID != nil {
			obj.UID = *attr.UID
		}
		if attr.GID != nil {
			obj.GID = *attr.GID
		}
		if attr.ATime != nil {
			obj.ATime = *attr.ATime
		}
		if attr.MTime != nil {
			obj.MTime = *attr.MTime
		}
		obj.CTime = d.clock.Now()

		if err := d.headers.UpdateOH(ctx, obj, "", false, 0, nil); err != nil {
			return fmt.Errorf("engine: setattr: write header: %w", err)
		}
		d.invalidateCheckpoint(ctx)
		return nil
	})
}

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

	"github.com/flashfs/flashfs/internal/errs"
	"github.com/flashfs/flashfs/internal/header"
	"github.com/flashfs/flashfs/internal/objstore"
)

// Extended attributes live in the header chunk's trailer (spec.md §4.8/§6),
// so every xattr mutation is one UpdateOH cycle and every query is one
// header read. Fake directories have no header chunk and therefore carry no
// xattrs.

func (d *Device) xattrObject(objID uint32) (*objstore.Object, error) {
	obj, ok := d.store.ByID(objID)
	if !ok {
		return nil, fmt.Errorf("engine: xattr: %w", errs.ErrNotFound)
	}
	return d.store.Resolve(obj), nil
}

// GetXAttr returns the value of key on objID.
func (d *Device) GetXAttr(ctx context.Context, objID uint32, key string) (value []byte, err error) {
	if err := d.requireMounted(); err != nil {
		return nil, err
	}
	err = d.gate.With(ctx, func() error {
		obj, oerr := d.xattrObject(objID)
		if oerr != nil {
			return oerr
		}
		oh, ok, herr := d.headers.ReadOH(ctx, obj)
		if herr != nil {
			return fmt.Errorf("engine: xattr: %w", herr)
		}
		if !ok {
			return fmt.Errorf("engine: xattr: %w", errs.ErrNotFound)
		}
		v, present := header.GetXAttr(oh, key)
		if !present {
			return fmt.Errorf("engine: xattr %q: %w", key, errs.ErrNotFound)
		}
		value = v
		return nil
	})
	return value, err
}

// ListXAttr returns every xattr key present on objID.
func (d *Device) ListXAttr(ctx context.Context, objID uint32) (keys []string, err error) {
	if err := d.requireMounted(); err != nil {
		return nil, err
	}
	err = d.gate.With(ctx, func() error {
		obj, oerr := d.xattrObject(objID)
		if oerr != nil {
			return oerr
		}
		oh, ok, herr := d.headers.ReadOH(ctx, obj)
		if herr != nil {
			return fmt.Errorf("engine: xattr: %w", herr)
		}
		if ok {
			keys = header.ListXAttr(oh)
		}
		return nil
	})
	return keys, err
}

// SetXAttr sets key to value on objID, rewriting its header chunk.
func (d *Device) SetXAttr(ctx context.Context, objID uint32, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("engine: xattr: %w", errs.ErrInvalidArgument)
	}
	return d.mutate(ctx, func() error {
		obj, oerr := d.xattrObject(objID)
		if oerr != nil {
			return oerr
		}
		if err := d.headers.UpdateOH(ctx, obj, "", false, 0, header.SetXAttrMod(key, value)); err != nil {
			return fmt.Errorf("engine: xattr: %w", err)
		}
		d.invalidateCheckpoint(ctx)
		return nil
	})
}

// RemoveXAttr deletes key from objID, failing with errs.ErrNotFound if it
// was not present.
func (d *Device) RemoveXAttr(ctx context.Context, objID uint32, key string) error {
	return d.mutate(ctx, func() error {
		obj, oerr := d.xattrObject(objID)
		if oerr != nil {
			return oerr
		}
		oh, ok, herr := d.headers.ReadOH(ctx, obj)
		if herr != nil {
			return fmt.Errorf("engine: xattr: %w", herr)
		}
		if !ok {
			return fmt.Errorf("engine: xattr: %w", errs.ErrNotFound)
		}
		if _, present := header.GetXAttr(oh, key); !present {
			return fmt.Errorf("engine: xattr %q: %w", key, errs.ErrNotFound)
		}
		if err := d.headers.UpdateOH(ctx, obj, "", false, 0, header.RemoveXAttrMod(key)); err != nil {
			return fmt.Errorf("engine: xattr: %w", err)
		}
		d.invalidateCheckpoint(ctx)
		return nil
	})
}

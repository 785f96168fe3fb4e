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

package header

import (
	"encoding/binary"
	"fmt"
)

// The xattr trailer is a stream of (key, value) entries: a NUL-terminated
// key followed by a uint32 value length and the value bytes. This is the
// original's yaffs_apply_xattr_mod surface (get/set/remove/list),
// generalized from the on-disk xattr blob to the opaque Xattr trailer
// carried by OH.

func parseXattrEntries(trailer []byte) map[string][]byte {
	entries := make(map[string][]byte)
	i := 0
	for i < len(trailer) {
		nul := i
		for nul < len(trailer) && trailer[nul] != 0 {
			nul++
		}
		if nul >= len(trailer) {
			break
		}
		key := string(trailer[i:nul])
		i = nul + 1
		if i+4 > len(trailer) {
			break
		}
		n := binary.LittleEndian.Uint32(trailer[i:])
		i += 4
		if i+int(n) > len(trailer) {
			break
		}
		entries[key] = append([]byte(nil), trailer[i:i+int(n)]...)
		i += int(n)
	}
	return entries
}

func formatXattrEntries(entries map[string][]byte) []byte {
	var out []byte
	for k, v := range entries {
		out = append(out, k...)
		out = append(out, 0)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
		out = append(out, lenBuf[:]...)
		out = append(out, v...)
	}
	return out
}

// GetXAttr looks up key in oh's xattr trailer.
func GetXAttr(oh OH, key string) (value []byte, ok bool) {
	v, ok := parseXattrEntries(oh.Xattr)[key]
	return v, ok
}

// ListXAttr returns every key present in oh's xattr trailer.
func ListXAttr(oh OH) []string {
	entries := parseXattrEntries(oh.Xattr)
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	return keys
}

// SetXAttrMod returns an XattrMod that sets key to value, for use with
// Manager.UpdateOH.
func SetXAttrMod(key string, value []byte) *XattrMod {
	return &XattrMod{Apply: func(trailer []byte) []byte {
		entries := parseXattrEntries(trailer)
		entries[key] = append([]byte(nil), value...)
		return formatXattrEntries(entries)
	}}
}

// RemoveXAttrMod returns an XattrMod that deletes key, for use with
// Manager.UpdateOH. Removing an absent key is a no-op, matching the
// original's tolerant yaffs_apply_xattr_mod behavior.
func RemoveXAttrMod(key string) *XattrMod {
	return &XattrMod{Apply: func(trailer []byte) []byte {
		entries := parseXattrEntries(trailer)
		delete(entries, key)
		return formatXattrEntries(entries)
	}}
}

// ErrXAttrTooLarge names an xattr set that would overflow the header chunk
// once re-encoded. No function in this package returns it.
var ErrXAttrTooLarge = fmt.Errorf("header: xattr value too large")

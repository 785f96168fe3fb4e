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

package header_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/internal/header"
)

func TestSetXAttrMod_ThenGetXAttr(t *testing.T) {
	var oh header.OH
	oh.Xattr = header.SetXAttrMod("user.foo", []byte("bar")).Apply(oh.Xattr)

	v, ok := header.GetXAttr(oh, "user.foo")
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), v)
}

func TestRemoveXAttrMod_DropsKey(t *testing.T) {
	var oh header.OH
	oh.Xattr = header.SetXAttrMod("user.foo", []byte("bar")).Apply(oh.Xattr)
	oh.Xattr = header.RemoveXAttrMod("user.foo").Apply(oh.Xattr)

	_, ok := header.GetXAttr(oh, "user.foo")
	assert.False(t, ok)
}

func TestRemoveXAttrMod_AbsentKeyIsNoop(t *testing.T) {
	var oh header.OH
	oh.Xattr = header.RemoveXAttrMod("user.missing").Apply(oh.Xattr)
	assert.Empty(t, header.ListXAttr(oh))
}

func TestListXAttr_ReturnsEveryKey(t *testing.T) {
	var oh header.OH
	oh.Xattr = header.SetXAttrMod("user.a", []byte("1")).Apply(oh.Xattr)
	oh.Xattr = header.SetXAttrMod("user.b", []byte("2")).Apply(oh.Xattr)

	assert.ElementsMatch(t, []string{"user.a", "user.b"}, header.ListXAttr(oh))
}

// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package segment_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-shmbus/segment"
)

func TestHeap(t *testing.T) {
	t.Parallel()

	for _, size := range []int{1, 7, 8, 100, 4096, 1 << 20} {
		seg := segment.NewHeap(size)

		assert.Equal(t, size, seg.Size())
		assert.Empty(t, seg.Path())
		assert.False(t, seg.Shared())
		assert.Zero(t, uintptr(unsafe.Pointer(&seg.Bytes()[0]))%8, "size %d", size)

		require.NoError(t, seg.Remove())
		require.NoError(t, seg.Close())
		assert.Zero(t, seg.Size())
	}
}

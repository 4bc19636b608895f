// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build unix

package segment_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-shmbus/segment"
)

func TestSharedSegment(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	name := fmt.Sprintf("segment-test-%d", os.Getpid())

	primary, err := segment.Create(name, 8192)
	req.NoError(err)

	t.Cleanup(func() {
		primary.Remove() //nolint:errcheck
	})

	req.True(primary.Shared())
	req.Equal(segment.Path(name), primary.Path())
	req.Equal(8192, primary.Size())

	_, err = segment.Create(name, 8192)
	req.Error(err)

	secondary, err := segment.Open(name)
	req.NoError(err)
	req.Equal(8192, secondary.Size())

	// both mappings share the same pages
	primary.Bytes()[100] = 42
	req.EqualValues(42, secondary.Bytes()[100])

	secondary.Bytes()[8191] = 7
	req.EqualValues(7, primary.Bytes()[8191])

	req.NoError(secondary.Close())
	req.NoError(primary.Close())
	req.NoError(primary.Remove())

	_, err = segment.Open(name)
	req.Error(err)
}

func TestCreateInvalidSize(t *testing.T) {
	t.Parallel()

	_, err := segment.Create(fmt.Sprintf("segment-invalid-%d", os.Getpid()), 0)
	require.Error(t, err)
}

// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build unix

package shmbus_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-shmbus"
	"github.com/siderolabs/go-shmbus/mempool"
	"github.com/siderolabs/go-shmbus/queue"
)

func TestSharedArea(t *testing.T) {
	t.Parallel()

	req := require.New(t)

	name := fmt.Sprintf("area-test-%d", os.Getpid())

	primary := newArea(t,
		shmbus.WithName(name),
		shmbus.WithMempools(mempool.Config{{PayloadSize: 64, Count: 4}}),
		shmbus.WithNumQueues(1),
	)

	t.Cleanup(func() {
		primary.Remove() //nolint:errcheck
	})

	req.Equal(name, primary.Name())

	_, err := shmbus.NewArea(shmbus.WithName(name))
	req.Error(err)

	pub, p := newAreaPublisher(t, primary)

	idx, ring, err := primary.ClaimQueue(queue.DiscardOldest)
	req.NoError(err)

	p.Connect(ring, false)

	secondary, err := shmbus.OpenArea(name, shmbus.WithLogger(zaptest.NewLogger(t)))
	req.NoError(err)

	t.Cleanup(func() {
		require.NoError(t, secondary.Close())
	})

	req.Equal(primary.Size(), secondary.Size())
	req.Equal(primary.Memory().Config(), secondary.Memory().Config())

	subscriber, err := secondary.AttachQueue(idx)
	req.NoError(err)

	sample, err := pub.Loan()
	req.NoError(err)

	sample.Get().Counter = 1234
	sample.Publish()

	// the chunk is read through the other mapping
	ref, ok := subscriber.Pop()
	req.True(ok)

	h := secondary.Memory().Header(ref)
	req.EqualValues(1234, (*radarObject)(h.Payload()).Counter)
	req.Equal(p.Data().ID(), h.OriginPort())

	secondary.Memory().Release(h)

	req.Equal(3, primary.Memory().FreeChunks())
	req.Equal(3, secondary.Memory().FreeChunks())

	ports := secondary.Ports()
	req.Len(ports, 1)
	req.Equal(radar, ports[0].Service)

	_, err = shmbus.OpenArea(name + "-missing")
	req.Error(err)
}

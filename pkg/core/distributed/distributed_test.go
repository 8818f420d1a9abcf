// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gomlx/stein/pkg/core/particles"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testLayout() particles.Layout {
	return particles.NewLayout([]particles.Slot{{Name: "w", Shape: []int{2}}, {Name: "b"}})
}

func TestRole(t *testing.T) {
	assert.Equal(t, Coordinator, RoleOf(0))
	assert.Equal(t, Follower, RoleOf(1))
	assert.Equal(t, Follower, RoleOf(7))
	assert.Equal(t, "Coordinator", Coordinator.String())
	assert.Equal(t, "Follower", Follower.String())
	assert.Equal(t, "Particles", KindParticles.String())
}

func TestLocalCluster(t *testing.T) {
	_, err := NewLocalCluster(0)
	require.Error(t, err)

	transports, err := NewLocalCluster(3)
	require.NoError(t, err)
	worlds := make([]*World, len(transports))
	for rank, transport := range transports {
		worlds[rank], err = NewWorld(transport)
		require.NoError(t, err)
		assert.Equal(t, rank, worlds[rank].Rank())
		assert.Equal(t, 3, worlds[rank].Size())
	}
	assert.True(t, worlds[0].IsCoordinator())
	assert.Equal(t, Follower, worlds[2].Role())

	t.Run("copies messages", func(t *testing.T) {
		block := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
		require.NoError(t, worlds[1].Send(0, Message{Kind: KindParticles, Layout: testLayout(), Block: block}))
		block.Set(0, 0, 100)
		msg, err := worlds[0].Recv(1)
		require.NoError(t, err)
		assert.Equal(t, 1, msg.Source)
		assert.Equal(t, KindParticles, msg.Kind)
		assert.Equal(t, 1.0, msg.Block.At(0, 0))
		assert.True(t, msg.Layout.Equal(testLayout()))
	})

	t.Run("ordered per source", func(t *testing.T) {
		for i := range 3 {
			require.NoError(t, worlds[2].Send(0, Message{Kind: KindValidation, Err: fmt.Sprintf("from 2: %d", i)}))
			require.NoError(t, worlds[1].Send(0, Message{Kind: KindValidation, Err: fmt.Sprintf("from 1: %d", i)}))
		}
		for i := range 3 {
			msg, err := worlds[0].Recv(1)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("from 1: %d", i), msg.Err)
		}
		for i := range 3 {
			msg, err := worlds[0].Recv(AnySource)
			require.NoError(t, err)
			assert.Equal(t, 2, msg.Source)
			assert.Equal(t, fmt.Sprintf("from 2: %d", i), msg.Err)
		}
	})

	t.Run("blocks until sent", func(t *testing.T) {
		var wg conc.WaitGroup
		var got Message
		wg.Go(func() {
			var err error
			got, err = worlds[2].Recv(0)
			assert.NoError(t, err)
		})
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, worlds[0].Send(2, Message{Kind: KindValidation, Err: "late"}))
		wg.Wait()
		assert.Equal(t, "late", got.Err)
	})

	t.Run("invalid ranks", func(t *testing.T) {
		require.Error(t, worlds[0].Send(0, Message{}))
		require.Error(t, worlds[0].Send(3, Message{}))
		_, err := worlds[1].Recv(-2)
		require.Error(t, err)
	})

	t.Run("close", func(t *testing.T) {
		var wg conc.WaitGroup
		wg.Go(func() {
			_, err := worlds[1].Recv(AnySource)
			assert.ErrorIs(t, err, ErrClosed)
		})
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, worlds[1].Close())
		wg.Wait()
		require.NoError(t, worlds[1].Close())
	})
}

func TestTCPTransport(t *testing.T) {
	const numWorkers = 3
	session := NewSession()
	transports := make([]*TCPTransport, numWorkers)
	for rank := range transports {
		addresses := make([]string, numWorkers)
		for i := range addresses {
			addresses[i] = "127.0.0.1:0"
		}
		var err error
		transports[rank], err = NewTCPTransport(TCPConfig{
			Rank: rank, Addresses: addresses, Session: session, DialRetry: 10 * time.Millisecond})
		require.NoError(t, err)
	}
	for _, transport := range transports {
		for rank, peer := range transports {
			transport.SetAddress(rank, peer.Addr().String())
		}
	}
	defer func() {
		for _, transport := range transports {
			require.NoError(t, transport.Close())
		}
	}()

	// Followers send a block to the coordinator, the coordinator replies with a validation message.
	var wg conc.WaitGroup
	for rank := 1; rank < numWorkers; rank++ {
		wg.Go(func() {
			block := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, float64(rank)})
			assert.NoError(t, transports[rank].Send(0, Message{Kind: KindParticles, Layout: testLayout(), Block: block}))
			msg, err := transports[rank].Recv(0)
			assert.NoError(t, err)
			assert.Equal(t, KindValidation, msg.Kind)
			assert.Equal(t, fmt.Sprintf("ack %d", rank), msg.Err)
			assert.Nil(t, msg.Block)
		})
	}
	seen := make(map[int]bool)
	for range numWorkers - 1 {
		msg, err := transports[0].Recv(AnySource)
		require.NoError(t, err)
		seen[msg.Source] = true
		require.NotNil(t, msg.Block)
		assert.Equal(t, float64(msg.Source), msg.Block.At(1, 2))
		assert.True(t, msg.Layout.Equal(testLayout()))
		require.NoError(t, transports[0].Send(msg.Source, Message{Kind: KindValidation, Err: fmt.Sprintf("ack %d", msg.Source)}))
	}
	wg.Wait()
	assert.Equal(t, map[int]bool{1: true, 2: true}, seen)
}

func TestTCPTransportPendingDial(t *testing.T) {
	// Worker 2 never starts: its address is a port nobody listens on.
	unused, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	unusedAddr := unused.Addr().String()
	require.NoError(t, unused.Close())

	session := NewSession()
	transports := make([]*TCPTransport, 2)
	for rank := range transports {
		transports[rank], err = NewTCPTransport(TCPConfig{
			Rank: rank, Addresses: []string{"127.0.0.1:0", "127.0.0.1:0", unusedAddr},
			Session: session, DialRetry: 10 * time.Millisecond})
		require.NoError(t, err)
	}
	defer func() { require.NoError(t, transports[1].Close()) }()
	for _, transport := range transports {
		for rank, peer := range transports {
			transport.SetAddress(rank, peer.Addr().String())
		}
	}

	pending := make(chan error, 1)
	go func() { pending <- transports[0].Send(2, Message{Kind: KindValidation}) }()
	time.Sleep(50 * time.Millisecond)

	// Sends to a connected peer are not blocked by the pending dial.
	sent := make(chan error, 1)
	go func() { sent <- transports[0].Send(1, Message{Kind: KindValidation, Err: "hi"}) }()
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Send to worker 1 blocked by the dial to worker 2")
	}
	msg, err := transports[1].Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Err)

	// Closing the transport ends the pending dial.
	require.NoError(t, transports[0].Close())
	select {
	case err := <-pending:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending dial not interrupted by Close")
	}
}

func TestTCPTransportConfig(t *testing.T) {
	_, err := NewTCPTransport(TCPConfig{Rank: 0, Session: "x"})
	require.Error(t, err)
	_, err = NewTCPTransport(TCPConfig{Rank: 2, Addresses: []string{"127.0.0.1:0"}, Session: "x"})
	require.Error(t, err)
	_, err = NewTCPTransport(TCPConfig{Rank: 0, Addresses: []string{"127.0.0.1:0"}})
	require.Error(t, err)
}

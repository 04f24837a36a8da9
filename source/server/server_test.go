package server

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanquest/treasurehunt/core/events"
	"github.com/lanquest/treasurehunt/internal/channel"
	"github.com/lanquest/treasurehunt/internal/game"
	"github.com/lanquest/treasurehunt/internal/linktest"
	"github.com/lanquest/treasurehunt/pkg/frame"
)

func fastChannelConfig() channel.Config {
	cfg := channel.DefaultConfig()
	cfg.InitialTimeout = 30 * time.Millisecond
	cfg.MaxTimeout = 90 * time.Millisecond
	cfg.TimeoutStep = 30 * time.Millisecond
	cfg.RetryPaceUnit = 2 * time.Millisecond
	cfg.DataAckGap = time.Millisecond
	return cfg
}

// TestHandleMoveRepliesWithoutPhantomACK exercises Run/handle against a
// fake link end to end: the peer sends a single un-acked MOVE_RIGHT
// frame, exactly as the client does, and must see the server's OK_ACK
// as the very first frame back — not a phantom ACK of the move itself.
func TestHandleMoveRepliesWithoutPhantomACK(t *testing.T) {
	a, b := linktest.NewPair()

	srv := &Server{
		ch:   channel.New(a, fastChannelConfig()),
		game: game.New(rand.New(rand.NewSource(1)), nil),
		bus:  events.NewBus(),
	}
	srv.wireEvents()

	peerCh := channel.New(b, fastChannelConfig())

	go func() {
		pkt, err := srv.ch.RecvRaw(time.Now().Add(time.Second))
		if err != nil {
			return
		}
		srv.handle(pkt)
	}()

	movePkt := frame.NewPacket(0, frame.TypeMoveRight, nil)
	require.NoError(t, peerCh.SendUnacked(movePkt))

	resp, err := peerCh.RecvRaw(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, frame.TypeOKAck, resp.Type, "first frame back must be the real OK_ACK, not a phantom ACK of the move")
	require.Equal(t, []byte{1, 0}, resp.Payload()[:2])
}

package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanquest/treasurehunt/internal/linktest"
	"github.com/lanquest/treasurehunt/pkg/frame"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialTimeout = 20 * time.Millisecond
	cfg.MaxTimeout = 60 * time.Millisecond
	cfg.TimeoutStep = 20 * time.Millisecond
	cfg.RetryPaceUnit = 2 * time.Millisecond
	cfg.DataAckGap = time.Millisecond
	return cfg
}

func TestSendRecvHappyPath(t *testing.T) {
	a, b := linktest.NewPair()
	sender := New(a, fastConfig())
	receiver := New(b, fastConfig())

	p := frame.NewPacket(3, frame.TypeMoveRight, nil)

	done := make(chan error, 1)
	go func() { done <- sender.Send(p) }()

	got, err := receiver.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, p.Seq, got.Seq)
	require.Equal(t, p.Type, got.Type)

	require.NoError(t, <-done)
}

func TestSendRetransmitsOnDroppedFirstAttempt(t *testing.T) {
	a, b := linktest.NewPair()
	sender := New(a, fastConfig())
	receiver := New(b, fastConfig())

	dropped := false
	// Fake.Send consults the *destination's* Drop hook before delivery,
	// so to drop a's outgoing frame in flight to b, the hook lives on b.
	b.Drop = func(wire [frame.WireSize]byte) bool {
		p, _ := frame.Unpack(wire[:])
		if p.Type == frame.TypeMoveUp && !dropped {
			dropped = true
			return true
		}
		return false
	}

	p := frame.NewPacket(1, frame.TypeMoveUp, nil)
	done := make(chan error, 1)
	go func() { done <- sender.Send(p) }()

	got, err := receiver.Recv(time.Now().Add(2 * time.Second))
	require.NoError(t, err)
	require.Equal(t, p.Seq, got.Seq)
	require.NoError(t, <-done)
	require.True(t, dropped, "expected first attempt to be dropped")
}

func TestSendFailsAfterMaxRetries(t *testing.T) {
	a, _ := linktest.NewPair()
	sender := New(a, fastConfig())
	sender.cfg.MaxRetries = 2

	p := frame.NewPacket(0, frame.TypeMoveDown, nil)
	err := sender.Send(p)
	require.Error(t, err)
}

func TestWrongSeqAckIsIgnored(t *testing.T) {
	a, b := linktest.NewPair()
	cfg := fastConfig()
	cfg.MaxRetries = 1
	sender := New(a, cfg)

	// b plays a hostile peer: acks with the wrong seq, then the right one.
	go func() {
		wire, _, err := b.Recv(time.Now().Add(time.Second))
		if err != nil {
			return
		}
		p, _ := frame.Unpack(wire[:])
		wrong := frame.NewPacket((p.Seq+1)&0x1F, frame.TypeACK, nil)
		b.Send(frame.Pack(wrong), nil)
		time.Sleep(5 * time.Millisecond)
		right := frame.NewPacket(p.Seq, frame.TypeACK, nil)
		b.Send(frame.Pack(right), nil)
	}()

	p := frame.NewPacket(7, frame.TypeMoveLeft, nil)
	require.NoError(t, sender.Send(p))
}

func TestAckPacketsAreNotThemselvesAcked(t *testing.T) {
	a, _ := linktest.NewPair()
	sender := New(a, fastConfig())

	ack := frame.NewPacket(4, frame.TypeACK, nil)
	start := time.Now()
	require.NoError(t, sender.Send(ack))
	require.Less(t, time.Since(start), 15*time.Millisecond, "ACK send must return immediately")
}

func TestRecvDoubleAcksDataPackets(t *testing.T) {
	a, b := linktest.NewPair()
	receiver := New(b, fastConfig())

	data := frame.NewPacket(2, frame.TypeData, []byte("chunk"))
	require.NoError(t, a.Send(frame.Pack(data), nil))

	_, err := receiver.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)

	// Both ACKs should have arrived in a's inbox.
	first, _, err := a.Recv(time.Now().Add(100 * time.Millisecond))
	require.NoError(t, err)
	second, _, err := a.Recv(time.Now().Add(100 * time.Millisecond))
	require.NoError(t, err)

	p1, _ := frame.Unpack(first[:])
	p2, _ := frame.Unpack(second[:])
	require.Equal(t, frame.TypeACK, p1.Type)
	require.Equal(t, frame.TypeACK, p2.Type)
	require.Equal(t, data.Seq, p1.Seq)
	require.Equal(t, data.Seq, p2.Seq)
}

func TestInvalidFrameIsSilentlyDropped(t *testing.T) {
	a, b := linktest.NewPair()
	receiver := New(b, fastConfig())

	good := frame.NewPacket(0, frame.TypeMoveRight, nil)
	bad := frame.Pack(good)
	bad[3] ^= 0xFF // corrupt checksum

	require.NoError(t, a.Send(bad, nil))
	require.NoError(t, a.Send(frame.Pack(good), nil))

	got, err := receiver.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, good.Seq, got.Seq)
}

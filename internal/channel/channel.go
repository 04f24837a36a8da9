// Package channel implements the stop-and-wait ARQ reliability
// discipline the link-layer protocol runs on: one in-flight packet at
// a time, retransmission with growing backoff on timeout, and strict
// sequence-number matching on ACKs.
package channel

import (
	"fmt"
	"net"
	"time"

	"github.com/lanquest/treasurehunt/internal/metrics"
	"github.com/lanquest/treasurehunt/pkg/frame"
	"github.com/lanquest/treasurehunt/pkg/link"
	"github.com/lanquest/treasurehunt/pkg/logger"
)

// Config tunes the ARQ timing. DefaultConfig matches the values named
// in the protocol design: 1000ms initial timeout growing by 300ms per
// retry up to a 2000ms cap, 100ms*retry inter-attempt pacing, and a
// 10ms gap between the two ACKs sent for DATA frames.
type Config struct {
	InitialTimeout time.Duration
	MaxTimeout     time.Duration
	TimeoutStep    time.Duration
	RetryPaceUnit  time.Duration
	DataAckGap     time.Duration
	MaxRetries     int // general packets (moves, control)
	DataMaxRetries int // DATA-heavy phases
}

func DefaultConfig() Config {
	return Config{
		InitialTimeout: 1000 * time.Millisecond,
		MaxTimeout:     2000 * time.Millisecond,
		TimeoutStep:    300 * time.Millisecond,
		RetryPaceUnit:  100 * time.Millisecond,
		DataAckGap:     10 * time.Millisecond,
		MaxRetries:     5,
		DataMaxRetries: 10,
	}
}

// Channel borrows a link.Link and layers the ARQ state machine on top
// of it. It tracks the peer's hardware address, refreshed from the
// source of the most recently accepted frame — there is no handshake.
type Channel struct {
	link link.Link
	peer net.HardwareAddr
	cfg  Config
}

func New(l link.Link, cfg Config) *Channel {
	return &Channel{link: l, cfg: cfg}
}

// Peer returns the address frames are currently addressed to.
func (c *Channel) Peer() net.HardwareAddr { return c.peer }

// MaxRetries returns the configured general-purpose retry bound.
func (c *Channel) MaxRetries() int { return c.cfg.MaxRetries }

// DataMaxRetries returns the configured data-phase retry bound.
func (c *Channel) DataMaxRetries() int { return c.cfg.DataMaxRetries }

// SetPeer pins the destination address explicitly. Without it the
// address stays nil until the first inbound frame is accepted, and
// link.Endpoint sends frames addressed to a nil peer to the broadcast
// address.
func (c *Channel) SetPeer(addr net.HardwareAddr) { c.peer = addr }

// Send runs the general-purpose stop-and-wait send with cfg.MaxRetries,
// confirmed by a plain ACK.
func (c *Channel) Send(p frame.Packet) error {
	return c.sendWithRetries(p, frame.TypeACK, c.cfg.MaxRetries)
}

// SendData runs the data-phase stop-and-wait send with
// cfg.DataMaxRetries, for use during the DATA-chunk streaming phase of
// a file transfer.
func (c *Channel) SendData(p frame.Packet) error {
	return c.sendWithRetries(p, frame.TypeACK, c.cfg.DataMaxRetries)
}

// SendExpect runs the same stop-and-wait discipline as Send, but
// confirms delivery with ackType instead of a plain ACK — the backup
// variant confirms its DATA and END_TX packets with OK/OK_CHSUM rather
// than ACK.
func (c *Channel) SendExpect(p frame.Packet, ackType frame.Type, maxRetries int) error {
	return c.sendWithRetries(p, ackType, maxRetries)
}

func (c *Channel) sendWithRetries(p frame.Packet, ackType frame.Type, maxRetries int) error {
	timeout := c.cfg.InitialTimeout

	for retry := 0; retry <= maxRetries; retry++ {
		wire := frame.Pack(p)
		if err := c.link.Send(wire, c.peer); err != nil {
			return fmt.Errorf("channel: send seq=%d type=%s: %w", p.Seq, p.Type, err)
		}
		metrics.FramesSent.Inc()

		// ACK/NACK packets are never themselves acknowledged.
		if p.Type == frame.TypeACK || p.Type == frame.TypeNACK {
			return nil
		}

		deadline := time.Now().Add(timeout)
		if c.waitForAck(p.Seq, ackType, deadline) {
			return nil
		}

		metrics.Timeouts.Inc()
		if retry == maxRetries {
			break
		}
		metrics.Retransmits.Inc()
		logger.Warn("channel: timeout waiting for %s seq=%d type=%s, retry %d/%d", ackType, p.Seq, p.Type, retry+1, maxRetries)

		time.Sleep(c.cfg.RetryPaceUnit * time.Duration(retry+1))
		timeout = growTimeout(timeout, c.cfg)
	}

	return fmt.Errorf("channel: max retries (%d) exceeded for seq=%d type=%s", maxRetries, p.Seq, p.Type)
}

func growTimeout(cur time.Duration, cfg Config) time.Duration {
	next := cur + cfg.TimeoutStep
	if next > cfg.MaxTimeout {
		return cfg.MaxTimeout
	}
	return next
}

// waitForAck drains inbound frames until deadline, accepting only a
// valid frame of type ackType whose seq mirrors wantSeq. Any other
// frame — wrong type, wrong seq, failed checksum — is silently
// ignored and the wait continues; out-of-window ACKs are discarded
// rather than terminating the wait. An ERROR frame, regardless of its
// seq, ends the wait early so the caller retransmits immediately
// instead of idling out the rest of the timeout — the backup variant's
// "any inbound ERROR triggers retransmission of the current chunk".
func (c *Channel) waitForAck(wantSeq uint8, ackType frame.Type, deadline time.Time) bool {
	for {
		wire, peer, err := c.link.Recv(deadline)
		if err != nil {
			return false
		}
		got, uerr := frame.Unpack(wire[:])
		if uerr != nil || !frame.Validate(got) {
			continue
		}
		if got.Type == frame.TypeError {
			metrics.FramesReceived.Inc()
			c.peer = peer
			return false
		}
		if got.Type != ackType {
			continue
		}
		if got.Seq != wantSeq {
			continue
		}
		metrics.FramesReceived.Inc()
		c.peer = peer
		return true
	}
}

// Recv drains inbound frames until deadline elapses or a valid frame
// arrives. On a valid frame it ACKs (twice, with a gap, for DATA) then
// returns the packet. Invalid frames are silently dropped.
func (c *Channel) Recv(deadline time.Time) (frame.Packet, error) {
	for {
		wire, peer, err := c.link.Recv(deadline)
		if err != nil {
			return frame.Packet{}, fmt.Errorf("channel: recv: %w", err)
		}
		p, uerr := frame.Unpack(wire[:])
		if uerr != nil || !frame.Validate(p) {
			continue
		}

		metrics.FramesReceived.Inc()
		c.peer = peer

		c.sendAck(p.Seq)
		if p.Type == frame.TypeData {
			time.Sleep(c.cfg.DataAckGap)
			c.sendAck(p.Seq)
		}

		return p, nil
	}
}

// AckSeq sends a single bare ACK mirroring seq. Exported for callers
// that must acknowledge a frame read outside Recv's normal loop — the
// file-transfer SIZE packet, observed by the session driver's own
// main-loop read rather than through Recv, still needs exactly one ACK
// per spec.md's fire-and-synchronize exception (no double-ACK, since
// it isn't a DATA frame).
func (c *Channel) AckSeq(seq uint8) {
	c.sendAck(seq)
}

// RecvRaw reads and validates exactly one inbound frame before
// deadline, without sending any acknowledgement itself. Used by
// control flows that wait for a specific confirmation type the normal
// ACK-everything Recv loop would otherwise swallow — the backup
// variant's OK_SIZE confirmation, and the file receiver's wait for the
// sender's un-acked SIZE frame.
func (c *Channel) RecvRaw(deadline time.Time) (frame.Packet, error) {
	for {
		wire, peer, err := c.link.Recv(deadline)
		if err != nil {
			return frame.Packet{}, fmt.Errorf("channel: recv-raw: %w", err)
		}
		p, uerr := frame.Unpack(wire[:])
		if uerr != nil || !frame.Validate(p) {
			continue
		}
		metrics.FramesReceived.Inc()
		c.peer = peer
		return p, nil
	}
}

// sendAck transmits a bare ACK mirroring seq, bypassing the ARQ
// send-with-retries path entirely: ACKs are fire-and-forget.
func (c *Channel) sendAck(seq uint8) {
	ack := frame.NewPacket(seq, frame.TypeACK, nil)
	wire := frame.Pack(ack)
	if err := c.link.Send(wire, c.peer); err != nil {
		logger.Warn("channel: failed to send ACK seq=%d: %v", seq, err)
		return
	}
	metrics.FramesSent.Inc()
}

// SendUnacked transmits a frame exactly once without awaiting its ACK
// — used for the file-transfer SIZE packet, which must reach a peer
// blocked in its main-loop read rather than in Recv (spec.md
// §4.4's "fire-and-synchronize" exception).
func (c *Channel) SendUnacked(p frame.Packet) error {
	wire := frame.Pack(p)
	if err := c.link.Send(wire, c.peer); err != nil {
		return fmt.Errorf("channel: send-unacked seq=%d type=%s: %w", p.Seq, p.Type, err)
	}
	metrics.FramesSent.Inc()
	return nil
}

// Link exposes the underlying link, for callers that must read raw
// frames directly instead of through Recv or RecvRaw.
func (c *Channel) Link() link.Link { return c.link }

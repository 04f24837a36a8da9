// Package linktest provides an in-memory link.Link pair for exercising
// the reliable channel and file-transfer protocol without a raw
// socket, including deterministic frame drops for loss scenarios.
package linktest

import (
	"net"
	"time"

	"github.com/lanquest/treasurehunt/pkg/frame"
	"github.com/lanquest/treasurehunt/pkg/link"
)

// Fake is a link.Link backed by a buffered channel fed by its peer.
// Drop, when non-nil, is consulted before a frame is delivered to
// Recv's caller: returning true silently discards the frame, modeling
// a corrupted-in-flight or lost frame.
type Fake struct {
	name    string
	mac     net.HardwareAddr
	inbox   chan [frame.WireSize]byte
	peerOf  *Fake
	peer    net.HardwareAddr
	timeout time.Duration
	Drop    func(wire [frame.WireSize]byte) bool
}

var _ link.Link = (*Fake)(nil)

// NewPair builds two connected fakes, as if they were opposite ends of
// a point-to-point Ethernet link.
func NewPair() (a, b *Fake) {
	a = &Fake{name: "a", mac: net.HardwareAddr{0, 0, 0, 0, 0, 1}, inbox: make(chan [frame.WireSize]byte, 64), timeout: time.Second}
	b = &Fake{name: "b", mac: net.HardwareAddr{0, 0, 0, 0, 0, 2}, inbox: make(chan [frame.WireSize]byte, 64), timeout: time.Second}
	a.peerOf, b.peerOf = b, a
	return a, b
}

func (f *Fake) Send(wire [frame.WireSize]byte, _ net.HardwareAddr) error {
	if f.peerOf.Drop != nil && f.peerOf.Drop(wire) {
		return nil
	}
	select {
	case f.peerOf.inbox <- wire:
	default:
	}
	return nil
}

func (f *Fake) Recv(deadline time.Time) ([frame.WireSize]byte, net.HardwareAddr, error) {
	var zero [frame.WireSize]byte
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return zero, nil, link.ErrTimeout
	}
	select {
	case wire := <-f.inbox:
		f.peer = f.peerOf.mac
		return wire, f.peer, nil
	case <-time.After(remaining):
		return zero, nil, link.ErrTimeout
	}
}

func (f *Fake) LastPeer() net.HardwareAddr   { return f.peer }
func (f *Fake) SetTimeout(d time.Duration)   { f.timeout = d }
func (f *Fake) Timeout() time.Duration       { return f.timeout }
func (f *Fake) MAC() net.HardwareAddr        { return f.mac }

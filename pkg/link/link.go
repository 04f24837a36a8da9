// Package link provides the layer-2 socket abstraction the reliable
// channel is built on: open a named interface in promiscuous mode,
// and send/receive raw Ethernet frames with a deadline. There is no
// IP layer underneath it and no routing above it.
package link

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/lanquest/treasurehunt/pkg/frame"
)

// EtherType tags our frames on the wire so the BPF filter and peers on
// shared media can tell them apart from unrelated traffic. 0x88B5 is
// one of the IEEE-reserved "local experimental" EtherType values.
const EtherType = 0x88B5

// snapLen only ever needs to capture our fixed-size payload plus the
// 14-byte Ethernet header gopacket adds underneath it.
const snapLen = 14 + frame.WireSize + 32

// pollTimeout is the pcap read timeout used to wake Recv periodically
// so it can re-check its caller-supplied deadline; it is not itself
// the protocol-level ARQ timeout.
const pollTimeout = 50 * time.Millisecond

// ErrTimeout is returned by Recv when no valid frame arrives before
// the deadline.
var ErrTimeout = errors.New("link: receive timed out")

// Link is the surface the reliable channel depends on. *Endpoint
// satisfies it against a real pcap handle; tests substitute an
// in-memory fake so the ARQ state machine can run without raw socket
// privileges.
type Link interface {
	Send(wire [frame.WireSize]byte, peer net.HardwareAddr) error
	Recv(deadline time.Time) ([frame.WireSize]byte, net.HardwareAddr, error)
	LastPeer() net.HardwareAddr
	SetTimeout(d time.Duration)
	Timeout() time.Duration
}

var _ Link = (*Endpoint)(nil)

// Endpoint owns a promiscuous-mode raw capture handle bound to one
// network interface. It is not safe for concurrent use from more than
// one goroutine — the session driver that owns it runs a single event
// loop.
type Endpoint struct {
	handle  *pcap.Handle
	iface   net.HardwareAddr
	peer    net.HardwareAddr
	timeout time.Duration
}

// Open binds a promiscuous-mode capture handle to ifaceName and
// installs a BPF filter that only admits frames carrying EtherType.
func Open(ifaceName string) (*Endpoint, error) {
	nic, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("link: interface lookup %q: %w", ifaceName, err)
	}

	// A short poll timeout rather than BlockForever lets Recv wake up
	// regularly to re-check its caller-supplied deadline.
	handle, err := pcap.OpenLive(ifaceName, snapLen, true, pollTimeout)
	if err != nil {
		return nil, fmt.Errorf("link: open %q promiscuous: %w", ifaceName, err)
	}

	filter := fmt.Sprintf("ether proto 0x%04x", EtherType)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("link: set BPF filter: %w", err)
	}

	return &Endpoint{
		handle:  handle,
		iface:   nic.HardwareAddr,
		timeout: 1000 * time.Millisecond,
	}, nil
}

// Close releases the underlying capture handle.
func (e *Endpoint) Close() error {
	e.handle.Close()
	return nil
}

// SetTimeout configures the default receive/send deadline duration
// used by callers that derive their deadline from it (the reliable
// channel computes `time.Now().Add(d)` itself per attempt).
func (e *Endpoint) SetTimeout(d time.Duration) {
	e.timeout = d
}

// Timeout returns the currently configured default deadline duration.
func (e *Endpoint) Timeout() time.Duration {
	return e.timeout
}

// LastPeer returns the MAC address most recently observed as the
// source of a valid inbound frame, or nil if none has arrived yet.
// There is no session handshake: both sides simply trust the source
// address of the last frame they accepted.
func (e *Endpoint) LastPeer() net.HardwareAddr {
	return e.peer
}

// Send writes one 68-byte frame addressed to peer. If peer is nil, the
// broadcast address is used (first contact, before any peer has been
// observed).
func (e *Endpoint) Send(wire [frame.WireSize]byte, peer net.HardwareAddr) error {
	dst := peer
	if dst == nil {
		dst = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	eth := layers.Ethernet{
		SrcMAC:       e.iface,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(EtherType),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	payload := gopacket.Payload(wire[:])
	if err := gopacket.SerializeLayers(buf, opts, &eth, payload); err != nil {
		return fmt.Errorf("link: serialize frame: %w", err)
	}

	const maxSendAttempts = 5
	const sendBackoff = 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if err := e.handle.WritePacketData(buf.Bytes()); err != nil {
			lastErr = err
			if isWouldBlock(err) {
				time.Sleep(sendBackoff)
				continue
			}
			return fmt.Errorf("link: send: %w", err)
		}
		return nil
	}
	return fmt.Errorf("link: send buffer saturated after %d attempts: %w", maxSendAttempts, lastErr)
}

// Recv blocks for the next valid frame carrying our EtherType, until
// deadline elapses. Frames that fail to parse as our wire format are
// silently skipped, not surfaced as errors.
func (e *Endpoint) Recv(deadline time.Time) ([frame.WireSize]byte, net.HardwareAddr, error) {
	var out [frame.WireSize]byte

	for {
		if time.Until(deadline) <= 0 {
			return out, nil, ErrTimeout
		}

		data, _, err := e.handle.ReadPacketData()
		if err == pcap.NextErrorTimeoutExpired {
			continue
		}
		if err != nil {
			return out, nil, fmt.Errorf("link: recv: %w", err)
		}

		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
		ethLayer := pkt.Layer(layers.LayerTypeEthernet)
		if ethLayer == nil {
			continue
		}
		eth, _ := ethLayer.(*layers.Ethernet)
		if eth == nil || len(eth.Payload) != frame.WireSize {
			continue
		}

		copy(out[:], eth.Payload)
		e.peer = eth.SrcMAC
		return out, eth.SrcMAC, nil
	}
}

func isWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no buffer space") || strings.Contains(msg, "would block") || strings.Contains(msg, "resource temporarily")
}

// Package client implements the treasure-hunt client session driver:
// raw-terminal arrow-key input translated to one-shot move packets,
// blocking on the server's response, and receiving treasure files
// inline when one arrives.
package client

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/lanquest/treasurehunt/internal/channel"
	"github.com/lanquest/treasurehunt/internal/config"
	"github.com/lanquest/treasurehunt/internal/game"
	"github.com/lanquest/treasurehunt/internal/transfer"
	"github.com/lanquest/treasurehunt/pkg/frame"
	"github.com/lanquest/treasurehunt/pkg/link"
	"github.com/lanquest/treasurehunt/pkg/logger"
)

// responseTimeout bounds how long the client waits for the server's
// reply to a move before giving up and returning to the input loop.
const responseTimeout = 5 * time.Second

type Client struct {
	cfg  config.Config
	link *link.Endpoint
	ch   *channel.Channel
	seq  frame.SeqCounter
	x, y int
}

func New(cfg config.Config) (*Client, error) {
	ep, err := link.Open(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	ep.SetTimeout(cfg.AckTimeout)

	chCfg := channel.DefaultConfig()
	chCfg.InitialTimeout = cfg.AckTimeout
	chCfg.MaxRetries = cfg.MaxRetries

	return &Client{cfg: cfg, link: ep, ch: channel.New(ep, chCfg)}, nil
}

// Close releases the underlying link.
func (c *Client) Close() error { return c.link.Close() }

// Run enables raw terminal mode and drives the input/response loop
// until the user quits or a fatal I/O error occurs.
func (c *Client) Run() error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("client: enable raw terminal mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	logger.Info("treasure hunt client ready — arrow keys to move, q to quit")

	reader := bufio.NewReader(os.Stdin)
	for {
		dir, quit, valid, err := readMove(reader)
		if err != nil {
			return fmt.Errorf("client: read input: %w", err)
		}
		if quit {
			return nil
		}
		if !valid {
			continue
		}

		movePkt := frame.NewPacket(c.seq.Next(), moveFrameType(dir), nil)
		if err := c.ch.SendUnacked(movePkt); err != nil {
			logger.Warn("client: send move: %v", err)
			continue
		}

		if err := c.awaitResponse(); err != nil {
			logger.Warn("client: %v", err)
		}
	}
}

// awaitResponse reads exactly one server frame without the channel's
// automatic ACK (the SIZE path needs its own single-ACK handling), and
// dispatches on its type.
func (c *Client) awaitResponse() error {
	pkt, err := c.ch.RecvRaw(time.Now().Add(responseTimeout))
	if err != nil {
		return fmt.Errorf("no response from server: %w", err)
	}

	switch pkt.Type {
	case frame.TypeSize:
		payload := pkt.Payload()
		stats, err := transfer.ReceiveGameFile(c.ch, pkt, c.cfg.ReceivedDir, c.cfg.ReceivedDir)
		if len(payload) >= 6 {
			c.x, c.y = int(payload[4]), int(payload[5])
		}
		if err != nil {
			return fmt.Errorf("treasure transfer: %w", err)
		}
		logger.Success("treasure received: %s (now at %d,%d)", stats.Summary(), c.x, c.y)
	case frame.TypeOKAck:
		c.ch.AckSeq(pkt.Seq)
		payload := pkt.Payload()
		if len(payload) >= 2 {
			c.x, c.y = int(payload[0]), int(payload[1])
		}
		logger.Info("moved to (%d,%d)", c.x, c.y)
	case frame.TypeError:
		c.ch.AckSeq(pkt.Seq)
		code := frame.ErrorCode(0)
		if p := pkt.Payload(); len(p) > 0 {
			code = frame.ErrorCode(p[0])
		}
		logger.Error("move rejected (error code %d)", code)
	default:
		c.ch.AckSeq(pkt.Seq)
	}
	return nil
}

func moveFrameType(dir game.Direction) frame.Type {
	switch dir {
	case game.MoveUp:
		return frame.TypeMoveUp
	case game.MoveDown:
		return frame.TypeMoveDown
	case game.MoveLeft:
		return frame.TypeMoveLeft
	default:
		return frame.TypeMoveRight
	}
}

// readMove blocks for one keystroke. Arrow keys arrive as the escape
// sequence ESC [ A|B|C|D; q/Q requests a clean exit; anything else is
// reported as not valid so the caller skips it without sending.
func readMove(r *bufio.Reader) (dir game.Direction, quit bool, valid bool, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, false, false, err
	}

	switch b {
	case 'q', 'Q':
		return 0, true, false, nil
	case 0x1b: // ESC
		b2, err := r.ReadByte()
		if err != nil {
			return 0, false, false, err
		}
		if b2 != '[' {
			return 0, false, false, nil
		}
		b3, err := r.ReadByte()
		if err != nil {
			return 0, false, false, err
		}
		switch b3 {
		case 'A':
			return game.MoveUp, false, true, nil
		case 'B':
			return game.MoveDown, false, true, nil
		case 'C':
			return game.MoveRight, false, true, nil
		case 'D':
			return game.MoveLeft, false, true, nil
		}
	}
	return 0, false, false, nil
}

// Package server implements the treasure-hunt server session driver:
// a single-client event loop that validates inbound move frames,
// drives the grid game engine, and replies with an acknowledgement,
// a rejection, or a full treasure transfer.
package server

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/lanquest/treasurehunt/core/events"
	"github.com/lanquest/treasurehunt/internal/channel"
	"github.com/lanquest/treasurehunt/internal/config"
	"github.com/lanquest/treasurehunt/internal/game"
	"github.com/lanquest/treasurehunt/internal/metrics"
	"github.com/lanquest/treasurehunt/internal/transfer"
	"github.com/lanquest/treasurehunt/internal/watch"
	"github.com/lanquest/treasurehunt/pkg/frame"
	"github.com/lanquest/treasurehunt/pkg/link"
	"github.com/lanquest/treasurehunt/pkg/logger"
)

// recvIdleTimeout bounds one pass through the main loop, letting it
// wake periodically even with no client traffic.
const recvIdleTimeout = 30 * time.Second

// Server owns the link, the reliable channel layered on it, and the
// game state for the single client it serves.
type Server struct {
	cfg   config.Config
	link  *link.Endpoint
	ch    *channel.Channel
	game  *game.State
	seq   frame.SeqCounter
	bus   *events.Bus
}

// New opens the named interface, loads the treasure file set from
// cfg.ObjectsDir, and places the game's treasures.
func New(cfg config.Config) (*Server, error) {
	ep, err := link.Open(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	ep.SetTimeout(cfg.AckTimeout)

	chCfg := channel.DefaultConfig()
	chCfg.InitialTimeout = cfg.AckTimeout
	chCfg.MaxRetries = cfg.MaxRetries

	names, err := loadTreasureFiles(cfg.ObjectsDir)
	if err != nil {
		logger.Warn("server: %v", err)
	}

	s := &Server{
		cfg:  cfg,
		link: ep,
		ch:   channel.New(ep, chCfg),
		game: game.New(rand.New(rand.NewSource(time.Now().UnixNano())), names),
		bus:  events.NewBus(),
	}
	s.wireEvents()
	return s, nil
}

func (s *Server) wireEvents() {
	s.bus.On(events.PlayerMoved, func(ev events.Event) {
		logger.Info("player moved to (%d,%d)", ev.X, ev.Y)
	})
	s.bus.On(events.MoveRejected, func(events.Event) {
		logger.Warn("move rejected: out of bounds")
	})
	s.bus.On(events.TreasureFound, func(ev events.Event) {
		t, _ := ev.Data.(*game.Treasure)
		if t != nil {
			logger.Success("treasure discovered at (%d,%d): %s", ev.X, ev.Y, t.Filename)
		}
	})
	s.bus.On(events.TransferStarted, func(ev events.Event) {
		t, _ := ev.Data.(*game.Treasure)
		if t != nil {
			logger.Info("sending treasure file %s", t.Filename)
		}
	})
	s.bus.On(events.TransferCompleted, func(events.Event) {
		logger.Success("treasure transfer complete")
	})
	s.bus.On(events.TransferFailed, func(ev events.Event) {
		logger.Error("treasure transfer failed: %v", ev.Data)
	})
}

func loadTreasureFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read objects dir %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Close releases the underlying link.
func (s *Server) Close() error { return s.link.Close() }

// WatchObjects starts a best-effort fsnotify watch over the objects
// directory that logs newly-appearing treasure-eligible files and
// warns if a file backing an in-play treasure disappears. It runs
// until ctx is canceled. A failure to start the watch is logged and
// otherwise ignored — the game already has its treasures placed.
func (s *Server) WatchObjects(ctx context.Context) {
	w, err := watch.New(s.cfg.ObjectsDir)
	if err != nil {
		logger.Warn("server: treasure directory watch disabled: %v", err)
		return
	}

	active := make(map[string]bool, len(s.game.Treasures))
	for _, t := range s.game.Treasures {
		active[t.Filename] = true
	}

	go func() {
		<-ctx.Done()
		w.Close()
	}()
	w.Run(ctx, active)
}

// Run drives the main loop: recv raw (moves are sent one-shot and
// un-acked, so the server must not ACK them), validate (handled inside
// RecvRaw), dispatch to the game engine, reply. It never returns: a
// receive error of any kind, timeout or link failure, is skipped and
// the loop reads again; per-move failures are logged and the loop
// continues, matching the single-threaded cooperative model.
func (s *Server) Run() error {
	logger.Info("server listening, %d treasures placed", len(s.game.Treasures))
	s.renderGrid()

	for {
		pkt, err := s.ch.RecvRaw(time.Now().Add(recvIdleTimeout))
		if err != nil {
			continue
		}
		s.handle(pkt)
	}
}

func (s *Server) handle(pkt frame.Packet) {
	dir, ok := moveDirection(pkt.Type)
	if !ok {
		return
	}

	resp, treasure := s.game.Respond(dir)
	switch resp {
	case game.ResponseRejected:
		s.sendError(frame.ErrNoPermission)
		s.bus.Publish(events.Event{Type: events.MoveRejected})

	case game.ResponseMoved:
		ackPkt := frame.NewPacket(s.seq.Next(), frame.TypeOKAck, []byte{byte(s.game.PlayerX), byte(s.game.PlayerY)})
		if err := s.ch.Send(ackPkt); err != nil {
			logger.Warn("server: send OK_ACK: %v", err)
		}
		s.bus.Publish(events.Event{Type: events.PlayerMoved, X: s.game.PlayerX, Y: s.game.PlayerY})

	case game.ResponseTreasureFound:
		s.bus.Publish(events.Event{Type: events.TreasureFound, X: s.game.PlayerX, Y: s.game.PlayerY, Data: treasure})
		s.sendTreasure(treasure)
	}

	s.renderGrid()
}

func (s *Server) sendError(code frame.ErrorCode) {
	errPkt := frame.NewPacket(s.seq.Next(), frame.TypeError, []byte{byte(code)})
	if err := s.ch.SendUnacked(errPkt); err != nil {
		logger.Warn("server: send ERROR: %v", err)
	}
}

func (s *Server) sendTreasure(treasure *game.Treasure) {
	path := filepath.Join(s.cfg.ObjectsDir, treasure.Filename)
	pos := [2]byte{byte(s.game.PlayerX), byte(s.game.PlayerY)}

	s.bus.Publish(events.Event{Type: events.TransferStarted, X: s.game.PlayerX, Y: s.game.PlayerY, Data: treasure})
	stats, err := transfer.SendGameFile(s.ch, &s.seq, path, pos)
	if err != nil {
		s.bus.Publish(events.Event{Type: events.TransferFailed, Data: err})
		return
	}
	metrics.TreasuresFound.Inc()
	s.bus.Publish(events.Event{Type: events.TransferCompleted, Data: stats})
}

func moveDirection(t frame.Type) (game.Direction, bool) {
	switch t {
	case frame.TypeMoveRight:
		return game.MoveRight, true
	case frame.TypeMoveUp:
		return game.MoveUp, true
	case frame.TypeMoveDown:
		return game.MoveDown, true
	case frame.TypeMoveLeft:
		return game.MoveLeft, true
	default:
		return 0, false
	}
}

// renderGrid redraws the server console after every state mutation,
// marking the player, undiscovered treasures, and discovered ones.
func (s *Server) renderGrid() {
	found := len(s.game.Treasures) - s.game.UndiscoveredCount()
	fmt.Printf("\ntreasures found: %d/%d\n  ", found, len(s.game.Treasures))
	for x := 0; x < game.GridSize; x++ {
		fmt.Printf("%d ", x)
	}
	fmt.Println()

	for y := game.GridSize - 1; y >= 0; y-- {
		fmt.Printf("%d ", y)
		for x := 0; x < game.GridSize; x++ {
			fmt.Printf("%c ", s.cellGlyph(x, y))
		}
		fmt.Println()
	}
	fmt.Println()
}

func (s *Server) cellGlyph(x, y int) byte {
	if s.game.PlayerX == x && s.game.PlayerY == y {
		return 'P'
	}
	for _, t := range s.game.Treasures {
		if t.X != x || t.Y != y {
			continue
		}
		if t.Discovered {
			return 'd'
		}
		return 'T'
	}
	return '.'
}

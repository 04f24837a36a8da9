// Package backup implements the standalone backup-mode session driver:
// either a one-shot upload (initiator) or a long-running receive loop
// (receiver), both layered on the same link and reliable channel the
// game modes use.
package backup

import (
	"fmt"

	"github.com/lanquest/treasurehunt/internal/channel"
	"github.com/lanquest/treasurehunt/internal/config"
	"github.com/lanquest/treasurehunt/internal/transfer"
	"github.com/lanquest/treasurehunt/pkg/frame"
	"github.com/lanquest/treasurehunt/pkg/link"
	"github.com/lanquest/treasurehunt/pkg/logger"
)

type Driver struct {
	cfg  config.Config
	link *link.Endpoint
	ch   *channel.Channel
	seq  frame.SeqCounter
}

func New(cfg config.Config) (*Driver, error) {
	ep, err := link.Open(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	ep.SetTimeout(cfg.AckTimeout)

	chCfg := channel.DefaultConfig()
	chCfg.InitialTimeout = cfg.AckTimeout
	chCfg.MaxRetries = cfg.MaxRetries

	return &Driver{cfg: cfg, link: ep, ch: channel.New(ep, chCfg)}, nil
}

func (d *Driver) Close() error { return d.link.Close() }

// RunSend performs a single backup upload of path, blocking until it
// completes or fails.
func (d *Driver) RunSend(path string) error {
	stats, err := transfer.SendBackup(d.ch, &d.seq, path)
	if err != nil {
		return err
	}
	logger.Success("backup sent: %s", stats.Summary())
	return nil
}

// RunReceive loops accepting backup uploads into cfg.ReceivedDir and
// never returns; every failed receive, link errors included, is logged
// and the loop continues, matching the cooperative single-loop model.
func (d *Driver) RunReceive() error {
	logger.Info("backup receiver ready, writing into %s", d.cfg.ReceivedDir)
	for {
		stats, err := transfer.ReceiveBackup(d.ch, d.cfg.ReceivedDir, d.cfg.ReceivedDir)
		if err != nil {
			logger.Warn("backup: %v", err)
			continue
		}
		logger.Success("backup received: %s", stats.Summary())
	}
}

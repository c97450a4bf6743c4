package bridge

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Poller sweeps the working tree on a fixed interval. Dumb but dependable,
// works on filesystems where inotify doesn't (nfs, cifs shares).
type Poller struct {
	linker
	Interval time.Duration
}

// Run sweeps every Interval until ctx is canceled, then sweeps once more
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.sweep() // mandatory final sweep
		case <-ticker.C:
			if err := p.sweep(); err != nil {
				log.Printf("[WARN] sweep failed, %v", err)
			}
		}
	}
}

package delegation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fusevault/fusevault/params"
)

// Sweeper keeps the cache converging with the log history. It polls for new
// DelegateStatusChanged events from the persisted checkpoint forward,
// batch-ranged so a long outage never produces an unbounded getLogs query.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	batch    uint64
	quit     chan struct{}
	done     chan struct{}
	log      *zap.Logger
}

// NewSweeper builds a sweeper over the service. Zero interval and batch use
// the protocol defaults.
func NewSweeper(svc *Service, interval time.Duration, batch uint64, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = params.DelegateSweepInterval
	}
	if batch == 0 {
		batch = params.EventScanBatch
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		batch:    batch,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      log,
	}
}

// Start begins sweeping in a background goroutine.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop shuts the sweeper down and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	close(s.quit)
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn("delegation sweep failed", zap.Error(err))
			}
			cancel()
		case <-s.quit:
			return
		}
	}
}

// Sweep processes every block range between the checkpoint and the head.
// Exported so tests and the confirm path can drive it synchronously.
func (s *Sweeper) Sweep(ctx context.Context) error {
	head, err := s.svc.chain.HeadBlock(ctx)
	if err != nil {
		return err
	}
	from := s.svc.registry.Checkpoint() + 1
	if from > head {
		return nil
	}
	for from <= head {
		to := from + s.batch - 1
		if to > head {
			to = head
		}
		events, err := s.svc.chain.FilterDelegateEvents(ctx, from, to)
		if err != nil {
			return err
		}
		s.svc.SyncFromEvents(events)
		s.svc.registry.SetCheckpoint(to)
		from = to + 1
	}
	return nil
}

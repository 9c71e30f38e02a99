package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/log"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/tgerror"
)

// RemoteQueue is a peer's dequeue endpoint, implemented by
// internal/transport for distributed setups. The dispatcher races its
// own local queue against every configured remote (spec §4.7).
type RemoteQueue interface {
	Dequeue(ctx context.Context) (*process.Record, bool, error)
}

// Config configures a Dispatcher.
type Config struct {
	// Permits bounds concurrent runs process-wide.
	Permits int64
	// HeartbeatInterval is how often the dispatcher pings a running
	// process's row.
	HeartbeatInterval time.Duration
	// HeartbeatMissLimit is how many consecutive missed heartbeats
	// mark a process failed.
	HeartbeatMissLimit int
}

// DefaultConfig returns sane defaults grounded on spec §4.7's example
// scenario (heartbeat twice, then finish).
func DefaultConfig() Config {
	return Config{
		Permits:            4,
		HeartbeatInterval:  5 * time.Second,
		HeartbeatMissLimit: 3,
	}
}

// Dispatcher claims enqueued processes (local and, if configured,
// remote), runs them on their registered runtime, supervises their
// heartbeat, and finishes them.
type Dispatcher struct {
	queue    *process.Queue
	registry *Registry
	remotes  []RemoteQueue
	cfg      Config

	sem *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc // processID -> cancel, for external Cancel to interrupt a running task
}

// NewDispatcher creates a dispatcher over queue and registry, racing
// dequeue against remotes.
func NewDispatcher(queue *process.Queue, registry *Registry, cfg Config, remotes ...RemoteQueue) *Dispatcher {
	if cfg.Permits <= 0 {
		cfg.Permits = 1
	}
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		remotes:  remotes,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Permits),
		running:  make(map[string]context.CancelFunc),
	}
}

// Run drives the dispatch loop until ctx is canceled. Each iteration
// acquires a permit, claims one process (local-first then racing
// remotes), and runs it in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.WithComponent("runtime")
	for {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		rec, err := d.dequeueNext(ctx)
		if err != nil {
			d.sem.Release(1)
			return err
		}
		if rec == nil {
			d.sem.Release(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		logger.Debug().Str("process_id", rec.ID.String()).Str("host", rec.Host).Msg("dispatching process")
		go func(rec *process.Record) {
			defer d.sem.Release(1)
			d.runOne(ctx, rec)
		}(rec)
	}
}

// dequeueNext tries the local queue first, then races it against every
// remote in parallel; whichever source returns a record first wins.
func (d *Dispatcher) dequeueNext(ctx context.Context) (*process.Record, error) {
	if rec, ok, err := d.queue.Dequeue(); err != nil {
		return nil, err
	} else if ok {
		return rec, nil
	}
	if len(d.remotes) == 0 {
		return nil, nil
	}

	type result struct {
		rec *process.Record
		err error
	}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(d.remotes)+1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		rec, ok, err := d.queue.Dequeue()
		if err != nil {
			results <- result{err: err}
			return
		}
		if ok {
			results <- result{rec: rec}
		}
	}()
	for _, remote := range d.remotes {
		wg.Add(1)
		go func(remote RemoteQueue) {
			defer wg.Done()
			rec, ok, err := remote.Dequeue(raceCtx)
			if err != nil || !ok {
				return
			}
			results <- result{rec: rec}
		}(remote)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		if res.rec != nil {
			cancel()
			return res.rec, nil
		}
	}
	return nil, nil
}

// runOne starts, heartbeats, and finishes a single dequeued process.
func (d *Dispatcher) runOne(parent context.Context, rec *process.Record) {
	logger := log.WithComponent("runtime").With().Str("process_id", rec.ID.String()).Logger()

	rt, err := d.registry.Lookup(rec.Host)
	if err != nil {
		_, _ = d.queue.Finish(rec.ID, nil, nil, err)
		logger.Error().Err(err).Msg("unsupported runtime host")
		return
	}

	if _, err := d.queue.Start(rec.ID); err != nil {
		logger.Error().Err(err).Msg("failed to start process")
		return
	}

	ctx, cancel := context.WithCancel(parent)
	d.mu.Lock()
	d.running[rec.ID.String()] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, rec.ID.String())
		d.mu.Unlock()
		cancel()
	}()

	done := make(chan struct{})
	var misses atomic.Int32
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				current, err := d.queue.Touch(rec.ID)
				if err != nil {
					misses.Add(1)
				} else {
					misses.Store(0)
					_ = current
				}
				if int(misses.Load()) >= d.cfg.HeartbeatMissLimit {
					cancel()
					return
				}
				if latest, err := d.queue.Get(rec.ID); err == nil && latest.Status != process.StatusStarted {
					// externally finished (e.g. canceled): abort the runtime task
					cancel()
					return
				}
			}
		}
	}()

	output, exit, runErr := rt.Run(ctx, rec.ID, rec.CommandID)
	close(done)
	<-heartbeatDone // wait for the ticker goroutine to stop touching misses before reading it

	if int(misses.Load()) >= d.cfg.HeartbeatMissLimit {
		if _, err := d.queue.Finish(rec.ID, nil, nil, tgerror.Internalf("heartbeat missed %d times", misses.Load())); err != nil {
			logger.Error().Err(err).Msg("failed to mark process failed after missed heartbeats")
		}
		return
	}

	if _, err := d.queue.Finish(rec.ID, output, exit, runErr); err != nil {
		logger.Error().Err(err).Msg("failed to finish process")
	}
}

// Cancel interrupts a locally-running process's runtime task (if any
// is running on this dispatcher) and marks it canceled in the queue.
func (d *Dispatcher) Cancel(processID id.ID) error {
	d.mu.Lock()
	cancel, ok := d.running[processID.String()]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	_, err := d.queue.Cancel(processID)
	return err
}

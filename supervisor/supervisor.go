// Package supervisor keeps a fixed-size fleet of worker processes alive on
// one host. Each worker gets its own SERVER_ID and port; a worker that
// exits is replaced on the same port under a fresh SERVER_ID.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ggoodman/chatfanout/internal/metrics"
)

// Config sizes the fleet. Zero fields take defaults.
type Config struct {
	// Workers defaults to min(NumCPU, 4).
	Workers int
	// BasePort is the port of the first worker; worker i listens on
	// BasePort+i. Default 5400.
	BasePort int
	// Grace is how long a worker may take to exit after SIGTERM before it
	// is killed. Default 10s.
	Grace time.Duration
	// MinBackoff and MaxBackoff bound the delay before restarting a worker
	// that died quickly. Defaults 100ms and 10s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// StableAfter is the uptime after which a worker is restarted without
	// delay and the backoff resets. Default 10s.
	StableAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = min(runtime.NumCPU(), 4)
	}
	if c.BasePort <= 0 {
		c.BasePort = 5400
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(10*time.Second, c.MinBackoff)
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 10 * time.Second
	}
	return c
}

// Worker is a snapshot of one supervised slot.
type Worker struct {
	Index    int       `json:"index"`
	ServerID string    `json:"server_id"`
	Port     int       `json:"port"`
	Pid      int       `json:"pid"`
	Started  time.Time `json:"started"`
	Restarts int       `json:"restarts"`
}

type Supervisor struct {
	launcher Launcher
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Collector

	mu    sync.Mutex
	slots []*slot
}

type slot struct {
	spec     Spec
	cur      *running
	restarts int
}

type running struct {
	proc    Process
	started time.Time
	done    chan struct{}
	err     error // valid once done is closed
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option { return func(s *Supervisor) { s.metrics = m } }

func New(l Launcher, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{launcher: l, cfg: cfg.withDefaults(), log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Workers returns a snapshot of every slot.
func (s *Supervisor) Workers() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Worker, len(s.slots))
	for i, sl := range s.slots {
		out[i] = Worker{
			Index:    sl.spec.Index,
			ServerID: sl.spec.ServerID,
			Port:     sl.spec.Port,
			Pid:      sl.cur.proc.Pid(),
			Started:  sl.cur.started,
			Restarts: sl.restarts,
		}
	}
	return out
}

func (s *Supervisor) start(ctx context.Context, spec Spec) (*running, error) {
	p, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	r := &running{proc: p, started: time.Now(), done: make(chan struct{})}
	go func() {
		r.err = p.Wait()
		close(r.done)
	}()
	s.log.InfoContext(ctx, "supervisor.worker.start",
		slog.Int("index", spec.Index),
		slog.String("server_id", spec.ServerID),
		slog.Int("port", spec.Port),
		slog.Int("pid", p.Pid()),
	)
	return r, nil
}

// Run starts the fleet and keeps it at size until ctx is cancelled, then
// stops every worker. Failing to start the initial fleet is an error.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "supervisor.start", slog.Int("workers", s.cfg.Workers), slog.Int("base_port", s.cfg.BasePort))

	slots := make([]*slot, 0, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		spec := Spec{Index: i, ServerID: fmt.Sprintf("worker_%d", i+1), Port: s.cfg.BasePort + i}
		r, err := s.start(ctx, spec)
		if err != nil {
			var wg sync.WaitGroup
			for _, sl := range slots {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.terminate(sl)
				}()
			}
			wg.Wait()
			return fmt.Errorf("start worker %d: %w", i+1, err)
		}
		slots = append(slots, &slot{spec: spec, cur: r})
	}
	s.mu.Lock()
	s.slots = slots
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sl := range slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.supervise(ctx, sl)
		}()
	}
	wg.Wait()
	s.log.Info("supervisor.stop")
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, sl *slot) {
	backoff := s.cfg.MinBackoff
	for {
		s.mu.Lock()
		cur := sl.cur
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.terminate(sl)
			return
		case <-cur.done:
		}

		uptime := time.Since(cur.started)
		errText := "exit status 0"
		if cur.err != nil {
			errText = cur.err.Error()
		}
		s.log.Error("supervisor.worker.exit",
			slog.String("server_id", sl.spec.ServerID),
			slog.Int("pid", cur.proc.Pid()),
			slog.String("err", errText),
			slog.Duration("uptime", uptime),
		)

		var delay time.Duration
		if uptime < s.cfg.StableAfter {
			delay, backoff = backoff, min(backoff*2, s.cfg.MaxBackoff)
		} else {
			backoff = s.cfg.MinBackoff
		}

		for {
			if !sleep(ctx, delay) {
				return
			}
			spec := sl.spec
			spec.ServerID = fmt.Sprintf("worker_%d", time.Now().UnixNano())
			next, err := s.start(ctx, spec)
			if err == nil {
				s.mu.Lock()
				sl.spec, sl.cur = spec, next
				sl.restarts++
				s.mu.Unlock()
				s.metrics.WorkerRestarted()
				break
			}
			s.log.Error("supervisor.worker.start.fail", slog.Int("port", spec.Port), slog.String("err", err.Error()))
			delay, backoff = backoff, min(backoff*2, s.cfg.MaxBackoff)
		}
	}
}

// terminate asks the slot's worker to stop and kills it after the grace
// period.
func (s *Supervisor) terminate(sl *slot) {
	s.mu.Lock()
	cur, id := sl.cur, sl.spec.ServerID
	s.mu.Unlock()

	select {
	case <-cur.done:
		return
	default:
	}
	if err := cur.proc.Signal(syscall.SIGTERM); err != nil {
		s.log.Warn("supervisor.worker.signal.fail", slog.String("server_id", id), slog.String("err", err.Error()))
	}
	t := time.NewTimer(s.cfg.Grace)
	defer t.Stop()
	select {
	case <-cur.done:
		s.log.Info("supervisor.worker.stopped", slog.String("server_id", id))
	case <-t.C:
		s.log.Warn("supervisor.worker.kill", slog.String("server_id", id), slog.Duration("grace", s.cfg.Grace))
		_ = cur.proc.Kill()
		<-cur.done
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Package balancer is the front door of the fleet. It keeps the set of
// worker instances, probes their health, and proxies HTTP and WebSocket
// traffic round robin over the instances currently believed healthy.
package balancer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/ggoodman/chatfanout/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Instance is a snapshot of one backend.
type Instance struct {
	Address             string    `json:"address"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
}

type backend struct {
	addr  string
	proxy *httputil.ReverseProxy

	healthy     bool
	failures    int
	lastErr     string
	lastChecked time.Time
}

type Balancer struct {
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	mu       sync.Mutex
	backends []*backend
	cursor   int
}

type Option func(*Balancer)

func WithLogger(l *slog.Logger) Option {
	return func(b *Balancer) {
		if l != nil {
			b.log = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option { return func(b *Balancer) { b.metrics = m } }

// WithInterval sets the time between health rounds. Default 30s.
func WithInterval(d time.Duration) Option {
	return func(b *Balancer) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithTimeout bounds a single health probe. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(b *Balancer) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithHTTPClient replaces the client used for health probes.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Balancer) {
		if c != nil {
			b.client = c
		}
	}
}

// New builds a balancer over addrs (see ParseAddress). Instances start
// healthy so traffic flows before the first health round completes.
func New(addrs []string, opts ...Option) (*Balancer, error) {
	b := &Balancer{
		client:   &http.Client{},
		interval: defaultInterval,
		timeout:  defaultTimeout,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.SetInstances(addrs); err != nil {
		return nil, err
	}
	return b, nil
}

// SetInstances replaces the instance set. Addresses already known keep
// their health state; new ones start healthy.
func (b *Balancer) SetInstances(addrs []string) error {
	norm, err := normalize(addrs)
	if err != nil {
		return err
	}
	next := make([]*backend, 0, len(norm))

	b.mu.Lock()
	known := make(map[string]*backend, len(b.backends))
	for _, be := range b.backends {
		known[be.addr] = be
	}
	for _, addr := range norm {
		if be, ok := known[addr]; ok {
			next = append(next, be)
			delete(known, addr)
			continue
		}
		be, err := b.newBackend(addr)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		next = append(next, be)
	}
	b.backends = next
	b.mu.Unlock()

	for addr := range known {
		b.metrics.ForgetBackend(addr)
	}
	for _, be := range next {
		b.metrics.SetBackendHealth(be.addr, b.isHealthy(be.addr))
	}
	b.log.Info("balancer.instances.set", slog.Any("instances", norm))
	return nil
}

func (b *Balancer) newBackend(addr string) (*backend, error) {
	target, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	be := &backend{addr: addr, healthy: true}
	be.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: b.proxyError(addr),
	}
	return be, nil
}

func (b *Balancer) find(addr string) *backend {
	for _, be := range b.backends {
		if be.addr == addr {
			return be
		}
	}
	return nil
}

func (b *Balancer) isHealthy(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	be := b.find(addr)
	return be != nil && be.healthy
}

// SelectInstance returns the next healthy instance in rotation. The healthy
// subset is recomputed on every call.
func (b *Balancer) SelectInstance() (string, error) {
	be, err := b.selectBackend()
	if err != nil {
		return "", err
	}
	return be.addr, nil
}

func (b *Balancer) selectBackend() (*backend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	healthy := make([]*backend, 0, len(b.backends))
	for _, be := range b.backends {
		if be.healthy {
			healthy = append(healthy, be)
		}
	}
	if len(healthy) == 0 {
		return nil, &NoHealthyBackendError{Total: len(b.backends)}
	}
	be := healthy[b.cursor%len(healthy)]
	b.cursor++
	b.metrics.BackendSelected(be.addr)
	return be, nil
}

// MarkHealthy makes addr eligible for selection and resets its failures.
func (b *Balancer) MarkHealthy(addr string) {
	b.mark(addr, nil)
}

// MarkUnhealthy removes addr from rotation until a probe succeeds.
func (b *Balancer) MarkUnhealthy(addr string, cause error) {
	if cause == nil {
		cause = errors.New("marked unhealthy")
	}
	b.mark(addr, cause)
}

func (b *Balancer) mark(addr string, cause error) {
	b.mu.Lock()
	be := b.find(addr)
	if be == nil {
		b.mu.Unlock()
		return
	}
	was := be.healthy
	be.lastChecked = b.now()
	if cause == nil {
		be.healthy = true
		be.failures = 0
		be.lastErr = ""
	} else {
		be.healthy = false
		be.failures++
		be.lastErr = cause.Error()
	}
	healthy := be.healthy
	b.mu.Unlock()

	b.metrics.SetBackendHealth(addr, healthy)
	switch {
	case was && !healthy:
		b.log.Warn("balancer.backend.down", slog.String("backend", addr), slog.String("err", cause.Error()))
	case !was && healthy:
		b.log.Info("balancer.backend.up", slog.String("backend", addr))
	}
}

// Instances returns a snapshot of every instance in configuration order.
func (b *Balancer) Instances() []Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Instance, len(b.backends))
	for i, be := range b.backends {
		out[i] = Instance{
			Address:             be.addr,
			Healthy:             be.healthy,
			ConsecutiveFailures: be.failures,
			LastError:           be.lastErr,
			LastChecked:         be.lastChecked,
		}
	}
	return out
}

// CheckAll probes every instance concurrently and records the outcomes.
func (b *Balancer) CheckAll(ctx context.Context) {
	b.mu.Lock()
	addrs := make([]string, len(b.backends))
	for i, be := range b.backends {
		addrs[i] = be.addr
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, addr := range addrs {
		g.Go(func() error {
			b.mark(addr, b.probe(ctx, addr))
			return nil
		})
	}
	_ = g.Wait()
}

// probe is healthy only on a 200 from /health within the timeout.
func (b *Balancer) probe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &probeStatusError{status: resp.StatusCode}
	}
	return nil
}

type probeStatusError struct{ status int }

func (e *probeStatusError) Error() string {
	return "health check returned " + http.StatusText(e.status)
}

// Run probes immediately and then every interval until ctx is cancelled.
func (b *Balancer) Run(ctx context.Context) error {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		b.CheckAll(ctx)
		b.logSummary(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (b *Balancer) logSummary(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	inst := b.Instances()
	healthy := 0
	for _, in := range inst {
		if in.Healthy {
			healthy++
		}
	}
	b.log.InfoContext(ctx, "balancer.health.summary",
		slog.Int("total", len(inst)),
		slog.Int("healthy", healthy),
		slog.Int("unhealthy", len(inst)-healthy),
	)
}

// ServeHTTP proxies r to the next healthy instance. WebSocket upgrades are
// proxied as well.
func (b *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	be, err := b.selectBackend()
	if err != nil {
		b.log.ErrorContext(r.Context(), "balancer.select.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "No healthy servers available")
		return
	}
	b.log.DebugContext(r.Context(), "balancer.proxy",
		slog.String("backend", be.addr),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	be.proxy.ServeHTTP(w, r)
}

// proxyError handles transport failures reaching addr. They take the
// instance out of rotation without waiting for the next probe.
func (b *Balancer) proxyError(addr string) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			// The client went away; the backend is not at fault.
			return
		}
		b.log.ErrorContext(r.Context(), "balancer.proxy.fail", slog.String("backend", addr), slog.String("err", err.Error()))
		b.MarkUnhealthy(addr, err)
		writeError(w, http.StatusBadGateway, "Bad Gateway", "Server temporarily unavailable")
	}
}

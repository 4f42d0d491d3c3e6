package usecase

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/metrics"
	"github.com/fixora/sagacore/internal/logger"
)

// Poller is a named periodic job.
type Poller struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// PollerStatus describes a registered poller.
type PollerStatus struct {
	Name          string     `json:"name"`
	Interval      string     `json:"interval"`
	Running       bool       `json:"running"`
	Busy          bool       `json:"busy"`
	Runs          int64      `json:"runs"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastProcessed int        `json:"last_processed"`
	LastError     string     `json:"last_error,omitempty"`
}

type pollerState struct {
	poller Poller
	busy   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	running       bool
	runs          int64
	lastRunAt     time.Time
	lastProcessed int
	lastErr       string
}

// PollerRegistry runs interval pollers. A tick that arrives while the
// previous run is still busy is skipped. State is in-memory only.
type PollerRegistry struct {
	logger  logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pollers map[string]*pollerState
}

// NewPollerRegistry creates an empty registry
func NewPollerRegistry(log logger.Logger, m *metrics.Metrics) *PollerRegistry {
	return &PollerRegistry{
		logger:  log.WithFields(map[string]interface{}{"component": "scheduler"}),
		metrics: m,
		pollers: make(map[string]*pollerState),
	}
}

// Register adds a poller. Registering a name twice is a validation error.
func (r *PollerRegistry) Register(p Poller) error {
	if p.Name == "" || p.Interval <= 0 || p.Run == nil {
		return domain.NewValidationError("poller", "poller needs a name, a positive interval and a run func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pollers[p.Name]; ok {
		return domain.NewValidationError("name", "poller "+p.Name+" already registered")
	}
	r.pollers[p.Name] = &pollerState{poller: p}
	return nil
}

// Start launches every registered poller that is not already running.
func (r *PollerRegistry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.pollers {
		st.mu.Lock()
		if st.running {
			st.mu.Unlock()
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		st.cancel = cancel
		st.done = make(chan struct{})
		st.running = true
		st.mu.Unlock()

		go r.loop(pctx, st)
	}
}

func (r *PollerRegistry) loop(ctx context.Context, st *pollerState) {
	defer close(st.done)
	defer func() {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}()

	r.logger.Info(ctx, "Poller started", map[string]interface{}{
		"poller":   st.poller.Name,
		"interval": st.poller.Interval.String(),
	})
	ticker := time.NewTicker(st.poller.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(context.Background(), "Poller stopped", map[string]interface{}{"poller": st.poller.Name})
			return
		case <-ticker.C:
			r.runOnce(ctx, st)
		}
	}
}

// runOnce executes one cycle unless the previous cycle is still busy.
func (r *PollerRegistry) runOnce(ctx context.Context, st *pollerState) bool {
	if !st.busy.CompareAndSwap(false, true) {
		r.metrics.ObservePollerRun(st.poller.Name, "skipped")
		r.logger.Debug(ctx, "Poller still busy, tick skipped", map[string]interface{}{"poller": st.poller.Name})
		return false
	}
	defer st.busy.Store(false)

	n, err := st.poller.Run(ctx)

	st.mu.Lock()
	st.runs++
	st.lastRunAt = time.Now().UTC()
	st.lastProcessed = n
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	st.mu.Unlock()

	if err != nil {
		r.metrics.ObservePollerRun(st.poller.Name, "error")
		r.logger.Error(ctx, "Poller run failed", err, map[string]interface{}{"poller": st.poller.Name})
		return true
	}
	r.metrics.ObservePollerRun(st.poller.Name, "success")
	if n > 0 {
		r.logger.Info(ctx, "Poller run processed items", map[string]interface{}{"poller": st.poller.Name, "processed": n})
	}
	return true
}

// RunNow executes one cycle of the named poller synchronously. It reports
// false when a cycle was already in progress.
func (r *PollerRegistry) RunNow(ctx context.Context, name string) (bool, error) {
	st, err := r.get(name)
	if err != nil {
		return false, err
	}
	return r.runOnce(ctx, st), nil
}

// Stop halts the named poller and waits for its loop to exit.
func (r *PollerRegistry) Stop(name string) error {
	st, err := r.get(name)
	if err != nil {
		return err
	}
	r.stop(st)
	return nil
}

// StopAll halts every poller.
func (r *PollerRegistry) StopAll() {
	r.mu.Lock()
	states := make([]*pollerState, 0, len(r.pollers))
	for _, st := range r.pollers {
		states = append(states, st)
	}
	r.mu.Unlock()
	for _, st := range states {
		r.stop(st)
	}
}

func (r *PollerRegistry) stop(st *pollerState) {
	st.mu.Lock()
	cancel, done := st.cancel, st.done
	st.cancel = nil
	st.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// List returns the status of every poller sorted by name.
func (r *PollerRegistry) List() []PollerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PollerStatus, 0, len(r.pollers))
	for _, st := range r.pollers {
		st.mu.Lock()
		s := PollerStatus{
			Name:          st.poller.Name,
			Interval:      st.poller.Interval.String(),
			Running:       st.running,
			Busy:          st.busy.Load(),
			Runs:          st.runs,
			LastProcessed: st.lastProcessed,
			LastError:     st.lastErr,
		}
		if !st.lastRunAt.IsZero() {
			t := st.lastRunAt
			s.LastRunAt = &t
		}
		st.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *PollerRegistry) get(name string) (*pollerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.pollers[name]
	if !ok {
		return nil, domain.NewNotFoundError("poller", name)
	}
	return st, nil
}

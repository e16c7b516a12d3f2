// Package gateway serializes commands per device. Each device has one lane
// that runs at most one command at a time in submission order; lanes for
// different devices run independently. Every accepted token reaches exactly
// one terminal state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/technosupport/homeguard/internal/metrics"
	"github.com/technosupport/homeguard/internal/model"
	"github.com/technosupport/homeguard/internal/watchdog"
)

var (
	ErrDuplicateToken = errors.New("token already in use")
	ErrUnknownToken   = errors.New("unknown token")
)

// Executor carries out commands for one device. Implementations must return
// promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

type Config struct {
	CommandTimeout time.Duration
	QueueSize      int
	MaxAttempts    int
	RetryDelay     time.Duration
	HistorySize    int
}

func (c *Config) setDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1024
	}
}

type job struct {
	cmd    Command
	device Device
}

type entry struct {
	outcome Outcome
	done    chan struct{}
}

type lane struct {
	device Device
	queue  chan job

	mu   sync.RWMutex
	exec Executor
}

func (l *lane) executor() Executor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exec
}

type Gateway struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	lanes   map[Device]*lane
	pending map[Token]*entry
	history *lru.Cache[Token, Outcome]
}

func New(cfg Config) *Gateway {
	cfg.setDefaults()
	h, _ := lru.New[Token, Outcome](cfg.HistorySize)
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[Device]*lane),
		pending: make(map[Token]*entry),
		history: h,
	}
}

// Register installs the executor for a device, starting its lane on first
// use. Registering again swaps the executor; queued commands run on the new one.
func (g *Gateway) Register(device Device, exec Executor) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.lanes[device]; ok {
		l.mu.Lock()
		l.exec = exec
		l.mu.Unlock()
		return
	}
	if g.closed {
		return
	}

	l := &lane{device: device, queue: make(chan job, g.cfg.QueueSize), exec: exec}
	g.lanes[device] = l
	g.wg.Add(1)
	go g.runLane(l)
}

// Submit queues cmd and returns its token. An empty token is replaced with a
// fresh one. Commands that cannot be queued are resolved Rejected right away,
// so the token is always pollable. Only a token collision returns an error.
func (g *Gateway) Submit(cmd Command) (Token, error) {
	if cmd.Token == "" {
		cmd.Token = Token(uuid.NewString())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.pending[cmd.Token]; busy {
		return cmd.Token, ErrDuplicateToken
	}
	if g.history.Contains(cmd.Token) {
		return cmd.Token, ErrDuplicateToken
	}

	device, derr := cmd.Device()
	e := &entry{
		outcome: Outcome{
			Token:       cmd.Token,
			Device:      device,
			Kind:        cmd.Kind,
			State:       StatePending,
			SubmittedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	g.pending[cmd.Token] = e

	switch {
	case derr != nil:
		g.resolveLocked(cmd.Token, StateRejected, derr.Error(), "")
	case g.closed:
		g.resolveLocked(cmd.Token, StateRejected, "shutdown", "")
	default:
		l, ok := g.lanes[device]
		if !ok {
			g.resolveLocked(cmd.Token, StateRejected, fmt.Sprintf("no executor for %s", device), "")
			break
		}
		select {
		case l.queue <- job{cmd: cmd, device: device}:
			metrics.CommandQueueDepth.WithLabelValues(string(device)).Set(float64(len(l.queue)))
		default:
			g.resolveLocked(cmd.Token, StateRejected, "queue full", "")
		}
	}
	return cmd.Token, nil
}

// Poll reports the current outcome for token. Terminal outcomes are kept for
// the most recent HistorySize commands.
func (g *Gateway) Poll(token Token) (Outcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.pending[token]; ok {
		return e.outcome, true
	}
	return g.history.Get(token)
}

// Wait blocks until token is terminal or ctx ends.
func (g *Gateway) Wait(ctx context.Context, token Token) (Outcome, error) {
	g.mu.Lock()
	e, ok := g.pending[token]
	if !ok {
		out, found := g.history.Get(token)
		g.mu.Unlock()
		if !found {
			return Outcome{}, ErrUnknownToken
		}
		return out, nil
	}
	done := e.done
	g.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	out, _ := g.Poll(token)
	return out, nil
}

// Close stops all lanes. Queued and in-flight commands resolve Rejected.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}

func (g *Gateway) runLane(l *lane) {
	defer g.wg.Done()

	for {
		select {
		case <-g.ctx.Done():
			g.drain(l)
			return
		case j := <-l.queue:
			metrics.CommandQueueDepth.WithLabelValues(string(l.device)).Set(float64(len(l.queue)))
			g.run(l, j)
		}
	}
}

func (g *Gateway) drain(l *lane) {
	for {
		select {
		case j := <-l.queue:
			g.resolve(j.cmd.Token, StateRejected, "shutdown", "")
		default:
			return
		}
	}
}

func (g *Gateway) run(l *lane, j job) {
	exec := l.executor()
	if exec == nil {
		g.resolve(j.cmd.Token, StateRejected, fmt.Sprintf("no executor for %s", l.device), "")
		return
	}
	if g.ctx.Err() != nil {
		g.resolve(j.cmd.Token, StateRejected, "shutdown", "")
		return
	}

	// The watchdog returns control to the lane even if an executor ignores
	// its context, so one wedged command cannot poison the device.
	res, err := watchdog.Do(g.ctx, g.cfg.CommandTimeout, nil, func(ctx context.Context) (Result, error) {
		var (
			res Result
			err error
		)
		for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
			res, err = exec.Execute(ctx, j.cmd)
			if err == nil || !model.Retryable(err) || attempt == g.cfg.MaxAttempts {
				return res, err
			}
			log.Printf("[WARN] Gateway (%s): %s attempt %d failed: %v", l.device, j.cmd.Kind, attempt, err)
			select {
			case <-time.After(g.cfg.RetryDelay):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
		return res, err
	})

	switch {
	case err == nil:
		g.resolve(j.cmd.Token, StateAcknowledged, "", res.Artifact)
	case g.ctx.Err() != nil:
		g.resolve(j.cmd.Token, StateRejected, "shutdown", "")
	case errors.Is(err, watchdog.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		log.Printf("[WARN] Gateway (%s): %s %s timed out after %v", l.device, j.cmd.Kind, j.cmd.Token, g.cfg.CommandTimeout)
		g.resolve(j.cmd.Token, StateTimeout, "no acknowledgment within timeout", "")
	default:
		log.Printf("[ERROR] Gateway (%s): %s %s rejected: %v", l.device, j.cmd.Kind, j.cmd.Token, err)
		g.resolve(j.cmd.Token, StateRejected, err.Error(), "")
	}
}

func (g *Gateway) resolve(token Token, state State, reason, artifact string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolveLocked(token, state, reason, artifact)
}

func (g *Gateway) resolveLocked(token Token, state State, reason, artifact string) {
	e, ok := g.pending[token]
	if !ok {
		return
	}
	delete(g.pending, token)

	e.outcome.State = state
	e.outcome.Reason = reason
	e.outcome.Artifact = artifact
	e.outcome.CompletedAt = time.Now()
	g.history.Add(token, e.outcome)
	close(e.done)

	metrics.CommandsTotal.WithLabelValues(string(e.outcome.Device), string(e.outcome.Kind), string(state)).Inc()
	metrics.CommandLatency.WithLabelValues(string(e.outcome.Device)).Observe(float64(e.outcome.CompletedAt.Sub(e.outcome.SubmittedAt).Milliseconds()))
}

// Package harness implements the tiny lifecycle every agent embeds around
// the fabric core: init → register with discovery → subscribe to topics →
// run event loop → drain → unregister → shut down. The harness translates
// between ringtransport frames and the three user-supplied callbacks
// (OnPublish, OnRequest, OnWorkItem); it never interprets payloads itself.
package harness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/discovery"
	"github.com/agentfabric/fabric/internal/frame"
	"github.com/agentfabric/fabric/internal/ringtransport"
	"github.com/agentfabric/fabric/internal/router"
)

// drainTimeout bounds how long Stop waits for in-flight frames to be
// processed before diverting whatever remains to the router's dead-letter
// queue.
const drainTimeout = 2 * time.Second

// readTimeout is how long the event loop's bounded read waits before
// looping back to check ctx.Done(), matching C1's short-period-polling
// shutdown discipline one layer up.
const readTimeout = 200 * time.Millisecond

// Callbacks are the three user-supplied handlers the harness dispatches
// frames to, by msg_type. A nil callback means frames of that class are
// silently dropped (no counter is kept) — the harness does not require
// every agent to handle every message class.
type Callbacks struct {
	OnPublish  func(frame.Frame)
	OnRequest  func(frame.Frame)
	OnWorkItem func(frame.Frame)
}

// Config configures one Harness instance.
type Config struct {
	Name          string
	Kind          discovery.Kind
	Capabilities  []discovery.Capability
	Endpoints     []discovery.Endpoint
	Topics        []string
	RingCapacity  int
	HeartbeatEvery time.Duration
	Callbacks     Callbacks
}

// Harness is one agent's runtime scaffold.
type Harness struct {
	cfg      Config
	registry *discovery.Registry
	router   *router.Router
	clock    clock.Clock
	logger   *zap.Logger

	id      uint32
	channel *ringtransport.Channel

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New constructs a Harness. Call Start to register and begin running.
func New(cfg Config, reg *discovery.Registry, rt *router.Router, clk clock.Clock, logger *zap.Logger) *Harness {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 16 << 20
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 5 * time.Second
	}
	return &Harness{
		cfg:      cfg,
		registry: reg,
		router:   rt,
		clock:    clk,
		logger:   logger.Named("harness").Named(cfg.Name),
	}
}

// ID returns the agent id assigned at registration. Valid only after Start
// returns successfully.
func (h *Harness) ID() uint32 {
	return h.id
}

// Start registers with discovery, wires the inbox into the router,
// subscribes to the configured topics, and launches the heartbeat and event
// loop goroutines under an errgroup so Stop can wait for a clean shutdown.
func (h *Harness) Start(ctx context.Context) error {
	id, err := h.registry.Register(h.cfg.Name, h.cfg.Kind, h.cfg.Capabilities, h.cfg.Endpoints)
	if err != nil {
		return fmt.Errorf("harness: registering %q: %w", h.cfg.Name, err)
	}
	h.id = id

	h.channel = ringtransport.NewChannel(h.cfg.RingCapacity)
	h.router.RegisterInbox(id, h.channel)

	for _, topic := range h.cfg.Topics {
		if err := h.router.Subscribe(topic, id, h.cfg.Name); err != nil {
			return fmt.Errorf("harness: subscribing %q to %q: %w", h.cfg.Name, topic, err)
		}
	}

	if err := h.registry.UpdateHealth(id, discovery.Health{LastHeartbeat: h.clock.Now()}, discovery.LifecycleActive); err != nil {
		return fmt.Errorf("harness: activating %q: %w", h.cfg.Name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	h.group = g

	g.Go(func() error { return h.heartbeatLoop(gctx) })
	g.Go(func() error { return h.eventLoop(gctx) })

	h.logger.Info("harness started", zap.Uint32("agent_id", id), zap.Strings("topics", h.cfg.Topics))
	return nil
}

func (h *Harness) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := h.registry.UpdateHealth(h.id, discovery.Health{LastHeartbeat: h.clock.Now()}, discovery.LifecycleActive)
			if err != nil {
				return fmt.Errorf("harness: heartbeat for agent %d: %w", h.id, err)
			}
		}
	}
}

func (h *Harness) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		f, _, err := h.channel.DrainPreferHigher(ctx, readTimeout)
		if err != nil {
			if err == ringtransport.ErrClosed {
				return nil
			}
			continue // Empty/TimedOut: loop back and check ctx again
		}
		h.dispatch(f)
	}
}

func (h *Harness) dispatch(f frame.Frame) {
	switch f.Header.MsgType {
	case frame.MsgPublish:
		if h.cfg.Callbacks.OnPublish != nil {
			h.cfg.Callbacks.OnPublish(f)
		}
	case frame.MsgRequest:
		if h.cfg.Callbacks.OnRequest != nil {
			h.cfg.Callbacks.OnRequest(f)
		}
	case frame.MsgWorkItem:
		if h.cfg.Callbacks.OnWorkItem != nil {
			h.cfg.Callbacks.OnWorkItem(f)
		}
	case frame.MsgResponse:
		if h.cfg.Callbacks.OnRequest != nil {
			h.cfg.Callbacks.OnRequest(f)
		}
	default:
		h.logger.Debug("harness: dropping unhandled frame", zap.Stringer("msg_type", f.Header.MsgType))
	}
}

// Stop transitions the harness to ShuttingDown, drains the inbox for up to
// drainTimeout, then unregisters from the router and discovery. Independent
// goroutine failures collected during shutdown are aggregated rather than
// discarding all but one.
func (h *Harness) Stop(ctx context.Context) error {
	var errs error

	if err := h.registry.UpdateHealth(h.id, discovery.Health{LastHeartbeat: h.clock.Now()}, discovery.LifecycleShuttingDown); err != nil {
		errs = multierr.Append(errs, err)
	}

	h.cancel()
	if err := h.group.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}

	h.drainOrDeadLetter(drainTimeout)

	h.router.UnregisterInbox(h.id)
	h.channel.Close()
	if err := h.registry.Unregister(h.id); err != nil {
		errs = multierr.Append(errs, err)
	}

	h.logger.Info("harness stopped", zap.Uint32("agent_id", h.id))
	return errs
}

// drainOrDeadLetter dispatches whatever remains in the inbox, best-effort,
// for up to timeout. Any frame still undispatched once the deadline elapses
// is routed to the router's dead-letter queue with reason "shutdown" rather
// than silently abandoned, so a caller blocked on a pending request can
// still observe its fate.
func (h *Harness) drainOrDeadLetter(timeout time.Duration) {
	deadline := h.clock.Now().Add(timeout)
	for h.clock.Now().Before(deadline) {
		f, _, err := h.channel.DrainPreferHigher(context.Background(), 10*time.Millisecond)
		if err != nil {
			return
		}
		h.dispatch(f)
	}

	for {
		f, _, err := h.channel.TryDrainPreferHigher()
		if err != nil {
			return
		}
		h.router.Reroute(f.Header, f.Payload, h.id, "shutdown")
	}
}

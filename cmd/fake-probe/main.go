// ABOUTME: Minimal fake probe for E2E testing: connects over the bridge and acks commands
// ABOUTME: Usage: fake-probe [--addr localhost:5455] [--id fake-probe-1] [--hit-interval 2s]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/2389/probe-gateway/internal/bridge"
	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/probe"
)

const pingInterval = 30 * time.Second

type options struct {
	addr        string
	id          string
	service     string
	token       string
	remotes     []string
	hitInterval time.Duration
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("fake-probe", pflag.ContinueOnError)
	fs.StringVar(&opts.addr, "addr", "localhost:5455", "gateway bridge address")
	fs.StringVar(&opts.id, "id", "fake-probe-1", "probe instance id")
	fs.StringVar(&opts.service, "service", "fake-service", "service name reported in connect meta")
	fs.StringVar(&opts.token, "token", os.Getenv("PROBE_GATEWAY_PROBE_TOKEN"), "probe token when the gateway requires one")
	fs.StringSliceVar(&opts.remotes, "remotes", instrument.Remotes, "capabilities to register")
	fs.DurationVar(&opts.hitInterval, "hit-interval", 2*time.Second, "how often each applied instrument fires (0 disables hits)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fake probe stopped", "error", err)
		os.Exit(1)
	}
}

// fakeProbe holds the instruments the gateway asked this probe to apply.
type fakeProbe struct {
	client *bridge.Client
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*applied
}

type applied struct {
	inst instrument.Instrument
	hits int
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	client, err := bridge.Dial(ctx, opts.addr)
	if err != nil {
		return err
	}
	defer client.Close()

	hello := bridge.Hello{
		InstanceID:     opts.id,
		ConnectionTime: time.Now().UnixMilli(),
		Meta: map[string]string{
			probe.MetaService:         opts.service,
			probe.MetaServiceInstance: opts.id,
		},
	}
	if err := client.Connect(ctx, hello, opts.token); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	logger.Info("connected", "addr", opts.addr, "probe_id", opts.id)

	for _, remote := range opts.remotes {
		if err := client.Register(ctx, remote); err != nil {
			return fmt.Errorf("registering %s: %w", remote, err)
		}
		logger.Info("registered capability", "remote", remote)
	}

	p := &fakeProbe{client: client, logger: logger, active: make(map[string]*applied)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.commandLoop(gctx) })
	g.Go(func() error { return p.pingLoop(gctx) })
	if opts.hitInterval > 0 {
		g.Go(func() error { return p.hitLoop(gctx, opts.hitInterval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = client.Disconnect()
		return nil
	})
	return g.Wait()
}

func (p *fakeProbe) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.client.Done():
			if err := p.client.Err(); err != nil {
				return fmt.Errorf("connection closed: %w", err)
			}
			return errors.New("connection closed")
		case ef := <-p.client.Errors():
			p.logger.Warn("gateway error", "address", ef.Address, "message", ef.Message)
		case f := <-p.client.Commands():
			var cmd instrument.Command
			if err := json.Unmarshal(f.Body, &cmd); err != nil {
				p.logger.Warn("undecodable command", "address", f.Address, "error", err)
				continue
			}
			p.handle(cmd)
		}
	}
}

func (p *fakeProbe) handle(cmd instrument.Command) {
	switch cmd.Type {
	case instrument.CommandAdd:
		for _, inst := range cmd.Instruments {
			p.mu.Lock()
			p.active[inst.ID] = &applied{inst: inst}
			p.mu.Unlock()

			inst.Applied = true
			inst.Pending = false
			if err := p.client.Publish(instrument.AddressApplied, inst); err != nil {
				p.logger.Error("failed to report applied", "instrument_id", inst.ID, "error", err)
				continue
			}
			p.logger.Info("applied", "instrument_id", inst.ID, "kind", inst.Kind, "location", inst.Location.String())
		}
	case instrument.CommandRemove:
		p.mu.Lock()
		for _, inst := range cmd.Instruments {
			delete(p.active, inst.ID)
			p.logger.Info("removed", "instrument_id", inst.ID)
		}
		for _, loc := range cmd.Locations {
			for id, a := range p.active {
				if a.inst.Location.Source == loc.Source && a.inst.Location.Line == loc.Line {
					delete(p.active, id)
					p.logger.Info("removed by location", "instrument_id", id, "location", loc.String())
				}
			}
		}
		p.mu.Unlock()
	}
}

// hitLoop fires every applied instrument once per interval. An instrument
// that reaches its hit limit is removed and reported without a cause.
func (p *fakeProbe) hitLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			p.fire(now)
		}
	}
}

func (p *fakeProbe) fire(now time.Time) {
	type report struct {
		id   string
		hits int
		done bool
	}
	var reports []report

	p.mu.Lock()
	for id, a := range p.active {
		a.hits++
		done := a.inst.HitLimit != instrument.Unlimited && a.hits >= a.inst.HitLimit
		if done {
			delete(p.active, id)
		}
		reports = append(reports, report{id: id, hits: a.hits, done: done})
	}
	p.mu.Unlock()

	for _, r := range reports {
		err := p.client.Publish(instrument.AddressHit, map[string]any{
			"id":          r.id,
			"occurred_at": now.UnixMilli(),
			"data":        map[string]any{"hit": r.hits, "thread": "main"},
		})
		if err != nil {
			p.logger.Error("failed to report hit", "instrument_id", r.id, "error", err)
			continue
		}
		if !r.done {
			continue
		}
		err = p.client.Publish(instrument.AddressRemoved, map[string]any{
			"id":          r.id,
			"occurred_at": now.UnixMilli(),
		})
		if err != nil {
			p.logger.Error("failed to report removal", "instrument_id", r.id, "error", err)
			continue
		}
		p.logger.Info("hit limit reached", "instrument_id", r.id, "hits", r.hits)
	}
}

func (p *fakeProbe) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.client.Ping(); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// Package cell assembles one agent's runtime: chain, stores, cascade,
// workflow runners, and the dispatcher that external callers talk to.
package cell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/strand/internal/cascade"
	"github.com/roach88/strand/internal/chain"
	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/keystore"
	"github.com/roach88/strand/internal/manifest"
	"github.com/roach88/strand/internal/network"
	"github.com/roach88/strand/internal/ribosome"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
	"github.com/roach88/strand/internal/validation"
	"github.com/roach88/strand/internal/workflow"
)

const (
	// DefaultZomeCallPermits bounds concurrent zome calls per cell.
	DefaultZomeCallPermits = 8
	// DefaultLimboBound caps pending ops before inbound gossip is
	// pushed back.
	DefaultLimboBound = 10_000
	// DefaultCacheMaxBytes bounds the cache store before LRU eviction.
	DefaultCacheMaxBytes = 256 << 20
)

// ErrDegraded means a runner hit a fatal error; the cell refuses
// further writes but still serves reads of unaffected data.
var ErrDegraded = errors.New("cell is degraded")

// Config assembles a cell.
type Config struct {
	Manifest *manifest.Manifest
	Keystore *keystore.MemKeystore
	Agent    hash.Hash
	Runtime  *ribosome.Native
	// Bus is nil for offline cells; the cell then acts as authority
	// for everything and publishes nowhere.
	Bus network.Bus
	// DataDir holds the three databases; empty means in-memory.
	DataDir string
	Log     *slog.Logger

	ZomeCallPermits int64
	LimboBound      int
	CacheMaxBytes   int64
	AbandonAfter    time.Duration
	// Now is swappable for tests.
	Now func() types.Timestamp
}

// Cell is one (app, agent) runtime instance.
type Cell struct {
	agent    hash.Hash
	dna      hash.Hash
	manifest *manifest.Manifest
	ks       *keystore.MemKeystore
	runtime  *ribosome.Native
	bus      network.Bus
	log      *slog.Logger
	now      func() types.Timestamp

	authored *store.Store
	dht      *store.Store
	cache    *store.Store
	chain    *chain.Chain
	cascade  *cascade.Cascade
	deps     *workflow.ChainedDeps

	permits    *semaphore.Weighted
	limboBound int
	cacheMax   int64

	produceTrigger   *workflow.Trigger
	sysTrigger       *workflow.Trigger
	appTrigger       *workflow.Trigger
	integrateTrigger *workflow.Trigger
	publishTrigger   *workflow.Trigger
	runners          []*workflow.Runner
	cancels          []context.CancelFunc
	done             []chan struct{}
	trimCancel       context.CancelFunc
	group            *errgroup.Group

	remote RemoteDirectory
}

// New builds a cell, opening its stores and running chain genesis if
// the agent has no chain yet.
func New(ctx context.Context, cfg Config) (*Cell, error) {
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("cell requires a manifest")
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("cell requires a keystore")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Runtime == nil {
		cfg.Runtime = ribosome.NewNative()
	}
	if cfg.Now == nil {
		cfg.Now = types.Now
	}
	if cfg.ZomeCallPermits <= 0 {
		cfg.ZomeCallPermits = DefaultZomeCallPermits
	}
	if cfg.LimboBound <= 0 {
		cfg.LimboBound = DefaultLimboBound
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = workflow.DefaultAbandonAfter
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = DefaultCacheMaxBytes
	}

	dna, err := cfg.Manifest.DnaHash()
	if err != nil {
		return nil, err
	}

	c := &Cell{
		agent:            cfg.Agent,
		dna:              dna,
		manifest:         cfg.Manifest,
		ks:               cfg.Keystore,
		runtime:          cfg.Runtime,
		bus:              cfg.Bus,
		log:              cfg.Log.With("cell", cfg.Agent.String()[:12]),
		now:              cfg.Now,
		permits:          semaphore.NewWeighted(cfg.ZomeCallPermits),
		limboBound:       cfg.LimboBound,
		cacheMax:         cfg.CacheMaxBytes,
		produceTrigger:   workflow.NewTrigger(),
		sysTrigger:       workflow.NewTrigger(),
		appTrigger:       workflow.NewTrigger(),
		integrateTrigger: workflow.NewTrigger(),
		publishTrigger:   workflow.NewTrigger(),
	}

	if c.authored, c.dht, c.cache, err = openStores(cfg.DataDir); err != nil {
		return nil, err
	}

	c.chain, err = chain.Open(ctx, c.authored, c.ks, c.agent)
	if errors.Is(err, chain.ErrNotInitialized) {
		c.chain, err = chain.Genesis(ctx, c.authored, c.ks, c.agent, dna)
	}
	if err != nil {
		c.closeStores()
		return nil, err
	}

	c.cascade = cascade.New(c.agent, c.authored, c.dht, c.cache, c.bus, c.log)
	c.deps = &workflow.ChainedDeps{Stores: []*store.Store{c.authored, c.dht, c.cache}}
	c.buildRunners(cfg.AbandonAfter)
	return c, nil
}

func openStores(dataDir string) (authored, dht, cache *store.Store, err error) {
	open := func(role store.Role) (*store.Store, error) {
		if dataDir == "" {
			return store.OpenMemory(role)
		}
		return store.Open(filepath.Join(dataDir, string(role)+".sqlite"), role)
	}
	if authored, err = open(store.RoleAuthored); err != nil {
		return nil, nil, nil, err
	}
	if dht, err = open(store.RoleDHT); err != nil {
		authored.Close()
		return nil, nil, nil, err
	}
	if cache, err = open(store.RoleCache); err != nil {
		authored.Close()
		dht.Close()
		return nil, nil, nil, err
	}
	return authored, dht, cache, nil
}

// buildRunners wires the five pipeline stages in their drain order.
func (c *Cell) buildRunners(abandonAfter time.Duration) {
	sysv := &validation.SysValidator{Manifest: c.manifest, Deps: c.deps}
	var fetch workflow.DepFetcher = workflow.NoFetch{}
	if c.bus != nil {
		fetch = c.cascade
	}
	// Resolved per call so SetValidator after New still takes effect.
	appv := validation.AppValidatorFunc(
		func(ctx context.Context, op *types.Op, reads validation.Reads) (validation.Outcome, error) {
			return c.runtime.Validator().ValidateOp(ctx, op, reads)
		})

	batches := []struct {
		name    string
		trigger *workflow.Trigger
		batch   workflow.BatchFunc
	}{
		{"produce_ops", c.produceTrigger,
			workflow.ProduceOpsBatch(c.authored, c.dht, c.agent, c.sysTrigger, c.now)},
		{"sys_validation", c.sysTrigger,
			workflow.SysValidationBatch(c.dht, sysv, c.deps, fetch, c.appTrigger, c.integrateTrigger, c.now, abandonAfter)},
		{"app_validation", c.appTrigger,
			workflow.AppValidationBatch(c.dht, appv, c.cascade, c.deps, fetch, c.integrateTrigger, c.now, abandonAfter)},
		{"integration", c.integrateTrigger,
			workflow.IntegrationBatch(c.dht, c.deps, c.publishTrigger, c.now, c.sendReceipt)},
		{"publish", c.publishTrigger,
			workflow.PublishBatch(c.dht, c.busOrNoop(), c.log)},
	}
	for _, b := range batches {
		c.runners = append(c.runners, workflow.NewRunner(b.name, b.trigger, c.log, b.batch))
	}
}

// Start launches the workflow runners. Runner contexts are held
// per-runner so Shutdown can stop them in pipeline order.
func (c *Cell) Start(ctx context.Context) {
	g, _ := errgroup.WithContext(ctx)
	c.group = g
	for _, r := range c.runners {
		rctx, cancel := context.WithCancel(ctx)
		ch := make(chan struct{})
		c.cancels = append(c.cancels, cancel)
		c.done = append(c.done, ch)
		runner := r
		g.Go(func() error {
			defer close(ch)
			err := runner.Run(rctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	trimCtx, trimCancel := context.WithCancel(ctx)
	c.trimCancel = trimCancel
	g.Go(func() error { return c.trimCacheLoop(trimCtx) })
}

// trimCacheLoop evicts cold cache rows once a minute until the cache
// is back under its byte budget.
func (c *Cell) trimCacheLoop(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		evicted, err := c.cache.TrimCache(ctx, c.cacheMax)
		if err != nil {
			c.log.Warn("cache trim failed", "error", err)
			continue
		}
		if evicted > 0 {
			c.log.Debug("cache trimmed", "evicted", evicted)
		}
	}
}

// Shutdown drains the runners in pipeline order, waits for each to
// finish its current batch, and closes the databases.
func (c *Cell) Shutdown(ctx context.Context) error {
	for i := range c.cancels {
		c.cancels[i]()
		select {
		case <-c.done[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.trimCancel != nil {
		c.trimCancel()
	}
	var err error
	if c.group != nil {
		err = c.group.Wait()
	}
	if closeErr := c.closeStores(); err == nil {
		err = closeErr
	}
	return err
}

func (c *Cell) closeStores() error {
	var first error
	for _, s := range []*store.Store{c.authored, c.dht, c.cache} {
		if s == nil {
			continue
		}
		if err := s.Close(); first == nil && err != nil {
			first = err
		}
	}
	return first
}

// Degraded reports whether any runner has fatally stopped.
func (c *Cell) Degraded() bool {
	for _, r := range c.runners {
		if r.Degraded() {
			return true
		}
	}
	return false
}

// Agent returns the cell's agent hash.
func (c *Cell) Agent() hash.Hash { return c.agent }

// DnaHash returns the app identity the cell runs.
func (c *Cell) DnaHash() hash.Hash { return c.dna }

// Cascade exposes the cell's read path.
func (c *Cell) Cascade() *cascade.Cascade { return c.cascade }

// Chain exposes the cell's source chain.
func (c *Cell) Chain() *chain.Chain { return c.chain }

// SetRemoteDirectory wires the lookup used by remote calls.
func (c *Cell) SetRemoteDirectory(d RemoteDirectory) { c.remote = d }

// busOrNoop lets the publish runner run unconditionally; without a
// network it simply never has anywhere to push.
func (c *Cell) busOrNoop() network.Bus {
	if c.bus != nil {
		return c.bus
	}
	return noopBus{}
}

// noopBus is the offline stand-in: every op is "delivered" nowhere.
type noopBus struct{}

func (noopBus) Publish(context.Context, hash.Hash, []types.Op) error { return nil }
func (noopBus) Get(context.Context, hash.Hash) ([]types.Op, error) { return nil, nil }
func (noopBus) GetLinks(context.Context, hash.Hash, network.LinkFilter) ([]types.Op, error) {
	return nil, nil
}
func (noopBus) GetAgentActivity(context.Context, hash.Hash, network.ActivityFilter) (*network.Activity, error) {
	return nil, nil
}
func (noopBus) SendReceipt(context.Context, hash.Hash, network.Receipt) error { return nil }
func (noopBus) AmAuthority(hash.Hash) bool { return true }

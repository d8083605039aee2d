// Package cascade is the layered read path.
//
// Every query walks the same ladder: the in-progress scratch, the
// agent's own authored store, the integrated DHT store when this node
// is authority for the basis, the cache, and finally the network.
// Network responses are verified, written through to the cache, and
// shared between concurrent identical requests via singleflight.
package cascade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/strand/internal/chain"
	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/network"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

var (
	// ErrTimeout means the network stage missed the caller's deadline.
	ErrTimeout = errors.New("cascade timeout")
	// ErrNotFound is returned by the must_get family only; plain gets
	// report absence as a nil result.
	ErrNotFound = errors.New("not found")
)

// DefaultTimeout bounds the network stage when options carry none.
const DefaultTimeout = 10 * time.Second

// Options tune one cascade query.
type Options struct {
	// Timeout bounds the network stage.
	Timeout time.Duration
	// IncludeDead returns tombstoned links too.
	IncludeDead bool
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Cascade answers reads for one cell.
type Cascade struct {
	agent    hash.Hash
	authored *store.Store
	dht      *store.Store
	cache    *store.Store
	bus      network.Bus // nil for offline cells
	scratch  *chain.Scratch
	log      *slog.Logger
	now      func() types.Timestamp

	sf *singleflight.Group
}

// New builds the cell-wide cascade. Per-call scratch views are derived
// with WithScratch.
func New(agent hash.Hash, authored, dht, cache *store.Store, bus network.Bus, log *slog.Logger) *Cascade {
	return &Cascade{
		agent:    agent,
		authored: authored,
		dht:      dht,
		cache:    cache,
		bus:      bus,
		log:      log,
		now:      types.Now,
		sf:       &singleflight.Group{},
	}
}

// WithScratch returns a view that consults the given scratch first.
// The underlying stores and the in-flight request table are shared.
func (c *Cascade) WithScratch(s *chain.Scratch) *Cascade {
	view := *c
	view.scratch = s
	return &view
}

// GetRecord resolves the record at actionHash, or nil if nobody has
// it. Records whose StoreRecord op was rejected are never returned.
func (c *Cascade) GetRecord(ctx context.Context, actionHash hash.Hash, opts Options) (*types.Record, error) {
	if c.scratch != nil {
		if rec, ok := c.scratch.FindAction(actionHash); ok {
			return rec, nil
		}
	}
	if rec, err := c.authored.GetRecord(ctx, actionHash); err != nil || rec != nil {
		return rec, err
	}

	if c.isAuthority(actionHash) {
		rejected, err := c.isRejected(ctx, actionHash)
		if err != nil {
			return nil, err
		}
		if rejected {
			return nil, nil
		}
		if rec, err := c.dht.GetRecord(ctx, actionHash); err != nil || rec != nil {
			return rec, err
		}
	}

	if rec, err := c.cacheRecord(ctx, actionHash); err != nil || rec != nil {
		return rec, err
	}
	return c.netGetRecord(ctx, actionHash, opts)
}

// GetEntry resolves the entry at entryHash through the same ladder.
func (c *Cascade) GetEntry(ctx context.Context, entryHash hash.Hash, opts Options) (*types.Entry, error) {
	if c.scratch != nil {
		if rec, ok := c.scratch.FindEntry(entryHash); ok {
			return rec.Entry, nil
		}
	}
	if e, err := c.authored.GetEntry(ctx, entryHash); err != nil || e != nil {
		return e, err
	}
	if c.isAuthority(entryHash) {
		if e, err := c.dht.GetEntry(ctx, entryHash); err != nil || e != nil {
			return e, err
		}
	}
	if e, err := c.cache.GetEntry(ctx, entryHash); err != nil || e != nil {
		if e != nil {
			c.touch(ctx, entryHash, len(e.Blob))
		}
		return e, err
	}

	ops, err := c.netFetch(ctx, entryHash, opts)
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	for i := range ops {
		if ops[i].Entry != nil {
			if h, hashErr := ops[i].Entry.Hash(); hashErr == nil && h.Equal(entryHash) {
				return ops[i].Entry, nil
			}
		}
	}
	return nil, nil
}

// MustGetAction returns the action at h from locally validated data
// only; the network is never consulted.
func (c *Cascade) MustGetAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error) {
	if c.scratch != nil {
		if rec, ok := c.scratch.FindAction(h); ok {
			return &rec.SignedAction, nil
		}
	}
	if sa, err := c.authored.GetAction(ctx, h); err != nil || sa != nil {
		return sa, err
	}
	integrated, err := c.integratedStatus(ctx, h)
	if err != nil {
		return nil, err
	}
	if integrated == store.StatusValid {
		if sa, err := c.dht.GetAction(ctx, h); err != nil || sa != nil {
			return sa, err
		}
	}
	return nil, fmt.Errorf("must_get_action %s: %w", h, ErrNotFound)
}

// MustGetEntry returns the entry at h from locally validated data only.
func (c *Cascade) MustGetEntry(ctx context.Context, h hash.Hash) (*types.Entry, error) {
	if c.scratch != nil {
		if rec, ok := c.scratch.FindEntry(h); ok && rec.Entry != nil {
			return rec.Entry, nil
		}
	}
	if e, err := c.authored.GetEntry(ctx, h); err != nil || e != nil {
		return e, err
	}
	rows, err := c.dht.QueryByBasis(ctx, h, store.BasisFilter{
		Kinds:          []types.OpKind{types.OpStoreEntry},
		IntegratedOnly: true,
		Statuses:       []store.Status{store.StatusValid},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		if e, err := c.dht.GetEntry(ctx, h); err != nil || e != nil {
			return e, err
		}
	}
	return nil, fmt.Errorf("must_get_entry %s: %w", h, ErrNotFound)
}

// MustGetValidRecord returns the record at h only if it is authored
// locally or integrated with a Valid verdict.
func (c *Cascade) MustGetValidRecord(ctx context.Context, h hash.Hash) (*types.Record, error) {
	if c.scratch != nil {
		if rec, ok := c.scratch.FindAction(h); ok {
			return rec, nil
		}
	}
	if rec, err := c.authored.GetRecord(ctx, h); err != nil || rec != nil {
		return rec, err
	}
	status, err := c.integratedStatus(ctx, h)
	if err != nil {
		return nil, err
	}
	if status == store.StatusValid {
		if rec, err := c.dht.GetRecord(ctx, h); err != nil || rec != nil {
			return rec, err
		}
	}
	return nil, fmt.Errorf("must_get_valid_record %s: %w", h, ErrNotFound)
}

// isAuthority asks the network layer; offline cells hold the full arc.
func (c *Cascade) isAuthority(basis hash.Hash) bool {
	if c.bus == nil {
		return true
	}
	return c.bus.AmAuthority(basis)
}

// isRejected reports whether the StoreRecord op at actionHash carries a
// rejected verdict.
func (c *Cascade) isRejected(ctx context.Context, actionHash hash.Hash) (bool, error) {
	rows, err := c.dht.QueryByBasis(ctx, actionHash, store.BasisFilter{
		Kinds:    []types.OpKind{types.OpStoreRecord},
		Statuses: []store.Status{store.StatusRejected},
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// integratedStatus returns the verdict of the integrated StoreRecord
// op at actionHash, or empty if none is integrated.
func (c *Cascade) integratedStatus(ctx context.Context, actionHash hash.Hash) (store.Status, error) {
	rows, err := c.dht.QueryByBasis(ctx, actionHash, store.BasisFilter{
		Kinds:          []types.OpKind{types.OpStoreRecord},
		IntegratedOnly: true,
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].Status, nil
}

func (c *Cascade) cacheRecord(ctx context.Context, actionHash hash.Hash) (*types.Record, error) {
	rec, err := c.cache.GetRecord(ctx, actionHash)
	if err != nil || rec == nil {
		return rec, err
	}
	c.touch(ctx, actionHash, recordSize(rec))
	return rec, nil
}

// netGetRecord fetches from the basis authorities, verifies, and
// writes through to the cache.
func (c *Cascade) netGetRecord(ctx context.Context, actionHash hash.Hash, opts Options) (*types.Record, error) {
	ops, err := c.netFetch(ctx, actionHash, opts)
	if err != nil || len(ops) == 0 {
		return nil, err
	}
	for i := range ops {
		if h, err := ops[i].SignedAction.Hash(); err == nil && h.Equal(actionHash) {
			rec := types.Record{SignedAction: ops[i].SignedAction, Entry: ops[i].Entry}
			return &rec, nil
		}
	}
	return nil, nil
}

// netFetch is the shared network stage: coalesced, verified, cached.
func (c *Cascade) netFetch(ctx context.Context, basis hash.Hash, opts Options) ([]types.Op, error) {
	if c.bus == nil {
		return nil, nil
	}
	key := "get:" + basis.String()
	v, err, _ := c.sf.Do(key, func() (any, error) {
		nctx, cancel := context.WithTimeout(ctx, opts.timeout())
		defer cancel()
		raw, err := c.bus.Get(nctx, basis)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("get %s: %w", basis, ErrTimeout)
		}
		if err != nil {
			return nil, err
		}
		accepted := c.verifyOps(raw)
		if err := c.cacheOps(ctx, basis, accepted); err != nil {
			return nil, err
		}
		return accepted, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Op), nil
}

// verifyOps drops signature-invalid payloads and logs the offending
// authority response.
func (c *Cascade) verifyOps(raw []types.Op) []types.Op {
	accepted := raw[:0:0]
	for i := range raw {
		rec := types.Record{SignedAction: raw[i].SignedAction, Entry: raw[i].Entry}
		if err := rec.CheckIntegrity(); err != nil {
			c.log.Warn("authority returned invalid payload", "error", err)
			continue
		}
		accepted = append(accepted, raw[i])
	}
	return accepted
}

// cacheOps writes fetched ops through to the cache store.
func (c *Cascade) cacheOps(ctx context.Context, basis hash.Hash, fetched []types.Op) error {
	if len(fetched) == 0 {
		return nil
	}
	var total int
	err := c.cache.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range fetched {
			// The op row files the content under its basis; TrimCache
			// evicts by basis, so without it nothing would ever leave.
			if err := store.PutOpTx(tx, &fetched[i], store.StageIntegrated, store.StatusValid, false, c.now()); err != nil {
				return err
			}
			total += len(fetched[i].SignedAction.Signature)
			if fetched[i].Entry != nil {
				total += len(fetched[i].Entry.Blob)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.touch(ctx, basis, total)
	return nil
}

func (c *Cascade) touch(ctx context.Context, basis hash.Hash, bytes int) {
	if err := c.cache.TouchCache(ctx, basis, bytes, c.now()); err != nil {
		c.log.Warn("cache touch failed", "basis", basis, "error", err)
	}
}

func recordSize(rec *types.Record) int {
	n := len(rec.SignedAction.Signature)
	if rec.Entry != nil {
		n += len(rec.Entry.Blob)
	}
	return n
}

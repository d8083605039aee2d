package cell

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/network"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

var _ network.Handler = (*Cell)(nil)

// HandleInbound accepts gossiped ops into the limbo. A full limbo
// pushes back on the sender instead of queueing without bound; the
// sender's publish loop retries with backoff.
func (c *Cell) HandleInbound(ctx context.Context, batch []types.Op) error {
	n, err := c.dht.CountLimbo(ctx)
	if err != nil {
		return err
	}
	if n >= c.limboBound {
		return fmt.Errorf("%w: limbo holds %d ops", network.ErrPushback, n)
	}

	var inserted int
	for i := range batch {
		op := &batch[i]
		oh, err := op.Hash()
		if err != nil {
			c.log.Warn("dropping unhashable inbound op", "error", err)
			continue
		}
		// Signature and binding failures are not filtered here: the op
		// enters the limbo and sys-validation records the Rejected
		// verdict, so the bad evidence stays queryable and the author
		// gets a rejection receipt.
		existing, err := c.dht.GetOp(ctx, oh)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := c.dht.PutOp(ctx, op, store.StagePending, "", false, c.now()); err != nil {
			return err
		}
		inserted++
	}
	if inserted > 0 {
		c.sysTrigger.Fire()
	}
	return nil
}

// HandleGet serves integrated record and entry ops held at basis.
// Rejected and abandoned ops are withheld; a requester that needs a
// verdict asks the activity authority, not the content authority.
func (c *Cell) HandleGet(ctx context.Context, basis hash.Hash) ([]types.Op, error) {
	return c.serveOps(ctx, basis, []types.OpKind{types.OpStoreRecord, types.OpStoreEntry})
}

// HandleGetLinks serves integrated link ops based at base. Tombstones
// are always included so the requester can fold deletes locally.
func (c *Cell) HandleGetLinks(ctx context.Context, base hash.Hash, f network.LinkFilter) ([]types.Op, error) {
	served, err := c.serveOps(ctx, base, []types.OpKind{types.OpRegisterAddLink, types.OpRegisterRemoveLink})
	if err != nil {
		return nil, err
	}
	out := served[:0]
	for _, op := range served {
		if op.Kind == types.OpRegisterAddLink && !matchLink(&op.SignedAction.Action, f) {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// HandleGetAgentActivity serves the local integrated view of an
// agent's chain.
func (c *Cell) HandleGetAgentActivity(ctx context.Context, agent hash.Hash, f network.ActivityFilter) (*network.Activity, error) {
	return c.cascade.LocalActivity(ctx, agent, f)
}

// HandleReceipt records a validation receipt for an op this cell
// authored. Receipts for unknown or foreign ops are dropped silently;
// authorities re-send and the network dedupes nothing for us.
func (c *Cell) HandleReceipt(ctx context.Context, r network.Receipt) error {
	key, err := r.Authority.AgentKey()
	if err != nil {
		return fmt.Errorf("receipt authority: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(key), receiptSigningBytes(r.OpHash, r.Verdict), r.Signature) {
		return fmt.Errorf("receipt for %s: signature does not verify under %s", r.OpHash, r.Authority)
	}

	row, err := c.dht.GetOp(ctx, r.OpHash)
	if err != nil {
		return err
	}
	if row == nil || !row.IsAuthored || row.ReceiptsDone {
		return nil
	}

	status := store.StatusValid
	if r.Verdict == network.VerdictRejected {
		status = store.StatusRejected
	}
	count, err := c.dht.AddReceipt(ctx, r.OpHash, r.Authority, status, r.Signature, c.now())
	if err != nil {
		return err
	}
	if count >= c.manifest.ReceiptThreshold {
		if err := c.dht.MarkReceiptsDone(ctx, r.OpHash); err != nil {
			return err
		}
		c.log.Debug("op fully receipted", "op", r.OpHash, "receipts", count)
	}
	return nil
}

// sendReceipt runs after integration of each op. For ops this cell
// validated on behalf of another author it signs a receipt and pushes
// it back; own ops and abandoned ops produce none.
func (c *Cell) sendReceipt(ctx context.Context, row *store.OpRow) {
	if c.bus == nil || row.IsAuthored || row.Status == store.StatusAbandoned {
		return
	}
	verdict := network.VerdictValid
	if row.Status == store.StatusRejected {
		verdict = network.VerdictRejected
	}

	sa, err := c.dht.GetAction(ctx, row.ActionHash)
	if err != nil || sa == nil {
		c.log.Warn("receipt skipped, author unknown", "op", row.Hash, "error", err)
		return
	}
	sig, err := c.ks.Sign(c.agent, receiptSigningBytes(row.Hash, verdict))
	if err != nil {
		c.log.Warn("receipt skipped, signing failed", "op", row.Hash, "error", err)
		return
	}
	r := network.Receipt{OpHash: row.Hash, Authority: c.agent, Verdict: verdict, Signature: sig}
	if err := c.bus.SendReceipt(ctx, sa.Action.Author, r); err != nil {
		c.log.Warn("receipt delivery failed", "op", row.Hash, "author", sa.Action.Author, "error", err)
	}
}

func (c *Cell) serveOps(ctx context.Context, basis hash.Hash, kinds []types.OpKind) ([]types.Op, error) {
	rows, err := c.dht.QueryByBasis(ctx, basis, store.BasisFilter{
		Kinds:          kinds,
		IntegratedOnly: true,
		Statuses:       []store.Status{store.StatusValid},
	})
	if err != nil {
		return nil, err
	}
	out := make([]types.Op, 0, len(rows))
	for i := range rows {
		op, err := c.dht.ReconstructOp(ctx, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, nil
}

func matchLink(a *types.Action, f network.LinkFilter) bool {
	if f.ZomeIndex != nil && a.ZomeIndex != *f.ZomeIndex {
		return false
	}
	if f.LinkType != nil && a.LinkType != *f.LinkType {
		return false
	}
	if len(f.TagPrefix) > 0 {
		if len(a.Tag) < len(f.TagPrefix) {
			return false
		}
		for i := range f.TagPrefix {
			if a.Tag[i] != f.TagPrefix[i] {
				return false
			}
		}
	}
	return true
}

// receiptSigningBytes is the canonical byte string a receipt signature
// covers.
func receiptSigningBytes(op hash.Hash, v network.Verdict) []byte {
	msg := make([]byte, 0, 8+len(op.Bytes())+len(v))
	msg = append(msg, "receipt:"...)
	msg = append(msg, op.Bytes()...)
	msg = append(msg, v...)
	return msg
}

package kvstore

import (
	"context"

	"github.com/cuemby/kvstore/pkg/kvmetrics"
	"github.com/cuemby/kvstore/pkg/replication"
)

// ApplyLocal satisfies replication.Applier: it applies a received
// operation directly, bypassing the public Set/Delete read-only guard.
// Deletes are applied with broadcasting disabled; sets go through
// applySetCore, which broadcasts only when the store has a Primary
// (cmd/kvstore builds a secondary's store without one).
func (s *Store) ApplyLocal(ctx context.Context, rec replication.OpRecord) error {
	if !rec.VerifyChecksum() {
		kvmetrics.ReplicationChecksumMismatchTotal.Inc()
		return nil
	}
	switch rec.OpType {
	case replication.OpSet:
		p, err := rec.DecodeSet()
		if err != nil {
			return err
		}
		return s.applySetCore(ctx, p.Key, p.Value, p.Tags, p.TTLSeconds)
	case replication.OpDelete:
		p, err := rec.DecodeDelete()
		if err != nil {
			return err
		}
		return s.applyDeleteCore(ctx, p.Key, false)
	default:
		return nil
	}
}

package storage

import (
	"sort"
)

// RecoveryMode selects how much of the block set open-time recovery verifies.
type RecoveryMode int

const (
	// RecoveryNone skips the integrity pass.
	RecoveryNone RecoveryMode = iota

	// RecoverySample verifies a bounded subset of blocks.
	RecoverySample

	// RecoveryFull verifies every block with a metadata entry.
	RecoveryFull
)

// CorruptionPolicy decides what happens to blocks that fail verification.
type CorruptionPolicy int

const (
	// CorruptionReport records failures in the report and leaves data alone.
	CorruptionReport CorruptionPolicy = iota

	// CorruptionRepair attempts reconstruction; blocks that cannot be
	// repaired are dropped.
	CorruptionRepair
)

// RecoveryOptions configures the open-time recovery pass.
type RecoveryOptions struct {
	Mode       RecoveryMode
	SampleSize int
	Policy     CorruptionPolicy
}

// DefaultRecoveryOptions verifies nothing and reports: reconciliation always
// runs, the integrity pass is opt-in.
func DefaultRecoveryOptions() RecoveryOptions {
	return RecoveryOptions{Mode: RecoveryNone, Policy: CorruptionReport}
}

// RecoveryReport summarizes what recovery verified, repaired, or dropped.
type RecoveryReport struct {
	TotalBlocksVerified int
	CorruptedBlocks     []uint64
	RepairedBlocks      []uint64
	DroppedBlocks       []uint64
	StraysRemoved       int
	PendingPromoted     bool
	PendingDiscarded    bool
}

// runRecovery reconciles metadata against backend contents before the cache
// serves its first operation. It is idempotent: a second run over the
// reconciled state is a no-op.
//
//  1. Load live metadata. Absent live + present pending means the prior
//     commit wrote everything but the final swap: the pending state is
//     authoritative and is promoted. Present live + present pending means
//     the commit did not finish: live (v1) wins and pending is discarded.
//  2. Reconciliation: strays on disk are deleted, dangling entries are
//     dropped, invalid-sized records are dropped and deleted.
//  3. Integrity pass per mode; corrupt blocks are reported, repaired from
//     the pending copy when its checksum matches, or dropped.
func runRecovery(backend Backend, opts RecoveryOptions, blockSize uint32) (*RecoveryReport, *MetadataState, error) {
	report := &RecoveryReport{}

	liveRaw, err := backend.GetMetadata()
	if err != nil {
		return nil, nil, wrapErr("recovery", err)
	}
	pendingRaw, err := backend.GetPendingMetadata()
	if err != nil {
		return nil, nil, wrapErr("recovery", err)
	}

	var meta *MetadataState
	var pendingMeta *MetadataState
	if pendingRaw != nil {
		// Parse failures on pending are not fatal; a torn pending write is
		// exactly the crash this pass cleans up.
		pendingMeta, _ = ParseMetadata(pendingRaw)
	}

	switch {
	case liveRaw == nil && pendingRaw != nil && pendingMeta != nil:
		meta = pendingMeta
		if err := backend.PutMetadata(pendingRaw); err != nil {
			return nil, nil, wrapErr("recovery: promote pending", err)
		}
		report.PendingPromoted = true
	case liveRaw == nil:
		meta = NewMetadataState(blockSize)
	default:
		meta, err = ParseMetadata(liveRaw)
		if err != nil {
			return nil, nil, err
		}
	}
	if pendingRaw != nil {
		if err := backend.DiscardPending(); err != nil {
			return nil, nil, wrapErr("recovery", err)
		}
		report.PendingDiscarded = !report.PendingPromoted
	}

	onDisk, err := backend.ListBlockIDs()
	if err != nil {
		return nil, nil, wrapErr("recovery", err)
	}

	changed := false

	// Stray-file cleanup: records with no metadata entry. This also removes
	// blocks introduced only by a rolled-back pending commit.
	for id := range onDisk {
		if _, ok := meta.Entries[id]; !ok {
			if err := backend.DeleteBlock(id); err != nil {
				return nil, nil, wrapErr("recovery: remove stray", err)
			}
			report.StraysRemoved++
		}
	}

	// Dangling and invalid-size cleanup.
	for _, id := range sortedEntryIDs(meta) {
		if _, ok := onDisk[id]; !ok {
			delete(meta.Entries, id)
			delete(meta.Allocated, id)
			report.DroppedBlocks = append(report.DroppedBlocks, id)
			changed = true
			continue
		}
		size, err := backend.BlockRecordSize(id)
		if err != nil {
			return nil, nil, wrapErr("recovery", err)
		}
		if uint32(size) != effectiveBlockSize(meta, blockSize) {
			delete(meta.Entries, id)
			delete(meta.Allocated, id)
			if err := backend.DeleteBlock(id); err != nil {
				return nil, nil, wrapErr("recovery: remove invalid record", err)
			}
			report.DroppedBlocks = append(report.DroppedBlocks, id)
			changed = true
		}
	}

	// Integrity pass.
	targets := sortedEntryIDs(meta)
	switch opts.Mode {
	case RecoveryNone:
		targets = nil
	case RecoverySample:
		if opts.SampleSize >= 0 && opts.SampleSize < len(targets) {
			targets = targets[:opts.SampleSize]
		}
	}
	for _, id := range targets {
		entry := meta.Entries[id]
		data, err := backend.GetBlock(id)
		if err != nil {
			return nil, nil, wrapErr("recovery", err)
		}
		if data == nil {
			continue
		}
		report.TotalBlocksVerified++
		if VerifyChecksum(data, entry.Algo, entry.Checksum) == nil {
			continue
		}
		report.CorruptedBlocks = append(report.CorruptedBlocks, id)
		if opts.Policy != CorruptionRepair {
			continue
		}
		if pendingMeta != nil {
			if pe, ok := pendingMeta.Entries[id]; ok && VerifyChecksum(data, pe.Algo, pe.Checksum) == nil {
				meta.Entries[id] = pe
				report.RepairedBlocks = append(report.RepairedBlocks, id)
				changed = true
				continue
			}
		}
		delete(meta.Entries, id)
		delete(meta.Allocated, id)
		if err := backend.DeleteBlock(id); err != nil {
			return nil, nil, wrapErr("recovery: drop corrupt block", err)
		}
		report.DroppedBlocks = append(report.DroppedBlocks, id)
		changed = true
	}

	if changed {
		serialized, err := meta.Serialize()
		if err != nil {
			return nil, nil, wrapErr("recovery", err)
		}
		if err := backend.PutMetadata(serialized); err != nil {
			return nil, nil, wrapErr("recovery", err)
		}
		if err := backend.Flush(); err != nil {
			return nil, nil, wrapErr("recovery", err)
		}
	}
	return report, meta, nil
}

func effectiveBlockSize(meta *MetadataState, fallback uint32) uint32 {
	if meta.BlockSize != 0 {
		return meta.BlockSize
	}
	return fallback
}

func sortedEntryIDs(meta *MetadataState) []uint64 {
	ids := make([]uint64, 0, len(meta.Entries))
	for id := range meta.Entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

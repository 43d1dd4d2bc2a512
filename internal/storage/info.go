package storage

import "sort"

// BlockInfo is the read-only per-block view exposed for introspection.
type BlockInfo struct {
	BlockID        uint64 `json:"block_id"`
	Checksum       uint64 `json:"checksum"`
	Version        uint32 `json:"version"`
	LastModifiedMS uint64 `json:"last_modified_ms"`
	IsCached       bool   `json:"is_cached"`
	IsDirty        bool   `json:"is_dirty"`
	IsAllocated    bool   `json:"is_allocated"`
}

// BlockStorageInfo is a point-in-time snapshot of the block store.
type BlockStorageInfo struct {
	DBName               string      `json:"db_name"`
	TotalAllocatedBlocks int         `json:"total_allocated_blocks"`
	TotalCachedBlocks    int         `json:"total_cached_blocks"`
	TotalDirtyBlocks     int         `json:"total_dirty_blocks"`
	CacheCapacity        int         `json:"cache_capacity"`
	NextBlockID          uint64      `json:"next_block_id"`
	Blocks               []BlockInfo `json:"blocks"`
}

// Info returns a snapshot of allocation, cache, and dirty state for every
// allocated block, sorted by id for stable display.
func (s *BlockStorage) Info() BlockStorageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := BlockStorageInfo{
		DBName:               s.name,
		TotalAllocatedBlocks: len(s.meta.Allocated),
		TotalCachedBlocks:    len(s.cache),
		TotalDirtyBlocks:     len(s.dirty),
		CacheCapacity:        s.capacity,
		NextBlockID:          s.meta.NextID,
		Blocks:               make([]BlockInfo, 0, len(s.meta.Allocated)),
	}
	for id := range s.meta.Allocated {
		_, cached := s.cache[id]
		_, dirty := s.dirty[id]
		entry := s.meta.Entries[id]
		info.Blocks = append(info.Blocks, BlockInfo{
			BlockID:        id,
			Checksum:       entry.Checksum,
			Version:        entry.Version,
			LastModifiedMS: entry.LastModifiedMS,
			IsCached:       cached,
			IsDirty:        dirty,
			IsAllocated:    true,
		})
	}
	sort.Slice(info.Blocks, func(i, j int) bool { return info.Blocks[i].BlockID < info.Blocks[j].BlockID })
	return info
}

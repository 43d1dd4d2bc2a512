package storage

import (
	"encoding/json"
	"fmt"
	"sort"
)

// BlockMetadata is the per-block record kept alongside the block bytes.
// Created on first write, updated on every successful write, removed on
// deallocation. Version is strictly increasing across successful syncs;
// rewriting identical bytes still bumps it.
type BlockMetadata struct {
	Checksum       uint64            `json:"checksum"`
	LastModifiedMS uint64            `json:"last_modified_ms"`
	Version        uint32            `json:"version"`
	Algo           ChecksumAlgorithm `json:"algo"`
}

// MetadataState is the serialized per-database state: the metadata map, the
// allocation set, and the next-id high-water mark. The JSON field names and
// shapes are a compatibility contract; unknown fields are ignored on load.
type MetadataState struct {
	Entries   map[uint64]BlockMetadata
	Allocated map[uint64]struct{}
	NextID    uint64
	BlockSize uint32
}

// NewMetadataState returns an empty state for a database with the given block size.
func NewMetadataState(blockSize uint32) *MetadataState {
	return &MetadataState{
		Entries:   make(map[uint64]BlockMetadata),
		Allocated: make(map[uint64]struct{}),
		BlockSize: blockSize,
	}
}

// Clone returns a deep copy: the entry and allocation maps are not shared
// with the original.
func (m *MetadataState) Clone() *MetadataState {
	c := &MetadataState{
		Entries:   make(map[uint64]BlockMetadata, len(m.Entries)),
		Allocated: make(map[uint64]struct{}, len(m.Allocated)),
		NextID:    m.NextID,
		BlockSize: m.BlockSize,
	}
	for id, e := range m.Entries {
		c.Entries[id] = e
	}
	for id := range m.Allocated {
		c.Allocated[id] = struct{}{}
	}
	return c
}

// metadataEntryPair serializes as the two-element array [id, entry].
type metadataEntryPair struct {
	ID    uint64
	Entry BlockMetadata
}

func (p metadataEntryPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.ID, p.Entry})
}

func (p *metadataEntryPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return fmt.Errorf("metadata entry id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Entry); err != nil {
		return fmt.Errorf("metadata entry %d: %w", p.ID, err)
	}
	return nil
}

// metadataDoc is the on-disk JSON shape of metadata.json.
type metadataDoc struct {
	Entries   []metadataEntryPair `json:"entries"`
	Allocated []uint64            `json:"allocated"`
	NextID    uint64              `json:"next_id"`
	BlockSize uint32              `json:"block_size"`
}

// Serialize encodes the state as the metadata.json document. Ids are sorted
// so repeated serializations of the same state are byte-identical.
func (m *MetadataState) Serialize() ([]byte, error) {
	doc := metadataDoc{
		Entries:   make([]metadataEntryPair, 0, len(m.Entries)),
		Allocated: make([]uint64, 0, len(m.Allocated)),
		NextID:    m.NextID,
		BlockSize: m.BlockSize,
	}
	for id, e := range m.Entries {
		doc.Entries = append(doc.Entries, metadataEntryPair{ID: id, Entry: e})
	}
	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].ID < doc.Entries[j].ID })
	for id := range m.Allocated {
		doc.Allocated = append(doc.Allocated, id)
	}
	sort.Slice(doc.Allocated, func(i, j int) bool { return doc.Allocated[i] < doc.Allocated[j] })
	return json.Marshal(doc)
}

// ParseMetadata decodes a metadata.json document. Entries with an
// unrecognized checksum algorithm fall back to FastHash rather than failing
// the whole load; unknown top-level fields are ignored.
func ParseMetadata(data []byte) (*MetadataState, error) {
	var doc metadataDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse metadata: %w: %v", ErrCorrupted, err)
	}
	m := NewMetadataState(doc.BlockSize)
	m.NextID = doc.NextID
	for _, p := range doc.Entries {
		e := p.Entry
		if !e.Algo.Valid() {
			e.Algo = AlgoFastHash
		}
		m.Entries[p.ID] = e
	}
	for _, id := range doc.Allocated {
		m.Allocated[id] = struct{}{}
	}
	return m, nil
}

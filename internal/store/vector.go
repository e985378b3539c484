package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// VectorIndex is an in-memory HNSW graph over chunk embeddings with gob
// persistence. Chunk IDs are strings; the graph keys are uint64, so the
// index keeps a bidirectional mapping. Updates use lazy deletion: the old
// graph node is orphaned rather than removed, which sidesteps graph
// breakage when the last node is deleted.
type VectorIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dim   int

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

type vectorMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Dim     int
}

// VectorHit is a single nearest-neighbor result. Similarity is cosine
// similarity in [-1, 1].
type VectorHit struct {
	ID         string
	Similarity float64
}

// NewVectorIndex creates an empty cosine-distance index for vectors of the
// given dimension.
func NewVectorIndex(dim int) *VectorIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25

	return &VectorIndex{
		graph:  g,
		dim:    dim,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Add inserts vectors keyed by chunk ID. Re-adding an existing ID replaces
// it.
func (v *VectorIndex) Add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, vec := range vectors {
		if len(vec) != v.dim {
			return ErrDimensionMismatch{Expected: v.dim, Got: len(vec)}
		}
	}

	for i, id := range ids {
		if oldKey, ok := v.idMap[id]; ok {
			delete(v.keyMap, oldKey)
			delete(v.idMap, id)
		}

		key := v.nextKey
		v.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalize(vec)

		v.graph.Add(hnsw.MakeNode(key, vec))
		v.idMap[id] = key
		v.keyMap[key] = id
	}
	return nil
}

// Search returns up to k live neighbors of the query vector, best first.
func (v *VectorIndex) Search(query []float32, k int) ([]VectorHit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if len(query) != v.dim {
		return nil, ErrDimensionMismatch{Expected: v.dim, Got: len(query)}
	}
	if v.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalize(q)

	// Orphaned nodes still surface from the graph; over-fetch so k live
	// hits usually survive the filter.
	nodes := v.graph.Search(q, k+v.orphanCount())

	hits := make([]VectorHit, 0, k)
	for _, node := range nodes {
		id, ok := v.keyMap[node.Key]
		if !ok {
			continue
		}
		dist := v.graph.Distance(q, node.Value)
		hits = append(hits, VectorHit{ID: id, Similarity: 1 - float64(dist)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// orphanCount is the number of lazy-deleted graph nodes. Called under the
// read lock.
func (v *VectorIndex) orphanCount() int {
	orphans := v.graph.Len() - len(v.idMap)
	if orphans < 0 {
		orphans = 0
	}
	return orphans
}

// Delete removes IDs from the live set. Graph nodes are orphaned in place.
func (v *VectorIndex) Delete(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	for _, id := range ids {
		if key, ok := v.idMap[id]; ok {
			delete(v.keyMap, key)
			delete(v.idMap, id)
		}
	}
}

// Count returns the number of live vectors.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

// Save writes the graph and ID mappings to path and path+".meta". Both
// writes go through a temp file and rename.
func (v *VectorIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create vector index directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create vector index file: %w", err)
	}
	if err := v.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export vector graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close vector index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename vector index file: %w", err)
	}

	return v.saveMetadata(path + ".meta")
}

func (v *VectorIndex) saveMetadata(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create vector metadata file: %w", err)
	}
	meta := vectorMetadata{IDMap: v.idMap, NextKey: v.nextKey, Dim: v.dim}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode vector metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close vector metadata file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a previously saved index. Missing files are not an error;
// the index simply starts empty.
func (v *VectorIndex) Load(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open vector metadata: %w", err)
	}
	defer metaFile.Close()

	var meta vectorMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode vector metadata: %w", err)
	}
	if meta.Dim != 0 && meta.Dim != v.dim {
		return ErrDimensionMismatch{Expected: v.dim, Got: meta.Dim}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	defer f.Close()

	// graph.Import needs an io.ByteReader.
	if err := v.graph.Import(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("import vector graph: %w", err)
	}

	v.idMap = meta.IDMap
	v.nextKey = meta.NextKey
	v.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		v.keyMap[key] = id
	}
	return nil
}

// Close marks the index unusable and releases the graph.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.graph = nil
	return nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

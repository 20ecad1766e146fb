package sqlite

import (
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	surface "github.com/kshard/vector"

	"github.com/quarryhq/quarry/internal/store"
)

// HNSWParams tunes the approximate-nearest-neighbor graph.
type HNSWParams struct {
	M              int
	EfConstruction int
	EfSearch       int
}

func (p HNSWParams) withDefaults() HNSWParams {
	if p.M <= 0 {
		p.M = 16
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 200
	}
	if p.EfSearch <= 0 {
		p.EfSearch = 100
	}
	return p
}

// annIndex is an in-memory HNSW graph over chunk embeddings. Chunk IDs map to
// compact uint32 graph keys. The graph cannot delete nodes, so removed chunks
// are tombstoned and filtered at query time; tombstones disappear on the next
// rebuild from the chunks table.
type annIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.HNSW[vector.VF32]
	params  HNSWParams
	dim     int
	keyToID map[uint32]int64
	idToKey map[int64]uint32
	dead    map[int64]struct{}
	nextKey uint32
}

func newANNIndex(dim int, params HNSWParams) *annIndex {
	p := params.withDefaults()
	return &annIndex{
		graph: hnsw.New(
			vector.SurfaceVF32(surface.Cosine()),
			hnsw.WithM(p.M),
			hnsw.WithEfConstruction(p.EfConstruction),
		),
		params:  p,
		dim:     dim,
		keyToID: make(map[uint32]int64),
		idToKey: make(map[int64]uint32),
		dead:    make(map[int64]struct{}),
		nextKey: 1,
	}
}

func (a *annIndex) insert(id int64, vec []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insertLocked(id, vec)
}

func (a *annIndex) insertLocked(id int64, vec []float32) {
	delete(a.dead, id)
	key, ok := a.idToKey[id]
	if !ok {
		key = a.nextKey
		a.nextKey++
		a.idToKey[id] = key
		a.keyToID[key] = id
	}
	a.graph.Insert(vector.VF32{Key: key, Vec: vec})
}

// remove tombstones a chunk ID so search skips it.
func (a *annIndex) remove(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.idToKey[id]; ok {
		a.dead[id] = struct{}{}
	}
}

// search returns up to k live chunk IDs nearest to q, best first.
func (a *annIndex) search(q []float32, k int) []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.idToKey) == 0 || len(a.idToKey) <= len(a.dead) {
		return nil
	}

	// Over-fetch to compensate for tombstoned and duplicate graph nodes.
	fetch := k + len(a.dead) + k/2
	neighbors := a.graph.Search(vector.VF32{Key: 0, Vec: q}, fetch, a.params.EfSearch)

	seen := make(map[int64]struct{}, k)
	out := make([]int64, 0, k)
	for _, n := range neighbors {
		id, ok := a.keyToID[n.Key]
		if !ok {
			continue
		}
		if _, gone := a.dead[id]; gone {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) >= k {
			break
		}
	}
	return out
}

// rebuildFromDB repopulates the graph from stored embeddings. Rows with a
// stale dimension are skipped rather than failing the whole rebuild.
func (a *annIndex) rebuildFromDB(ctx context.Context, db *sql.DB) (int, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL")
	if err != nil {
		return 0, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec := store.DecodeVector(blob)
		if len(vec) != a.dim {
			continue
		}
		a.insertLocked(id, vec)
		n++
	}
	return n, rows.Err()
}

// annSnapshot is the gob payload of the sidecar index file. It stores the raw
// vectors rather than the graph itself; loading re-inserts them, which keeps
// the format stable across graph-parameter changes.
type annSnapshot struct {
	Dim  int
	IDs  []int64
	Vecs [][]float32
}

// loadSidecar warm-starts the graph from a sidecar file written by a previous
// run. Returns the number of vectors loaded.
func (a *annIndex) loadSidecar(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var snap annSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return 0, fmt.Errorf("failed to decode index sidecar: %w", err)
	}
	if snap.Dim != a.dim {
		return 0, fmt.Errorf("index sidecar dimension %d does not match database dimension %d", snap.Dim, a.dim)
	}
	if len(snap.IDs) != len(snap.Vecs) {
		return 0, fmt.Errorf("index sidecar is inconsistent: %d ids, %d vectors", len(snap.IDs), len(snap.Vecs))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, id := range snap.IDs {
		if len(snap.Vecs[i]) != a.dim {
			continue
		}
		a.insertLocked(id, snap.Vecs[i])
	}
	return len(snap.IDs), nil
}

// saveSidecar snapshots all stored embeddings to the sidecar file. The write
// goes through a temp file and rename so a crash never leaves a torn sidecar.
func saveSidecar(ctx context.Context, db *sql.DB, path string, dim int) error {
	rows, err := db.QueryContext(ctx, "SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL")
	if err != nil {
		return fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := annSnapshot{Dim: dim}
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec := store.DecodeVector(blob)
		if len(vec) != dim {
			continue
		}
		snap.IDs = append(snap.IDs, id)
		snap.Vecs = append(snap.Vecs, vec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to encode index sidecar: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

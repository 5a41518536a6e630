// Package flatfile implements the on-disk vector index: a flat binary
// vector file plus a JSON id map, searched by exhaustive cosine scan.
//
// vectors.idx holds an 8-byte little-endian row count and a 4-byte
// little-endian dimension, followed by row-major float32 vectors.
// vectors.map holds a JSON object mapping record ids to row slots and is
// rewritten atomically (temp file plus rename) on every map mutation.
// Removing an id only drops its map entry; the row becomes a dead slot
// that a later Add of the same id may not reuse. Compaction is not
// implemented.
package flatfile

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/daybook-io/daybook/internal/domain"
)

const (
	indexFile  = "vectors.idx"
	mapFile    = "vectors.map"
	headerSize = 12
	rowAlign   = 4 // bytes per float32
)

// Index is a cosine-similarity vector index over a single flat file.
// A RWMutex serializes writers; readers search concurrently against the
// in-memory mirror of the file.
type Index struct {
	mu    sync.RWMutex
	dir   string
	f     *os.File
	dim   int
	slots int // rows in the file, dead ones included
	slab  []float32
	norms []float64
	ids   map[string]int
}

// Open loads (creating if needed) the index files under dir.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=vector.open: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, indexFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("op=vector.open: %w", err)
	}
	x := &Index{dir: dir, f: f, ids: map[string]int{}}
	if err := x.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return x, nil
}

func (x *Index) load() error {
	info, err := x.f.Stat()
	if err != nil {
		return fmt.Errorf("op=vector.open: %w", err)
	}
	if info.Size() == 0 {
		if err := x.writeHeader(); err != nil {
			return err
		}
		return x.loadMap()
	}
	if info.Size() < headerSize {
		return fmt.Errorf("op=vector.open: %w: index header truncated", domain.ErrSchemaInvalid)
	}
	var hdr struct {
		Count uint64
		Dim   uint32
	}
	if _, err := x.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("op=vector.open: %w", err)
	}
	if err := binary.Read(x.f, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("op=vector.open: read header: %w", err)
	}
	x.slots = int(hdr.Count)
	x.dim = int(hdr.Dim)
	want := int64(headerSize) + int64(x.slots)*int64(x.dim)*rowAlign
	if info.Size() < want {
		return fmt.Errorf("op=vector.open: %w: index shorter than header claims (%d < %d)",
			domain.ErrSchemaInvalid, info.Size(), want)
	}
	x.slab = make([]float32, x.slots*x.dim)
	if len(x.slab) > 0 {
		if err := binary.Read(x.f, binary.LittleEndian, x.slab); err != nil {
			return fmt.Errorf("op=vector.open: read vectors: %w", err)
		}
	}
	x.norms = make([]float64, x.slots)
	for slot := 0; slot < x.slots; slot++ {
		x.norms[slot] = norm(x.row(slot))
	}
	return x.loadMap()
}

func (x *Index) loadMap() error {
	buf, err := os.ReadFile(filepath.Join(x.dir, mapFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=vector.open: %w", err)
	}
	if err := json.Unmarshal(buf, &x.ids); err != nil {
		return fmt.Errorf("op=vector.open: %w: id map: %v", domain.ErrSchemaInvalid, err)
	}
	for id, slot := range x.ids {
		if slot < 0 || slot >= x.slots {
			return fmt.Errorf("op=vector.open: %w: id %s maps to slot %d of %d",
				domain.ErrSchemaInvalid, id, slot, x.slots)
		}
	}
	return nil
}

// Add stores the vector under id. Adding an existing id overwrites its
// slot in place. The first Add fixes the index dimension.
func (x *Index) Add(ctx domain.Context, id string, vec []float32) error {
	if id == "" {
		return fmt.Errorf("op=vector.add: %w: id is required", domain.ErrInvalidArgument)
	}
	if len(vec) == 0 {
		return fmt.Errorf("op=vector.add: %w: empty vector", domain.ErrInvalidArgument)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dim == 0 {
		x.dim = len(vec)
		if err := x.writeHeader(); err != nil {
			return err
		}
	}
	if len(vec) != x.dim {
		return fmt.Errorf("op=vector.add: %w: dimension mismatch: index %d, vector %d",
			domain.ErrSchemaInvalid, x.dim, len(vec))
	}

	slot, exists := x.ids[id]
	if !exists {
		slot = x.slots
		x.slots++
		x.slab = append(x.slab, make([]float32, x.dim)...)
		x.norms = append(x.norms, 0)
		if err := x.writeHeader(); err != nil {
			return err
		}
	}
	if err := x.writeRow(slot, vec); err != nil {
		return err
	}
	copy(x.row(slot), vec)
	x.norms[slot] = norm(vec)
	if !exists {
		x.ids[id] = slot
		if err := x.persistMap(); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops the id from the map. The slot stays behind as dead data.
// Removing an absent id is a no-op.
func (x *Index) Remove(ctx domain.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.ids[id]; !ok {
		return nil
	}
	delete(x.ids, id)
	return x.persistMap()
}

// RemoveNamespace drops every id with the namespace prefix and returns
// how many were removed.
func (x *Index) RemoveNamespace(ctx domain.Context, namespace string) (int, error) {
	prefix := namespace + ":"

	x.mu.Lock()
	defer x.mu.Unlock()

	removed := 0
	for id := range x.ids {
		if strings.HasPrefix(id, prefix) {
			delete(x.ids, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := x.persistMap(); err != nil {
		return 0, err
	}
	return removed, nil
}

// Search returns the k nearest ids by cosine similarity, highest score
// first, ties broken by id. Searching an empty index returns no hits.
func (x *Index) Search(ctx domain.Context, query []float32, k int) ([]domain.VectorHit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("op=vector.search: %w: k must be positive", domain.ErrInvalidArgument)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.ids) == 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("op=vector.search: %w: dimension mismatch: index %d, query %d",
			domain.ErrSchemaInvalid, x.dim, len(query))
	}
	qnorm := norm(query)

	hits := make([]domain.VectorHit, 0, len(x.ids))
	for id, slot := range x.ids {
		row := x.row(slot)
		var dot float64
		for i, v := range row {
			dot += float64(v) * float64(query[i])
		}
		score := 0.0
		if denom := x.norms[slot] * qnorm; denom > 0 {
			score = dot / denom
		}
		hits = append(hits, domain.VectorHit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Contains reports whether id is live in the index.
func (x *Index) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.ids[id]
	return ok
}

// Len returns the number of live vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Stats reports live count, dimension and on-disk sizes.
func (x *Index) Stats() domain.VectorStats {
	x.mu.RLock()
	defer x.mu.RUnlock()

	stats := domain.VectorStats{Count: len(x.ids), Dimension: x.dim}
	if info, err := os.Stat(filepath.Join(x.dir, indexFile)); err == nil {
		stats.IndexBytes = info.Size()
	}
	if info, err := os.Stat(filepath.Join(x.dir, mapFile)); err == nil {
		stats.MapBytes = info.Size()
	}
	return stats
}

// Flush syncs the vector file to disk. Adds write through to the file
// but only Flush and Close guarantee durability.
func (x *Index) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.f.Sync(); err != nil {
		return fmt.Errorf("op=vector.flush: %w", err)
	}
	return nil
}

// Close flushes and releases the vector file.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.f.Sync(); err != nil {
		_ = x.f.Close()
		return fmt.Errorf("op=vector.close: %w", err)
	}
	if err := x.f.Close(); err != nil {
		return fmt.Errorf("op=vector.close: %w", err)
	}
	return nil
}

func (x *Index) row(slot int) []float32 {
	return x.slab[slot*x.dim : (slot+1)*x.dim]
}

func (x *Index) writeHeader() error {
	var b [headerSize]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(x.slots))
	binary.LittleEndian.PutUint32(b[8:12], uint32(x.dim))
	if _, err := x.f.WriteAt(b[:], 0); err != nil {
		return fmt.Errorf("op=vector.write_header: %w", err)
	}
	return nil
}

func (x *Index) writeRow(slot int, vec []float32) error {
	buf := bytes.NewBuffer(make([]byte, 0, len(vec)*rowAlign))
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return fmt.Errorf("op=vector.write_row: %w", err)
	}
	off := int64(headerSize) + int64(slot)*int64(x.dim)*rowAlign
	if _, err := x.f.WriteAt(buf.Bytes(), off); err != nil {
		return fmt.Errorf("op=vector.write_row: %w", err)
	}
	return nil
}

func (x *Index) persistMap() error {
	buf, err := json.Marshal(x.ids)
	if err != nil {
		return fmt.Errorf("op=vector.persist_map: %w", err)
	}
	path := filepath.Join(x.dir, mapFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("op=vector.persist_map: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("op=vector.persist_map: %w", err)
	}
	return nil
}

func norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

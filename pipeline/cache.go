package pipeline

import (
	"encoding/binary"
	"io"
	"math"
	"sync"

	"blainsmith.com/go/seahash"
	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/scrna/expr"
	"github.com/minio/highwayhash"
)

// Stage artifacts are memoized under uint64 keys chained from a content
// fingerprint of the input matrix: each stage hashes its parameter tuple
// seeded by its upstream stage's key, so changing a parameter invalidates
// that stage and everything downstream while leaving upstream artifacts
// reusable.

var fingerprintKey [highwayhash.Size]byte

// fingerprint hashes the full content of m: dimensions, identifiers, and
// every stored entry.
func fingerprint(m *expr.Matrix) uint64 {
	// The key length is fixed, so New64 cannot fail.
	h, _ := highwayhash.New64(fingerprintKey[:])
	var buf [12]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:8], v)
		h.Write(buf[:8])
	}
	writeU64(uint64(m.NumCells()))
	writeU64(uint64(m.NumGenes()))
	for _, id := range m.Cells() {
		writeU64(uint64(len(id)))
		io.WriteString(h, id)
	}
	for _, id := range m.Genes() {
		writeU64(uint64(len(id)))
		io.WriteString(h, id)
	}
	for r := 0; r < m.NumCells(); r++ {
		genes, vals := m.Row(r)
		writeU64(uint64(len(vals)))
		for i, g := range genes {
			binary.LittleEndian.PutUint32(buf[:4], uint32(g))
			binary.LittleEndian.PutUint64(buf[4:12], math.Float64bits(vals[i]))
			h.Write(buf[:12])
		}
	}
	return h.Sum64()
}

// stageKey chains a stage's parameter tuple onto its upstream key. Integer
// and boolean parameters are widened to float64, which is exact for every
// value they take here.
func stageKey(upstream uint64, stage string, params ...float64) uint64 {
	buf := make([]byte, 0, len(stage)+8*len(params))
	buf = append(buf, stage...)
	var tmp [8]byte
	for _, p := range params {
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(p))
		buf = append(buf, tmp[:]...)
	}
	return farm.Hash64WithSeed(buf, upstream)
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

const numCacheShards = 64

type cacheShard struct {
	mu      sync.Mutex
	entries map[uint64]interface{}
}

// stageCache is a sharded, thread-safe map from stage key to artifact.
type stageCache struct {
	shards [numCacheShards]cacheShard
}

func newStageCache() *stageCache {
	c := &stageCache{}
	for i := range c.shards {
		c.shards[i].entries = make(map[uint64]interface{})
	}
	return c
}

func (c *stageCache) shard(key uint64) *cacheShard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return &c.shards[int(seahash.Sum64(b[:])%numCacheShards)]
}

func (c *stageCache) get(key uint64) (interface{}, bool) {
	s := c.shard(key)
	s.mu.Lock()
	v, ok := s.entries[key]
	s.mu.Unlock()
	return v, ok
}

func (c *stageCache) put(key uint64, v interface{}) {
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = v
	s.mu.Unlock()
}

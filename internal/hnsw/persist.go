package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/futlize/vectordb/internal/distance"
)

// GraphFileName is the snapshot file Save writes inside an index directory.
const GraphFileName = "hnsw.graph"

const graphVersion uint16 = 1

var graphMagic = [8]byte{'V', 'D', 'B', 'H', 'N', 'S', 'W', '1'}

// Bounds a decoded graph must respect. randomLevel with M >= 2 stays far
// below maxGraphLayer.
const (
	maxGraphLayer  = 64
	maxGraphDegree = 1 << 16

	graphHeaderSize  = 8 + 2 + 4*4 + 8 + 4 + 8
	minGraphNodeSize = 8 + 4 + 4 + 4
)

// graphWriter accumulates the first write error so the encoding reads linearly.
type graphWriter struct {
	w   *bufio.Writer
	err error
}

func (gw *graphWriter) put(v any) {
	if gw.err != nil {
		return
	}
	gw.err = binary.Write(gw.w, binary.LittleEndian, v)
}

// Save snapshots the graph to dir/hnsw.graph via a temp file and rename.
func (idx *Index) Save(dir string) error {
	idx.mu.RLock()
	cfg := idx.config
	entryPointID := idx.entryPointID
	maxLayer := idx.maxLayer
	nodes := make([]node, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		cp := node{id: n.id, layer: n.layer, neighbours: make([][]uint64, len(n.neighbours))}
		for level, nbrs := range n.neighbours {
			cp.neighbours[level] = slices.Clone(nbrs)
		}
		nodes = append(nodes, cp)
	}
	idx.mu.RUnlock()

	slices.SortFunc(nodes, func(a, b node) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})

	graphPath := filepath.Join(dir, GraphFileName)
	tmpPath := graphPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create hnsw tmp: %w", err)
	}
	defer os.Remove(tmpPath)
	defer f.Close()

	gw := &graphWriter{w: bufio.NewWriter(f)}
	gw.put(graphMagic)
	gw.put(graphVersion)
	gw.put([4]int32{int32(cfg.M), int32(cfg.MMax0), int32(cfg.EfConstruction), int32(cfg.EfSearch)})
	gw.put(entryPointID)
	gw.put(int32(maxLayer))
	gw.put(uint64(len(nodes)))
	for _, n := range nodes {
		gw.put(n.id)
		gw.put(int32(n.layer))
		gw.put(uint32(len(n.neighbours)))
		for _, nbrs := range n.neighbours {
			gw.put(uint32(len(nbrs)))
			gw.put(nbrs)
		}
	}
	if gw.err != nil {
		return fmt.Errorf("write hnsw graph: %w", gw.err)
	}
	if err := gw.w.Flush(); err != nil {
		return fmt.Errorf("flush hnsw graph: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync hnsw file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close hnsw file: %w", err)
	}
	if err := os.Rename(tmpPath, graphPath); err != nil {
		return fmt.Errorf("commit hnsw file: %w", err)
	}
	return nil
}

type graphReader struct {
	r   *bufio.Reader
	err error
}

func (gr *graphReader) get(v any) {
	if gr.err != nil {
		return
	}
	gr.err = binary.Read(gr.r, binary.LittleEndian, v)
}

// Load restores a graph written by Save. Vectors are still resolved lazily
// through getVector.
func Load(dir string, sim distance.Similarity, getVector VectorGetter) (*Index, error) {
	f, err := os.Open(filepath.Join(dir, GraphFileName))
	if err != nil {
		return nil, fmt.Errorf("read hnsw: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat hnsw: %w", err)
	}

	gr := &graphReader{r: bufio.NewReader(f)}
	var magic [8]byte
	var version uint16
	gr.get(&magic)
	gr.get(&version)
	if gr.err != nil {
		return nil, fmt.Errorf("read hnsw header: %w", gr.err)
	}
	if magic != graphMagic {
		return nil, fmt.Errorf("invalid hnsw format")
	}
	if version != graphVersion {
		return nil, fmt.Errorf("unsupported hnsw version %d", version)
	}

	var params [4]int32
	var entryPointID, nodeCount uint64
	var maxLayer int32
	gr.get(&params)
	gr.get(&entryPointID)
	gr.get(&maxLayer)
	gr.get(&nodeCount)
	if gr.err != nil {
		return nil, fmt.Errorf("read hnsw params: %w", gr.err)
	}

	for i, name := range []string{"m", "mmax0", "ef_construction", "ef_search"} {
		if params[i] < 1 || params[i] > maxGraphDegree || (i == 0 && params[i] < 2) {
			return nil, fmt.Errorf("hnsw %s out of range: %d", name, params[i])
		}
	}
	if maxLayer < -1 || maxLayer > maxGraphLayer {
		return nil, fmt.Errorf("hnsw max layer out of range: %d", maxLayer)
	}
	if room := uint64(max(info.Size()-graphHeaderSize, 0)) / minGraphNodeSize; nodeCount > room {
		return nil, fmt.Errorf("hnsw node count %d exceeds file size %d", nodeCount, info.Size())
	}
	if (nodeCount == 0) != (maxLayer == -1) {
		return nil, fmt.Errorf("hnsw max layer %d inconsistent with %d nodes", maxLayer, nodeCount)
	}

	idx := New(Config{
		M:              int(params[0]),
		MMax0:          int(params[1]),
		EfConstruction: int(params[2]),
		EfSearch:       int(params[3]),
	}, sim, getVector)
	idx.entryPointID = entryPointID
	idx.maxLayer = int(maxLayer)

	for i := uint64(0); i < nodeCount; i++ {
		var id uint64
		var layer int32
		var levelCount uint32
		gr.get(&id)
		gr.get(&layer)
		gr.get(&levelCount)
		if gr.err != nil {
			return nil, fmt.Errorf("read hnsw node %d: %w", i, gr.err)
		}
		if layer < 0 || layer > maxLayer {
			return nil, fmt.Errorf("hnsw node %d: layer %d out of range", id, layer)
		}
		if int64(levelCount) != int64(layer)+1 {
			return nil, fmt.Errorf("hnsw node %d: level count %d does not match layer %d", id, levelCount, layer)
		}
		if _, dup := idx.nodes[id]; dup {
			return nil, fmt.Errorf("hnsw node %d: duplicate", id)
		}

		n := &node{id: id, layer: int(layer), neighbours: make([][]uint64, levelCount)}
		for level := range n.neighbours {
			var degree uint32
			gr.get(&degree)
			if gr.err != nil {
				return nil, fmt.Errorf("read hnsw node %d degree: %w", id, gr.err)
			}
			if limit := idx.maxConnections(level); int64(degree) > int64(limit) {
				return nil, fmt.Errorf("hnsw node %d: degree %d exceeds %d at layer %d", id, degree, limit, level)
			}
			n.neighbours[level] = make([]uint64, degree)
			gr.get(n.neighbours[level])
		}
		if gr.err != nil {
			return nil, fmt.Errorf("read hnsw node %d neighbours: %w", id, gr.err)
		}
		idx.nodes[id] = n
	}

	if _, err := gr.r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("trailing bytes after hnsw graph")
	}
	if ep, ok := idx.nodes[entryPointID]; nodeCount > 0 && (!ok || ep.layer != idx.maxLayer) {
		return nil, fmt.Errorf("hnsw entry point %d is not a top-layer node", entryPointID)
	}
	return idx, nil
}

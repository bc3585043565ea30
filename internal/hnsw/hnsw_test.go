package hnsw

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/futlize/vectordb/internal/distance"
)

func vectorSource(vectors map[uint64][]float32) VectorGetter {
	return func(id uint64) ([]float32, bool) {
		v, ok := vectors[id]
		return v, ok
	}
}

func mustPrepare(t *testing.T, sim distance.Similarity, query []float32) distance.QueryFunc {
	t.Helper()
	q, err := sim.Prepare(query)
	if err != nil {
		t.Fatalf("prepare query: %v", err)
	}
	return q
}

func TestIndexInsertAndSearch(t *testing.T) {
	vectors := map[uint64][]float32{
		0: {0, 0},
		1: {1, 1},
		2: {10, 10},
		3: {-5, -5},
	}

	cfg := DefaultConfig()
	cfg.EfConstruction = 64
	cfg.EfSearch = 32

	idx := New(cfg, distance.Euclidean, vectorSource(vectors))
	for _, id := range []uint64{0, 1, 2, 3} {
		if err := idx.Insert(id); err != nil {
			t.Fatalf("insert id %d: %v", id, err)
		}
	}

	results := idx.Search(mustPrepare(t, distance.Euclidean, []float32{0.9, 1.1}), 2, 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != 1 || results[1].ID != 0 {
		t.Fatalf("unexpected order: %+v", results)
	}
}

func TestIndexSearchTieBreaksByID(t *testing.T) {
	vectors := map[uint64][]float32{
		7: {1, 0},
		3: {-1, 0},
		5: {0, 1},
	}
	idx := New(DefaultConfig(), distance.Euclidean, vectorSource(vectors))
	for _, id := range []uint64{7, 3, 5} {
		if err := idx.Insert(id); err != nil {
			t.Fatalf("insert id %d: %v", id, err)
		}
	}

	results := idx.Search(mustPrepare(t, distance.Euclidean, []float32{0, 0}), 3, 0)
	want := []uint64{3, 5, 7}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %+v", len(want), results)
	}
	for i, id := range want {
		if results[i].ID != id {
			t.Fatalf("result[%d]: got id %d want %d (%+v)", i, results[i].ID, id, results)
		}
	}
}

func TestIndexRejectsDegenerateCosineVector(t *testing.T) {
	vectors := map[uint64][]float32{
		1: {1, 0},
		2: {0, 0},
	}
	idx := New(DefaultConfig(), distance.Cosine, vectorSource(vectors))
	if err := idx.Insert(1); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := idx.Insert(2); err == nil {
		t.Fatalf("expected zero vector to be rejected under cosine")
	}
	if idx.Len() != 1 || idx.Contains(2) {
		t.Fatalf("degenerate vector leaked into graph")
	}
}

func TestIndexSaveLoad(t *testing.T) {
	vectors := map[uint64][]float32{
		0: {0, 0},
		1: {2, 2},
		2: {4, 4},
	}

	idx := New(DefaultConfig(), distance.Euclidean, vectorSource(vectors))
	for _, id := range []uint64{0, 1, 2} {
		if err := idx.Insert(id); err != nil {
			t.Fatalf("insert id %d: %v", id, err)
		}
	}

	dir := t.TempDir()
	if err := idx.Save(dir); err != nil {
		t.Fatalf("save index: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, GraphFileName+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	loaded, err := Load(dir, distance.Euclidean, vectorSource(vectors))
	if err != nil {
		t.Fatalf("load index: %v", err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("loaded node count: got=%d want=3", loaded.Len())
	}
	if loaded.Config() != idx.Config() {
		t.Fatalf("config mismatch: got=%+v want=%+v", loaded.Config(), idx.Config())
	}

	results := loaded.Search(mustPrepare(t, distance.Euclidean, []float32{2.1, 1.9}), 1, 0)
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("unexpected loaded search result: %+v", results)
	}
}

func TestLoadRejectsCorruptGraph(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, GraphFileName), []byte("not a graph at all"), 0o644); err != nil {
		t.Fatalf("write corrupt graph: %v", err)
	}
	if _, err := Load(dir, distance.Euclidean, vectorSource(nil)); err == nil {
		t.Fatalf("expected corrupt graph to fail loading")
	}
}

func TestLoadRejectsOutOfRangeFields(t *testing.T) {
	vectors := map[uint64][]float32{0: {0, 0}, 1: {1, 0}, 2: {0, 1}}
	idx := New(DefaultConfig(), distance.Euclidean, vectorSource(vectors))
	for id := range uint64(3) {
		if err := idx.Insert(id); err != nil {
			t.Fatalf("insert id %d: %v", id, err)
		}
	}
	src := t.TempDir()
	if err := idx.Save(src); err != nil {
		t.Fatalf("save index: %v", err)
	}
	saved, err := os.ReadFile(filepath.Join(src, GraphFileName))
	if err != nil {
		t.Fatalf("read saved graph: %v", err)
	}

	const (
		nodeCountOffset = 8 + 2 + 16 + 8 + 4
		firstNodeOffset = graphHeaderSize
	)
	cases := []struct {
		name   string
		offset int
		value  []byte
	}{
		{"huge node count", nodeCountOffset, binary.LittleEndian.AppendUint64(nil, 1<<40)},
		{"negative layer", firstNodeOffset + 8, binary.LittleEndian.AppendUint32(nil, 0xFFFFFFFB)},
		{"huge level count", firstNodeOffset + 12, binary.LittleEndian.AppendUint32(nil, 0x7FFFFFFF)},
		{"huge degree", firstNodeOffset + 16, binary.LittleEndian.AppendUint32(nil, 0x7FFFFFFF)},
		{"zero m", 8 + 2, binary.LittleEndian.AppendUint32(nil, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := append([]byte(nil), saved...)
			copy(data[tc.offset:], tc.value)
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, GraphFileName), data, 0o644); err != nil {
				t.Fatalf("write patched graph: %v", err)
			}
			if _, err := Load(dir, distance.Euclidean, vectorSource(vectors)); err == nil {
				t.Fatalf("expected patched graph to fail loading")
			}
		})
	}
}

func TestTuneKeepsShape(t *testing.T) {
	idx := New(DefaultConfig(), distance.Euclidean, vectorSource(nil))
	idx.Tune(0, 128)
	got := idx.Config()
	if got.EfSearch != 128 || got.EfConstruction != DefaultConfig().EfConstruction || got.M != DefaultConfig().M {
		t.Fatalf("unexpected config after tune: %+v", got)
	}
}

func TestSearchRecallOnGrid(t *testing.T) {
	vectors := make(map[uint64][]float32)
	var id uint64
	for x := 0; x < 12; x++ {
		for y := 0; y < 12; y++ {
			vectors[id] = []float32{float32(x), float32(y)}
			id++
		}
	}

	cfg := DefaultConfig()
	cfg.M = 8
	idx := New(cfg, distance.Euclidean, vectorSource(vectors))
	for i := uint64(0); i < id; i++ {
		if err := idx.Insert(i); err != nil {
			t.Fatalf("insert id %d: %v", i, err)
		}
	}

	query := []float32{5.2, 6.9}
	results := idx.Search(mustPrepare(t, distance.Euclidean, query), 1, 64)
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	got := vectors[results[0].ID]
	if got[0] != 5 || got[1] != 7 {
		t.Fatalf("nearest point: got=%v want=[5 7]", got)
	}
	want := float32(math.Sqrt(0.2*0.2 + 0.1*0.1))
	if math.Abs(float64(results[0].Distance-want)) > 1e-5 {
		t.Fatalf("distance: got=%f want=%f", results[0].Distance, want)
	}
}

package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/futlize/vectordb/internal/registry"
	"github.com/futlize/vectordb/internal/server"
	"github.com/futlize/vectordb/internal/vectorapi"
)

func TestParseEmbedding(t *testing.T) {
	cases := map[string][]float32{
		"1,2,3":        {1, 2, 3},
		"0.5 -1.25":    {0.5, -1.25},
		"[1, 0, 0]":    {1, 0, 0},
		"  4,\t5 , 6 ": {4, 5, 6},
		"1e-3,2":       {0.001, 2},
	}
	for in, want := range cases {
		got, err := parseEmbedding(in)
		if err != nil {
			t.Fatalf("parseEmbedding(%q): %v", in, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("parseEmbedding(%q) = %v, want %v", in, got, want)
		}
	}

	for _, in := range []string{"", "[]", "1,x,3"} {
		if _, err := parseEmbedding(in); err == nil {
			t.Fatalf("parseEmbedding(%q): expected error", in)
		}
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("index id", " 18446744073709551615 "); err != nil || id != 18446744073709551615 {
		t.Fatalf("parseID max: id=%d err=%v", id, err)
	}
	if _, err := parseID("index id", "-1"); err == nil || !strings.Contains(err.Error(), "index id") {
		t.Fatalf("expected index id error, got %v", err)
	}
}

func TestParseImportFile(t *testing.T) {
	want := []importEntry{
		{ID: 1, Embedding: []float32{0.1, 0.2}},
		{ID: 2, Embedding: []float32{0.3, 0.4}},
	}
	cases := []struct {
		name string
		path string
		data string
	}{
		{"yaml object", "entries.yaml", "entries:\n  - id: 1\n    embedding: [0.1, 0.2]\n  - id: 2\n    embedding: [0.3, 0.4]\n"},
		{"yaml list", "entries.yml", "- id: 1\n  embedding: [0.1, 0.2]\n- id: 2\n  embedding: [0.3, 0.4]\n"},
		{"json object", "entries.json", `{"entries":[{"id":1,"embedding":[0.1,0.2]},{"id":2,"embedding":[0.3,0.4]}]}`},
		{"json list", "entries.JSON", `[{"id":1,"embedding":[0.1,0.2]},{"id":2,"embedding":[0.3,0.4]}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseImportFile(tc.path, []byte(tc.data))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %+v, want %+v", got, want)
			}
		})
	}

	if _, err := parseImportFile("empty.yaml", []byte("entries: []\n")); err == nil {
		t.Fatalf("expected error for empty import")
	}
	if _, err := parseImportFile("bad.yaml", []byte("- id: 1\n")); err == nil {
		t.Fatalf("expected error for entry without embedding")
	}
}

func TestFormatCLIError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{status.Error(codes.NotFound, "index 4"), "not found: index 4"},
		{status.Error(codes.AlreadyExists, "entry 1 already exists"), "already exists: entry 1 already exists"},
		{status.Error(codes.InvalidArgument, "k must be <= 10"), "invalid request: k must be <= 10"},
		{status.Error(codes.DeadlineExceeded, "ctx"), "timeout: request exceeded configured --timeout"},
		{os.ErrNotExist, os.ErrNotExist.Error()},
	}
	for _, tc := range cases {
		if got := formatCLIError(tc.err); got != tc.want {
			t.Fatalf("formatCLIError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDemoPrintsClosestEntryAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "demo", "--data-dir", dir, "--seed", "7")
	if err != nil {
		t.Fatalf("demo: %v", err)
	}
	if !regexp.MustCompile(`^closest entry: id = ([1-9][0-9]?|100), distance = \d+\.\d{6}\n$`).MatchString(out) {
		t.Fatalf("unexpected demo output %q", out)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("demo left files behind: %v", entries)
	}

	again, err := runCLI(t, "demo", "--data-dir", dir, "--seed", "7")
	if err != nil {
		t.Fatalf("second demo: %v", err)
	}
	if again != out {
		t.Fatalf("same seed gave different output: %q vs %q", again, out)
	}
}

func startServer(t *testing.T) string {
	t.Helper()
	reg, err := registry.Open(registry.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	server.New(reg, server.Options{}).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.Stop()
		_ = reg.Close()
	})
	return lis.Addr().String()
}

func TestCommandsAgainstServer(t *testing.T) {
	addr := startServer(t)

	out, err := runCLI(t, "--addr", addr, "index", "create", "--name", "docs", "--dims", "2", "--similarity", "l2")
	if err != nil {
		t.Fatalf("index create: %v", err)
	}
	var created []vectorapi.Index
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode index create output %q: %v", out, err)
	}
	if len(created) != 1 || created[0].Name != "docs" || created[0].Similarity != "euclidean" {
		t.Fatalf("unexpected created index: %+v", created)
	}

	if _, err := runCLI(t, "--addr", addr, "entry", "create", "1", "7", "3,4"); err != nil {
		t.Fatalf("entry create: %v", err)
	}

	importPath := filepath.Join(t.TempDir(), "entries.yaml")
	body := "entries:\n  - id: 8\n    embedding: [1.0, 1.0]\n  - id: 9\n    embedding: [10.0, 10.0]\n"
	if err := os.WriteFile(importPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write import file: %v", err)
	}
	out, err = runCLI(t, "--addr", addr, "entry", "import", "1", "-f", importPath)
	if err != nil {
		t.Fatalf("entry import: %v", err)
	}
	if !strings.Contains(out, "imported 2 entries into index 1") {
		t.Fatalf("unexpected import output %q", out)
	}

	out, err = runCLI(t, "--addr", addr, "search", "1", "--k", "2", "-e", "0,0")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var res vectorapi.SearchResponse
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode search output %q: %v", out, err)
	}
	if len(res.Matches) != 2 || res.Matches[0].ID != 8 || res.Matches[1].ID != 7 {
		t.Fatalf("unexpected matches: %+v", res.Matches)
	}
	if res.Matches[1].Distance != 5 {
		t.Fatalf("distance to (3,4) = %v, want 5", res.Matches[1].Distance)
	}

	out, err = runCLI(t, "--addr", addr, "-o", "table", "index", "list")
	if err != nil {
		t.Fatalf("index list: %v", err)
	}
	if !strings.Contains(out, "SIMILARITY") || !strings.Contains(out, "docs") {
		t.Fatalf("unexpected table output %q", out)
	}

	_, err = runCLI(t, "--addr", addr, "entry", "create", "1", "7", "0,1")
	if status.Code(err) != codes.AlreadyExists {
		t.Fatalf("expected AlreadyExists for duplicate entry, got %v", err)
	}

	if _, err := runCLI(t, "--addr", addr, "index", "delete", "1"); err != nil {
		t.Fatalf("index delete: %v", err)
	}
	_, err = runCLI(t, "--addr", addr, "index", "get", "1")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	if _, err := runCLI(t, "-o", "xml", "index", "list"); err == nil {
		t.Fatalf("expected error for unknown output format")
	}
}

package fsearch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// buildTree lays out:
//
//	root/app.log
//	root/notes.txt
//	root/sub/inner.log
//	root/sub/deep/deeper.log
func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	deep := filepath.Join(root, "sub", "deep")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, f := range []string{
		filepath.Join(root, "app.log"),
		filepath.Join(root, "notes.txt"),
		filepath.Join(root, "sub", "inner.log"),
		filepath.Join(deep, "deeper.log"),
	} {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	return root
}

func matchPaths(res *Result) []string {
	out := make([]string, len(res.Matches))
	for i, m := range res.Matches {
		out[i] = m.Path
	}
	return out
}

func TestSearchGlobPattern(t *testing.T) {
	root := buildTree(t)

	res, err := Search(context.Background(), Options{Root: root, Pattern: "*.log"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Partial {
		t.Fatalf("unexpected partial result: %s", res.Reason)
	}

	want := []string{
		filepath.Join(root, "app.log"),
		filepath.Join(root, "sub", "deep", "deeper.log"),
		filepath.Join(root, "sub", "inner.log"),
	}
	got := matchPaths(res)
	if len(got) != len(want) {
		t.Fatalf("matches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("match %d = %q, want %q (sorted)", i, got[i], want[i])
		}
	}
	if res.Matches[0].ModifiedAt.IsZero() {
		t.Error("match has zero modification time")
	}
	if res.Matches[0].Dir {
		t.Error("file reported as directory")
	}
}

func TestSearchSubstringIsCaseInsensitive(t *testing.T) {
	root := buildTree(t)

	res, err := Search(context.Background(), Options{Root: root, Pattern: "NOTES"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Matches) != 1 || filepath.Base(res.Matches[0].Path) != "notes.txt" {
		t.Fatalf("matches = %v, want notes.txt", matchPaths(res))
	}
}

func TestSearchKindDirs(t *testing.T) {
	root := buildTree(t)

	res, err := Search(context.Background(), Options{Root: root, Pattern: "sub", Kind: KindDirs})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("matches = %v, want just the sub directory", matchPaths(res))
	}
	m := res.Matches[0]
	if !m.Dir || filepath.Base(m.Path) != "sub" {
		t.Fatalf("match = %+v, want directory sub", m)
	}
}

func TestSearchKindFilesExcludesDirs(t *testing.T) {
	root := buildTree(t)

	res, err := Search(context.Background(), Options{Root: root, Pattern: "deep", Kind: KindFiles})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Matches) != 1 || filepath.Base(res.Matches[0].Path) != "deeper.log" {
		t.Fatalf("matches = %v, want only deeper.log", matchPaths(res))
	}
}

func TestSearchMaxResultsTruncates(t *testing.T) {
	root := buildTree(t)

	res, err := Search(context.Background(), Options{Root: root, Pattern: "*.log", MaxResults: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Matches) != 2 {
		t.Fatalf("got %d matches, want exactly 2", len(res.Matches))
	}
	if !res.Partial || res.Reason != "max results reached" {
		t.Fatalf("partial = %v reason = %q, want capped result", res.Partial, res.Reason)
	}
}

func TestSearchMaxDepth(t *testing.T) {
	root := buildTree(t)

	res, err := Search(context.Background(), Options{Root: root, Pattern: "*.log", MaxDepth: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	got := matchPaths(res)
	for _, p := range got {
		if filepath.Base(p) == "deeper.log" {
			t.Fatalf("matches %v include a path beyond max depth", got)
		}
	}
	if len(got) != 2 {
		t.Fatalf("matches = %v, want app.log and inner.log", got)
	}
	if !res.Partial || res.Reason != "max depth reached" {
		t.Fatalf("partial = %v reason = %q, want depth-limited result", res.Partial, res.Reason)
	}
}

func TestSearchCancelledContext(t *testing.T) {
	root := buildTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Search(ctx, Options{Root: root, Pattern: "*.log"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !res.Partial || res.Reason != "cancelled" {
		t.Fatalf("partial = %v reason = %q, want cancelled", res.Partial, res.Reason)
	}
	if len(res.Matches) != 0 {
		t.Fatalf("matches = %v, want none after immediate cancel", matchPaths(res))
	}
}

func TestSearchValidation(t *testing.T) {
	root := buildTree(t)

	if _, err := Search(context.Background(), Options{Root: root, Pattern: "  "}); err == nil {
		t.Error("blank pattern accepted")
	}
	if _, err := Search(context.Background(), Options{Root: root, Pattern: "x", Kind: "sockets"}); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := Search(context.Background(), Options{Root: filepath.Join(root, "nope"), Pattern: "x"}); err == nil {
		t.Error("missing root accepted")
	}
	if _, err := Search(context.Background(), Options{Root: filepath.Join(root, "app.log"), Pattern: "x"}); err == nil {
		t.Error("file root accepted")
	}
}

func TestSearchCountsScannedDirs(t *testing.T) {
	root := buildTree(t)

	res, err := Search(context.Background(), Options{Root: root, Pattern: "*.log", Workers: 1, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// root, sub, sub/deep
	if res.DirsScanned != 3 {
		t.Fatalf("dirsScanned = %d, want 3", res.DirsScanned)
	}
}

package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/gather/internal/item"
	"github.com/hpungsan/gather/internal/state"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return w
}

func testItem() *item.CandidateItem {
	created := time.Date(2025, 6, 10, 8, 30, 0, 0, time.UTC)
	return &item.CandidateItem{
		SourceType: "web",
		SourceName: "blog",
		ItemID:     "https://example.com/posts/42",
		Title:      "Understanding Raft",
		Body:       "A consensus walkthrough.",
		URL:        "https://example.com/posts/42",
		CreatedAt:  &created,
		Tags:       []string{"distributed", "consensus"},
		Signals:    map[string]float64{item.SignalScore: 128},
	}
}

func TestWrite_PlacesArtifactInSourceTree(t *testing.T) {
	w := newTestWriter(t)
	res, err := w.Write(testItem())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	rel, err := filepath.Rel(w.root, res.Path)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 3 || parts[0] != "web" || parts[1] != "blog" {
		t.Errorf("artifact path %q not under web/blog/", rel)
	}

	want := regexp.MustCompile(`^2025-06-10-Understanding-Raft-[0-9a-f]{8}\.md$`)
	if !want.MatchString(parts[2]) {
		t.Errorf("filename %q does not match date-title-hash pattern", parts[2])
	}
}

func TestWrite_ResultMatchesDisk(t *testing.T) {
	w := newTestWriter(t)
	res, err := w.Write(testItem())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	content, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if int64(len(content)) != res.Bytes {
		t.Errorf("Bytes = %d, file has %d", res.Bytes, len(content))
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != res.SHA256 {
		t.Error("SHA256 does not match file content")
	}
}

func TestWrite_FrontmatterFields(t *testing.T) {
	w := newTestWriter(t)
	res, err := w.Write(testItem())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	content, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(content)

	for _, want := range []string{
		"---\n",
		`title: "Understanding Raft"`,
		`source_type: "web"`,
		`source_name: "blog"`,
		`item_id: "https://example.com/posts/42"`,
		"created: 2025-06-10T08:30:00Z",
		"saved: 2025-06-15T12:00:00Z",
		`tags: ["distributed", "consensus"]`,
		"score: 128",
		"A consensus walkthrough.\n",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("artifact missing %q\ncontent:\n%s", want, text)
		}
	}
}

func TestWrite_EscapesHostileTitle(t *testing.T) {
	w := newTestWriter(t)
	it := testItem()
	it.Title = "line1\ninjected: \"value\""

	res, err := w.Write(it)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	content, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	head, _, _ := strings.Cut(strings.TrimPrefix(string(content), "---\n"), "\n---\n")
	if strings.Contains(head, "\ninjected:") {
		t.Error("newline in title leaked a raw frontmatter line")
	}
	if !strings.Contains(head, `\n`) {
		t.Error("newline should survive as an escape sequence")
	}
}

func TestWrite_TraversalTitleStaysInRoot(t *testing.T) {
	w := newTestWriter(t)
	it := testItem()
	it.Title = "../../../../etc/passwd"

	res, err := w.Write(it)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	rel, err := filepath.Rel(w.root, res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(rel, "..") {
		t.Errorf("artifact escaped output root: %s", res.Path)
	}
}

func TestWrite_Attachments(t *testing.T) {
	w := newTestWriter(t)
	it := testItem()
	it.Attachments = []item.Attachment{
		{Name: "diagram.png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
		{Name: "../escape.bin", Data: []byte("nope")},
	}

	res, err := w.Write(it)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	dir := strings.TrimSuffix(res.Path, ".md") + ".attachments"
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("attachment directory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d attachments, want 2", len(entries))
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "..") {
			t.Errorf("attachment name %q kept traversal sequence", e.Name())
		}
	}
}

func TestWrite_NoTempFilesLeftBehind(t *testing.T) {
	w := newTestWriter(t)
	res, err := w.Write(testItem())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	err = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.Base(path), ".gather-") {
			t.Errorf("leftover temp file: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("final artifact missing: %v", err)
	}
}

func TestReconcile_RecoversOrphanedArtifact(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	if _, err := w.Write(testItem()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	store, err := state.OpenJSON(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	key := state.Key{SourceType: "web", SourceName: "blog", ItemID: "https://example.com/posts/42"}
	if processed, _ := store.IsProcessed(ctx, key); processed {
		t.Fatal("fresh ledger should not know the artifact")
	}

	n, err := w.Reconcile(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	if processed, _ := store.IsProcessed(ctx, key); !processed {
		t.Error("artifact should be in the ledger after reconcile")
	}

	// Already-ledgered artifacts are not recovered twice.
	n, err = w.Reconcile(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass recovered = %d, want 0", n)
	}
}

func TestReconcile_IgnoresForeignMarkdown(t *testing.T) {
	w := newTestWriter(t)
	ctx := context.Background()

	notes := filepath.Join(w.root, "notes.md")
	if err := os.WriteFile(notes, []byte("# scratch\nno frontmatter here\n"), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := state.OpenJSON(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	n, err := w.Reconcile(ctx, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered = %d, want 0", n)
	}
}

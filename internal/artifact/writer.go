// Package artifact renders accepted items to markdown files with YAML
// frontmatter. Writes are atomic (temp file, fsync, rename) so a crash
// never leaves a partial artifact in the output tree.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/item"
	"github.com/hpungsan/gather/internal/security"
)

// Result describes a written artifact. It doubles as the ledger metadata
// for the item's dedup record.
type Result struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Writer persists items under root/<sourceType>/<sourceName>/.
type Writer struct {
	root string
	now  func() time.Time
}

func NewWriter(root string) (*Writer, error) {
	if root == "" {
		return nil, errors.NewConfig("output directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.NewConfig(fmt.Sprintf("invalid output directory %q: %v", root, err))
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create output directory: %w", err))
	}
	return &Writer{root: abs, now: time.Now}, nil
}

// Filename returns the artifact filename an item would be written to,
// without touching the filesystem. Dry runs report this path.
func (w *Writer) Filename(it *item.CandidateItem) string {
	date := w.now().UTC()
	if it.CreatedAt != nil {
		date = it.CreatedAt.UTC()
	}
	title := security.SanitizeFilename(it.Title)
	sum := sha256.Sum256([]byte(it.KeyString()))
	return fmt.Sprintf("%s-%s-%s.md", date.Format("2006-01-02"), title, hex.EncodeToString(sum[:4]))
}

// Write renders the item and atomically places it in the output tree.
func (w *Writer) Write(it *item.CandidateItem) (*Result, error) {
	dir := filepath.Join(w.root,
		security.SanitizeFilename(it.SourceType),
		security.SanitizeFilename(it.SourceName))

	path, err := security.ValidateOutputPath(w.root, filepath.Join(dir, w.Filename(it)))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create artifact directory: %w", err))
	}

	content := w.render(it)
	if err := atomicWrite(path, content); err != nil {
		return nil, err
	}

	for _, att := range it.Attachments {
		if err := w.writeAttachment(path, att); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(content)
	return &Result{
		Path:   path,
		SHA256: hex.EncodeToString(sum[:]),
		Bytes:  int64(len(content)),
	}, nil
}

// writeAttachment places binary payloads in a sibling directory named
// after the artifact, so the markdown file and its attachments travel
// together.
func (w *Writer) writeAttachment(artifactPath string, att item.Attachment) error {
	dir := strings.TrimSuffix(artifactPath, ".md") + ".attachments"
	name := security.SanitizeFilename(att.Name)
	path, err := security.ValidateOutputPath(w.root, filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create attachment directory: %w", err))
	}
	return atomicWrite(path, att.Data)
}

func (w *Writer) render(it *item.CandidateItem) []byte {
	var b strings.Builder
	b.WriteString("---\n")
	writeField(&b, "title", it.Title)
	writeField(&b, "source_type", it.SourceType)
	writeField(&b, "source_name", it.SourceName)
	writeField(&b, "item_id", it.ItemID)
	if it.URL != "" {
		writeField(&b, "url", it.URL)
	}
	if it.CreatedAt != nil {
		fmt.Fprintf(&b, "created: %s\n", it.CreatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "saved: %s\n", w.now().UTC().Format(time.RFC3339))
	if len(it.Tags) > 0 {
		quoted := make([]string, len(it.Tags))
		for i, tag := range it.Tags {
			quoted[i] = `"` + security.EscapeHeaderValue(tag) + `"`
		}
		fmt.Fprintf(&b, "tags: [%s]\n", strings.Join(quoted, ", "))
	}
	if len(it.Signals) > 0 {
		names := make([]string, 0, len(it.Signals))
		for name := range it.Signals {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("signals:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %s: %g\n", name, it.Signals[name])
		}
	}
	b.WriteString("---\n\n")
	b.WriteString(it.Body)
	if !strings.HasSuffix(it.Body, "\n") {
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func writeField(b *strings.Builder, key, value string) {
	fmt.Fprintf(b, "%s: \"%s\"\n", key, security.EscapeHeaderValue(value))
}

// atomicWrite lands content at path via a temp file in the same
// directory, so the rename cannot cross filesystems.
func atomicWrite(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gather-*")
	if err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return errors.NewInternal(fmt.Errorf("failed to write artifact: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.NewInternal(fmt.Errorf("failed to sync artifact: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to close artifact: %w", err))
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to set artifact permissions: %w", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to finalize artifact: %w", err))
	}
	return nil
}

package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hpungsan/gather/internal/state"
)

type frontmatter struct {
	Title      string    `yaml:"title"`
	SourceType string    `yaml:"source_type"`
	SourceName string    `yaml:"source_name"`
	ItemID     string    `yaml:"item_id"`
	Saved      time.Time `yaml:"saved"`
}

// Reconcile repairs the ledger after a crash between artifact rename and
// ledger commit. It walks the output tree and inserts a record for every
// artifact the ledger does not know about. Returns the number of records
// recovered.
func (w *Writer) Reconcile(ctx context.Context, store state.Store, log zerolog.Logger) (int, error) {
	recovered := 0

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}

		fm, content, ok := parseArtifact(path)
		if !ok {
			log.Debug().Str("path", path).Msg("skipping file without artifact frontmatter")
			return nil
		}

		key := state.Key{SourceType: fm.SourceType, SourceName: fm.SourceName, ItemID: fm.ItemID}
		processed, err := store.IsProcessed(ctx, key)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}

		sum := sha256.Sum256(content)
		meta, _ := json.Marshal(Result{
			Path:   path,
			SHA256: hex.EncodeToString(sum[:]),
			Bytes:  int64(len(content)),
		})
		processedAt := fm.Saved
		if processedAt.IsZero() {
			processedAt = time.Now()
		}
		if err := store.InsertRecovered(ctx, key, processedAt, meta); err != nil {
			return err
		}

		log.Warn().
			Str("path", path).
			Str("key", key.String()).
			Msg("recovered orphaned artifact into ledger")
		recovered++
		return nil
	})

	return recovered, err
}

// parseArtifact reads an artifact and decodes its frontmatter. Files
// without the delimiters, or whose frontmatter lacks an item key, are
// not artifacts of ours.
func parseArtifact(path string) (frontmatter, []byte, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return frontmatter{}, nil, false
	}

	rest, found := bytes.CutPrefix(content, []byte("---\n"))
	if !found {
		return frontmatter{}, nil, false
	}
	head, _, found := bytes.Cut(rest, []byte("\n---\n"))
	if !found {
		return frontmatter{}, nil, false
	}

	var fm frontmatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return frontmatter{}, nil, false
	}
	if fm.SourceType == "" || fm.SourceName == "" || fm.ItemID == "" {
		return frontmatter{}, nil, false
	}
	return fm, content, true
}

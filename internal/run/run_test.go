package run

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/gather/internal/artifact"
	"github.com/hpungsan/gather/internal/config"
	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/fetch"
	"github.com/hpungsan/gather/internal/filter"
	"github.com/hpungsan/gather/internal/item"
	"github.com/hpungsan/gather/internal/source"
	"github.com/hpungsan/gather/internal/state"
)

type fakeSource struct {
	name      string
	items     []item.CandidateItem
	listErr   error
	actionErr error
	applied   []string
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Type() string { return "fake" }

func (f *fakeSource) ListCandidates(ctx context.Context, since *time.Time) ([]item.CandidateItem, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.items, nil
}

func (f *fakeSource) ApplyAction(ctx context.Context, action string, it item.CandidateItem) error {
	f.applied = append(f.applied, action+":"+it.ItemID)
	return f.actionErr
}

func fakeItem(id, title, body string) item.CandidateItem {
	created := time.Now().Add(-24 * time.Hour)
	return item.CandidateItem{
		SourceType: "fake",
		SourceName: "feed",
		ItemID:     id,
		Title:      title,
		Body:       body,
		URL:        "https://example.com/" + id,
		CreatedAt:  &created,
	}
}

type fixture struct {
	runner *Runner
	store  state.Store
	outDir string
	src    *fakeSource
}

func newFixture(t *testing.T, mutate func(*Options), items ...item.CandidateItem) *fixture {
	t.Helper()

	outDir := t.TempDir()
	store, err := state.OpenJSON(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	writer, err := artifact.NewWriter(outDir)
	require.NoError(t, err)

	src := &fakeSource{name: "feed", items: items}
	opts := Options{
		Config: &config.Config{
			OutputDir:             outDir,
			RateLimitSeconds:      1,
			RequestTimeoutSeconds: 30,
			State:                 config.State{Backend: "json"},
			Sources: []config.Source{{
				Name:    "feed",
				Type:    "fake",
				Filters: filter.Criteria{ExcludeKeywords: []string{"spam*"}},
			}},
		},
		Store:  store,
		Writer: writer,
		Log:    zerolog.Nop(),
		newSource: func(cfg config.Source, client *fetch.Client, log zerolog.Logger) (source.Source, error) {
			return src, nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &fixture{runner: New(opts), store: store, outDir: outDir, src: src}
}

func countArtifacts(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".md") {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestRun_SavesFiltersAndCounts(t *testing.T) {
	fx := newFixture(t, nil,
		fakeItem("one", "Raft Explained", "A consensus walkthrough."),
		fakeItem("two", "Weekly spam digest", "buy now"),
		fakeItem("three", "Paxos Notes", "Another consensus piece."),
	)

	summary, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Saved)
	assert.Equal(t, 1, summary.Skipped, "spam item should be filtered")
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, 2, countArtifacts(t, fx.outDir))

	processed, err := fx.store.IsProcessed(context.Background(),
		state.Key{SourceType: "fake", SourceName: "feed", ItemID: "one"})
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil, fakeItem("one", "Raft Explained", "body"))

	first, err := fx.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Saved)

	second, err := fx.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Saved)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, countArtifacts(t, fx.outDir), "rerun must not duplicate artifacts")
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.DryRun = true },
		fakeItem("one", "Raft Explained", "body"))

	summary, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Saved, "dry run reports what it would save")
	assert.Equal(t, 0, countArtifacts(t, fx.outDir))

	processed, err := fx.store.IsProcessed(context.Background(),
		state.Key{SourceType: "fake", SourceName: "feed", ItemID: "one"})
	require.NoError(t, err)
	assert.False(t, processed, "dry run must not write ledger records")
}

func TestRun_ForceReprocessesCommitted(t *testing.T) {
	fx := newFixture(t, nil, fakeItem("one", "Raft Explained", "body"))
	_, err := fx.runner.Run(context.Background())
	require.NoError(t, err)

	fx2 := &fixture{runner: New(forceOpts(fx)), store: fx.store, outDir: fx.outDir, src: fx.src}
	summary, err := fx2.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Saved, "force bypasses the dedup check")
}

// forceOpts rebuilds the first fixture's options with Force set.
func forceOpts(fx *fixture) Options {
	opts := fx.runner.opts
	opts.Force = true
	return opts
}

func TestRun_ActionsRunAfterCommit(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Config.Sources[0].Actions = []string{"mark_read"}
	}, fakeItem("one", "Raft Explained", "body"))

	summary, err := fx.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Saved)
	assert.Equal(t, []string{"mark_read:one"}, fx.src.applied)
}

func TestRun_FailedActionKeepsArtifact(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Config.Sources[0].Actions = []string{"mark_read"}
	}, fakeItem("one", "Raft Explained", "body"))
	fx.src.actionErr = errors.NewPermanent("unsupported", nil)

	summary, err := fx.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Saved, "a failed action must not undo the save")
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, countArtifacts(t, fx.outDir))
}

func TestRun_WriteFailureLeavesNoState(t *testing.T) {
	fx := newFixture(t, nil, fakeItem("one", "Raft Explained", "body"))

	// A file where the source-type directory belongs makes MkdirAll
	// fail for everyone, root included.
	require.NoError(t, os.WriteFile(filepath.Join(fx.outDir, "fake"), []byte("x"), 0644))

	summary, err := fx.runner.Run(context.Background())
	require.NoError(t, err, "per-item write failures do not abort the run")
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, summary.Saved)

	// The lease was released and no record committed, so a later run
	// can retry the item.
	ctx := context.Background()
	key := state.Key{SourceType: "fake", SourceName: "feed", ItemID: "one"}
	processed, err := fx.store.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.False(t, processed)
	lease, err := fx.store.Begin(ctx, key)
	require.NoError(t, err, "no orphaned lease may survive the failure")
	require.NoError(t, fx.store.Release(ctx, lease))
}

func TestRun_ListFailureCountsWithoutAborting(t *testing.T) {
	fx := newFixture(t, nil)
	fx.src.listErr = errors.NewTransient("upstream down", nil)

	summary, err := fx.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
}

func TestRun_CorruptLedgerIsFatal(t *testing.T) {
	dir := t.TempDir()
	ledger := filepath.Join(dir, "ledger.json")
	require.NoError(t, os.WriteFile(ledger, []byte("{nope"), 0600))
	store, err := state.OpenJSON(ledger)
	require.NoError(t, err)
	defer store.Close()

	fx := newFixture(t, func(o *Options) { o.Store = store },
		fakeItem("one", "Raft Explained", "body"))

	_, err = fx.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStateCorruption))
}

func TestRun_UnknownSourceNameIsConfigError(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.SourceName = "nope" },
		fakeItem("one", "Raft Explained", "body"))

	_, err := fx.runner.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

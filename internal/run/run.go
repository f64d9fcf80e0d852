// Package run drives a full acquisition pass: verify state, repair the
// ledger, then walk every configured source through the
// validate-dedup-filter-write-commit pipeline.
package run

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/hpungsan/gather/internal/artifact"
	"github.com/hpungsan/gather/internal/config"
	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/fetch"
	"github.com/hpungsan/gather/internal/filter"
	"github.com/hpungsan/gather/internal/item"
	"github.com/hpungsan/gather/internal/logging"
	"github.com/hpungsan/gather/internal/source"
	"github.com/hpungsan/gather/internal/state"
)

// Summary counts the outcomes of one run. Processed is every candidate
// a source listed; each lands in exactly one of Saved, Skipped, or
// Errors.
type Summary struct {
	RunID     string
	Processed int
	Saved     int
	Skipped   int
	Errors    int
	Sources   []SourceSummary
}

type SourceSummary struct {
	Source    string
	Processed int
	Saved     int
	Skipped   int
	Errors    int
}

type Options struct {
	Config *config.Config
	Store  state.Store
	Writer *artifact.Writer
	Client *fetch.Client
	Log    zerolog.Logger

	// SourceName restricts the run to one configured source.
	SourceName string
	DryRun     bool
	Force      bool

	// newSource is swapped in tests to inject fake sources.
	newSource func(cfg config.Source, client *fetch.Client, log zerolog.Logger) (source.Source, error)
}

type Runner struct {
	opts Options
	now  func() time.Time
}

func New(opts Options) *Runner {
	if opts.newSource == nil {
		opts.newSource = source.New
	}
	return &Runner{opts: opts, now: time.Now}
}

// Run executes the pass. The returned error is non-nil only for fatal
// conditions: bad config, state corruption, or context cancellation.
// Per-item failures are counted in the summary instead.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runID := ulid.MustNew(ulid.Timestamp(r.now()), rand.New(rand.NewSource(r.now().UnixNano()))).String()
	log := r.opts.Log.With().Str("run_id", runID).Logger()
	summary := &Summary{RunID: runID}

	if err := r.opts.Store.Verify(ctx); err != nil {
		return summary, err
	}

	// Repair the crash window between artifact rename and ledger
	// commit. Dry runs mutate nothing, including the ledger.
	if !r.opts.DryRun {
		recovered, err := r.opts.Writer.Reconcile(ctx, r.opts.Store, log)
		if err != nil {
			return summary, err
		}
		if recovered > 0 {
			log.Info().Int("recovered", recovered).Msg("ledger reconciled")
		}
	}

	sources := r.opts.Config.Sources
	if r.opts.SourceName != "" {
		src, ok := r.opts.Config.FindSource(r.opts.SourceName)
		if !ok {
			return summary, errors.NewConfigf("unknown source %q", r.opts.SourceName)
		}
		sources = []config.Source{src}
	}

	for _, srcCfg := range sources {
		ss, err := r.runSource(ctx, srcCfg, log)
		summary.Sources = append(summary.Sources, *ss)
		summary.Processed += ss.Processed
		summary.Saved += ss.Saved
		summary.Skipped += ss.Skipped
		summary.Errors += ss.Errors
		if err != nil {
			return summary, err
		}
	}

	log.Info().
		Int("processed", summary.Processed).
		Int("saved", summary.Saved).
		Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).
		Msg("run complete")
	return summary, nil
}

func (r *Runner) runSource(ctx context.Context, srcCfg config.Source, log zerolog.Logger) (*SourceSummary, error) {
	ss := &SourceSummary{Source: srcCfg.Name}
	slog := log.With().Str("source", srcCfg.Name).Logger()

	criteria := r.opts.Config.EffectiveFilters(srcCfg)
	engine, err := filter.Compile(criteria)
	if err != nil {
		return ss, err
	}

	src, err := r.opts.newSource(srcCfg, r.opts.Client, slog)
	if err != nil {
		return ss, err
	}

	items, err := src.ListCandidates(ctx, sinceFrom(criteria, r.now()))
	if err != nil {
		if errors.Fatal(err) {
			return ss, err
		}
		if errors.Is(err, errors.ErrSecurityViolation) {
			logging.Audit(&slog).Err(err).Msg("listing blocked by security policy")
		} else {
			slog.Error().Err(err).Msg("listing candidates failed")
		}
		ss.Errors++
		return ss, nil
	}

	for i := range items {
		// Cancellation is honored between items, never mid-item, so a
		// stopped run cannot leave a half-committed artifact.
		if err := ctx.Err(); err != nil {
			return ss, errors.NewTransient("run canceled", err)
		}

		ss.Processed++
		if err := r.processItem(ctx, src, srcCfg.Actions, engine, &items[i], ss, slog); err != nil {
			return ss, err
		}
	}

	return ss, nil
}

// processItem runs one candidate through the pipeline. A non-nil
// return aborts the whole run; per-item failures update the summary
// and return nil.
func (r *Runner) processItem(ctx context.Context, src source.Source, actions []string,
	engine *filter.Engine, it *item.CandidateItem, ss *SourceSummary, log zerolog.Logger) error {

	ilog := log.With().Str("item", it.KeyString()).Logger()
	key := state.Key{SourceType: it.SourceType, SourceName: it.SourceName, ItemID: it.ItemID}

	if !r.opts.Force {
		processed, err := r.opts.Store.IsProcessed(ctx, key)
		if err != nil {
			return err
		}
		if processed {
			ilog.Debug().Msg("already processed")
			ss.Skipped++
			return nil
		}
	}

	if decision := engine.Evaluate(*it); !decision.Keep {
		ilog.Debug().Str("reason", decision.Reason).Msg("filtered out")
		ss.Skipped++
		return nil
	}

	if r.opts.DryRun {
		ilog.Info().Str("filename", r.opts.Writer.Filename(it)).Msg("would save")
		ss.Saved++
		return nil
	}

	lease, err := r.opts.Store.Begin(ctx, key)
	if err != nil {
		if errors.Is(err, errors.ErrLeaseHeld) {
			ilog.Warn().Msg("lease held by another run")
			ss.Skipped++
			return nil
		}
		return err
	}

	res, err := r.opts.Writer.Write(it)
	if err != nil {
		if relErr := r.opts.Store.Release(ctx, lease); relErr != nil {
			ilog.Error().Err(relErr).Msg("lease release failed")
		}
		if errors.Fatal(err) {
			return err
		}
		if errors.Is(err, errors.ErrSecurityViolation) {
			logging.Audit(&ilog).Err(err).Msg("artifact write blocked by security policy")
		} else {
			ilog.Error().Err(err).Msg("artifact write failed")
		}
		ss.Errors++
		return nil
	}

	meta, _ := json.Marshal(res)
	if err := r.opts.Store.Commit(ctx, lease, meta); err != nil {
		return err
	}

	ilog.Info().Str("path", res.Path).Int64("bytes", res.Bytes).Msg("saved")
	ss.Saved++

	// Actions run only after the commit, so a failed action never
	// loses an already-durable artifact.
	for _, action := range actions {
		if err := src.ApplyAction(ctx, action, *it); err != nil {
			ilog.Error().Str("action", action).Err(err).Msg("action failed")
			ss.Errors++
		}
	}
	return nil
}

// sinceFrom turns a max-age criterion into a listing lower bound, so
// sources can avoid fetching items the filter would drop anyway.
func sinceFrom(c filter.Criteria, now time.Time) *time.Time {
	if c.MaxAgeDays == nil {
		return nil
	}
	since := now.AddDate(0, 0, -*c.MaxAgeDays)
	return &since
}

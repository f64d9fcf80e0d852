package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/gather/internal/artifact"
	"github.com/hpungsan/gather/internal/config"
	"github.com/hpungsan/gather/internal/errors"
	"github.com/hpungsan/gather/internal/fetch"
	"github.com/hpungsan/gather/internal/logging"
	"github.com/hpungsan/gather/internal/run"
	"github.com/hpungsan/gather/internal/security"
	"github.com/hpungsan/gather/internal/state"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(stdout io.Writer) *cli.App {
	// The library's default version flag is "--version, -v", which collides
	// with the "-v" alias on --verbose and panics with "flag redefined: v".
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Usage: "print the version"}
	app := &cli.App{
		Name:    "gather",
		Usage:   "Multi-source content acquisition",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "gather.yaml", Usage: "Config file path"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Debug logging"},
		},
		Commands: []*cli.Command{
			runCmd(stdout),
			evictCmd(stdout),
			reconcileCmd(stdout),
			sourcesCmd(stdout),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// env bundles everything a command needs after config load.
type env struct {
	cfg    *config.Config
	store  state.Store
	writer *artifact.Writer
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	var store state.Store
	switch cfg.State.Backend {
	case "json":
		store, err = state.OpenJSON(cfg.State.Path)
	default:
		store, err = state.OpenSQLite(cfg.State.Path)
	}
	if err != nil {
		return nil, err
	}

	writer, err := artifact.NewWriter(cfg.OutputDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &env{cfg: cfg, store: store, writer: writer}, nil
}

func runCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Acquire new items from configured sources",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Usage: "Run a single source by name"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Report what would be saved without writing"},
			&cli.BoolFlag{Name: "force", Usage: "Reprocess items already in the ledger"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.store.Close()

			log := logging.New(c.Bool("verbose"))
			client := fetch.NewClient(fetch.Options{
				Policy:     &security.URLPolicy{AllowedHosts: e.cfg.AllowedHosts},
				RateLimit:  e.cfg.RateLimit(),
				MaxRetries: e.cfg.MaxRetries,
				Timeout:    e.cfg.RequestTimeout(),
				Logger:     log,
			})

			runner := run.New(run.Options{
				Config:     e.cfg,
				Store:      e.store,
				Writer:     e.writer,
				Client:     client,
				Log:        log,
				SourceName: c.String("source"),
				DryRun:     c.Bool("dry-run"),
				Force:      c.Bool("force"),
			})

			summary, err := runner.Run(c.Context)
			if summary != nil {
				if jsonErr := outputJSON(stdout, summary); jsonErr != nil {
					return jsonErr
				}
			}
			return err
		},
	}
}

func evictCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "evict",
		Usage: "Apply the retention policy to the ledger now",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.store.Close()

			evicted, err := e.store.Evict(c.Context, state.EvictionPolicy{
				RetentionDays:       e.cfg.State.RetentionDays,
				MaxEntriesPerSource: e.cfg.State.MaxEntriesPerSource,
			})
			if err != nil {
				return err
			}
			return outputJSON(stdout, map[string]int{"evicted": evicted})
		},
	}
}

func reconcileCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Repair ledger records for artifacts written but not committed",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.store.Close()

			if err := e.store.Verify(c.Context); err != nil {
				return err
			}
			recovered, err := e.writer.Reconcile(c.Context, e.store, logging.New(c.Bool("verbose")))
			if err != nil {
				return err
			}
			return outputJSON(stdout, map[string]int{"recovered": recovered})
		},
	}
}

func sourcesCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "sources",
		Usage: "List configured sources, effective filter criteria, and ledger counts",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.store.Close()

			type sourceInfo struct {
				Name      string          `json:"name"`
				Type      string          `json:"type"`
				URLs      []string        `json:"urls,omitempty"`
				MaxItems  int             `json:"max_items,omitempty"`
				Actions   []string        `json:"actions,omitempty"`
				Filters   json.RawMessage `json:"filters"`
				Processed int             `json:"processed"`
			}

			out := make([]sourceInfo, 0, len(e.cfg.Sources))
			for _, src := range e.cfg.Sources {
				eff, err := json.Marshal(e.cfg.EffectiveFilters(src))
				if err != nil {
					return errors.NewInternal(err)
				}
				keys, err := e.store.Keys(c.Context, src.Type, src.Name)
				if err != nil {
					return err
				}
				out = append(out, sourceInfo{
					Name:      src.Name,
					Type:      src.Type,
					URLs:      src.URLs,
					MaxItems:  src.MaxItems,
					Actions:   src.Actions,
					Filters:   eff,
					Processed: len(keys),
				})
			}
			return outputJSON(stdout, out)
		},
	}
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to encode output: %w", err))
	}
	return nil
}

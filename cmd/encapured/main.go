package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/dannyavrs/encapure/internal/biencoder"
	"github.com/dannyavrs/encapure/internal/catalog"
	"github.com/dannyavrs/encapure/internal/config"
	"github.com/dannyavrs/encapure/internal/crossencoder"
	"github.com/dannyavrs/encapure/internal/httpapi"
	"github.com/dannyavrs/encapure/internal/logging"
	"github.com/dannyavrs/encapure/internal/metrics"
	"github.com/dannyavrs/encapure/internal/search"
	"github.com/dannyavrs/encapure/internal/store"
	"github.com/dannyavrs/encapure/internal/tracing"
	"github.com/dannyavrs/encapure/internal/tui"
)

const configFile = ".encapure.toml"

var defaultOrtLib string

func main() {
	root := &cobra.Command{
		Use:   "encapured",
		Short: "Semantic tool search for agentic systems",
		Long:  "encapured — low-latency bi-encoder recall plus cross-encoder rerank over a static tool catalog.",
	}

	if b, err := os.ReadFile(configFile); err == nil {
		var probe struct {
			OrtLib string `toml:"ort-lib"`
		}
		if err := toml.Unmarshal(b, &probe); err == nil {
			defaultOrtLib = probe.OrtLib
		}
	}

	var ortLib string
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", defaultOrtLib, "path to onnxruntime shared library (auto-detected if empty)")

	root.AddCommand(
		serveCmd(&ortLib),
		searchCmd(&ortLib),
		rerankCmd(&ortLib),
		tuiCmd(&ortLib),
		benchCmd(&ortLib),
		buildCacheCmd(&ortLib),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// initONNXRuntime points ONNX Runtime at the shared library once per
// process. Calling it more than once is harmless — InitializeEnvironment
// is a no-op after the first successful call.
func initONNXRuntime(ortLib string) error {
	if ortLib != "" {
		ort.SetSharedLibraryPath(ortLib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnxruntime: %w", err)
	}
	return nil
}

// engines bundles everything a search.Orchestrator needs, plus the
// handles to close on shutdown.
type engines struct {
	cat *catalog.Catalog
	bi  *biencoder.Engine
	cr  *crossencoder.Engine
	tbl *store.Table
}

func (e *engines) Close() {
	if e.bi != nil {
		e.bi.Close()
	}
	if e.cr != nil {
		e.cr.Close()
	}
}

func (e *engines) orchestrator(cfg config.Config) *search.Orchestrator {
	return &search.Orchestrator{
		Catalog:             e.cat,
		BiEncoder:           e.bi,
		CrossEncoder:        e.cr,
		Store:               e.tbl,
		RetrievalCandidates: cfg.RetrievalCandidates,
	}
}

// Ready reports ready only once both models' session pools have
// completed warmup — the same "ready" gate the teacher's openIndex
// prints progress against, split across two models here.
func (e *engines) Ready() bool {
	return e.bi != nil && e.cr != nil && e.bi.Ready() && e.cr.Ready()
}

// buildEngines loads the catalog, both models, and the embedding table
// (from cache when the fingerprint matches, rebuilt otherwise),
// printing progress the way the teacher's openIndex does since model
// loading can take several seconds on first run.
func buildEngines(cfg config.Config, ortLib string) (*engines, error) {
	if err := initONNXRuntime(ortLib); err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	sessCfg, ok, cores, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn().Int("sessions", sessCfg.Sessions).Int("permits", sessCfg.Permits).
			Int("threads", sessCfg.Threads).Int("cores", cores).
			Msg("session pool oversubscribes available cores")
	}

	fmt.Fprint(os.Stderr, "Loading bi-encoder… ")
	bi, err := biencoder.New(biencoder.Options{
		ModelPath:     filepath.Join(cfg.BiencoderModelDir, "model.onnx"),
		TokenizerPath: filepath.Join(cfg.BiencoderModelDir, "tokenizer.json"),
		MaxSeqLen:     cfg.MaxSeqLength,
		BatchSize:     cfg.BatchSize,
		SessionConfig: sessCfg,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "")
		return nil, err
	}
	fmt.Fprintln(os.Stderr, "ready.")

	fmt.Fprint(os.Stderr, "Loading cross-encoder… ")
	cr, err := crossencoder.New(crossencoder.Options{
		ModelPath:     filepath.Join(cfg.CrossencoderModelDir, "model.onnx"),
		TokenizerPath: filepath.Join(cfg.CrossencoderModelDir, "tokenizer.json"),
		MaxSeqLen:     cfg.MaxSeqLength,
		BatchSize:     cfg.BatchSize,
		SessionConfig: sessCfg,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "")
		bi.Close()
		return nil, err
	}
	fmt.Fprintln(os.Stderr, "ready.")

	tbl, err := loadOrBuildTable(cfg, cat, bi)
	if err != nil {
		bi.Close()
		cr.Close()
		return nil, err
	}

	return &engines{cat: cat, bi: bi, cr: cr, tbl: tbl}, nil
}

// loadOrBuildTable tries the on-disk embedding cache first; any flavor
// of cache miss (missing file, corrupt header, stale fingerprint) falls
// back to rebuilding from the catalog and re-saving.
func loadOrBuildTable(cfg config.Config, cat *catalog.Catalog, bi *biencoder.Engine) (*store.Table, error) {
	tbl, err := store.Load(cfg.EmbeddingsCachePath, cat.Fingerprint())
	if err == nil {
		metrics.RecordCacheOutcome("hit")
		return tbl, nil
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		return nil, err
	}
	metrics.RecordCacheOutcome("miss")

	fmt.Fprint(os.Stderr, "Building embedding cache… ")
	tbl, err = store.Build(cat, func(texts []string) ([][]float32, error) {
		return bi.Embed(context.Background(), texts)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "")
		return nil, fmt.Errorf("build embedding table: %w", err)
	}
	if err := tbl.Save(cfg.EmbeddingsCachePath); err != nil {
		log.Warn().Err(err).Msg("failed to persist embedding cache, continuing with in-memory table")
	}
	fmt.Fprintln(os.Stderr, "ready.")
	return tbl, nil
}

func loadConfig() (config.Config, error) {
	return config.Load(configFile)
}

// ---- encapured serve ------------------------------------------------------

func serveCmd(ortLib *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP search service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.Init("", cfg.LogLevel)

			eng, err := buildEngines(cfg, *ortLib)
			if err != nil {
				return err
			}
			defer eng.Close()

			warmupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := eng.bi.Warmup(warmupCtx); err != nil {
				return fmt.Errorf("warmup biencoder: %w", err)
			}
			if err := eng.cr.Warmup(warmupCtx); err != nil {
				return fmt.Errorf("warmup crossencoder: %w", err)
			}

			shutdownTrace, err := tracing.Init("encapure")
			if err != nil {
				return err
			}

			orch := eng.orchestrator(cfg)
			router := httpapi.NewRouter(orch, eng)

			srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				log.Info().Str("addr", cfg.HTTPAddr).Msg("encapured listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server exited")
				}
			}()

			<-ctx.Done()
			log.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("graceful shutdown failed")
			}
			if err := shutdownTrace(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown failed")
			}
			return nil
		},
	}
}

// ---- encapured search <query> ---------------------------------------------

func searchCmd(ortLib *string) *cobra.Command {
	var topK int
	var agentDescription string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive search against the tool catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngines(cfg, *ortLib)
			if err != nil {
				return err
			}
			defer eng.Close()

			orch := eng.orchestrator(cfg)
			results, err := orch.Search(context.Background(), query, topK, agentDescription)
			if err != nil {
				return err
			}

			if jsonOut {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			if len(results) == 0 {
				fmt.Println("no results")
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.4f  %s\n    %s\n\n", i+1, r.Score, r.Name, r.Description)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 10, "number of results to return")
	cmd.Flags().StringVar(&agentDescription, "agent-description", "", "optional agent context folded into the query")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output results as JSON")
	return cmd
}

// ---- encapured rerank <query> -- <documents...> ---------------------------

func rerankCmd(ortLib *string) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "rerank <query> -- <document> [document...]",
		Short: "Score an arbitrary document list against a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]
			docs := args[1:]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngines(cfg, *ortLib)
			if err != nil {
				return err
			}
			defer eng.Close()

			orch := eng.orchestrator(cfg)
			results, err := orch.Rerank(context.Background(), query, docs)
			if err != nil {
				return err
			}

			if jsonOut {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.4f  [%d] %s\n", i+1, r.Score, r.Index, docs[r.Index])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output results as JSON")
	return cmd
}

// ---- encapured tui ---------------------------------------------------------

func tuiCmd(ortLib *string) *cobra.Command {
	var topK int
	var agentDescription string

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive tool-search client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngines(cfg, *ortLib)
			if err != nil {
				return err
			}
			defer eng.Close()

			warmupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := eng.bi.Warmup(warmupCtx); err != nil {
				return err
			}
			if err := eng.cr.Warmup(warmupCtx); err != nil {
				return err
			}

			orch := eng.orchestrator(cfg)
			m := tui.New(orch, agentDescription, topK)
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 10, "number of results to show")
	cmd.Flags().StringVar(&agentDescription, "agent-description", "", "optional agent context folded into every query")
	return cmd
}

// ---- encapured bench --------------------------------------------------------

func benchCmd(ortLib *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer and ONNX inference speed on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := initONNXRuntime(*ortLib); err != nil {
				return err
			}

			sessCfg, _, _, err := cfg.SessionConfig()
			if err != nil {
				return err
			}

			fmt.Fprint(os.Stderr, "Loading bi-encoder… ")
			bi, err := biencoder.New(biencoder.Options{
				ModelPath:     filepath.Join(cfg.BiencoderModelDir, "model.onnx"),
				TokenizerPath: filepath.Join(cfg.BiencoderModelDir, "tokenizer.json"),
				SessionConfig: sessCfg,
			})
			if err != nil {
				return err
			}
			defer bi.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			fmt.Fprint(os.Stderr, "Loading cross-encoder… ")
			cr, err := crossencoder.New(crossencoder.Options{
				ModelPath:     filepath.Join(cfg.CrossencoderModelDir, "model.onnx"),
				TokenizerPath: filepath.Join(cfg.CrossencoderModelDir, "tokenizer.json"),
				SessionConfig: sessCfg,
			})
			if err != nil {
				return err
			}
			defer cr.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			texts := []struct{ label, text string }{
				{"short (6 words)  ", "send a message to a user"},
				{"medium (60 words)", strings.Repeat("send a message to a user ", 10)},
				{"long (300 words) ", strings.Repeat("send a message to a user on their preferred channel. ", 30)},
			}

			fmt.Println("\nbi-encoder")
			fmt.Printf("%-20s  %10s  %10s  %10s\n", "text size", "tokenize", "inference", "total")
			fmt.Println(strings.Repeat("─", 55))
			for _, tc := range texts {
				tok, inf, tot, err := bi.BenchmarkSingle(context.Background(), tc.text)
				if err != nil {
					return fmt.Errorf("bench biencoder %s: %w", tc.label, err)
				}
				fmt.Printf("%-20s  %10s  %10s  %10s\n", tc.label,
					tok.Round(time.Millisecond), inf.Round(time.Millisecond), tot.Round(time.Millisecond))
			}

			fmt.Println("\ncross-encoder (paired against a fixed document)")
			fmt.Printf("%-20s  %10s  %10s  %10s\n", "text size", "tokenize", "inference", "total")
			fmt.Println(strings.Repeat("─", 55))
			for _, tc := range texts {
				tok, inf, tot, err := cr.BenchmarkSingle(context.Background(), tc.text, "sends a direct message to a named user on a chat platform")
				if err != nil {
					return fmt.Errorf("bench crossencoder %s: %w", tc.label, err)
				}
				fmt.Printf("%-20s  %10s  %10s  %10s\n", tc.label,
					tok.Round(time.Millisecond), inf.Round(time.Millisecond), tot.Round(time.Millisecond))
			}
			return nil
		},
	}
}

// ---- encapured build-cache ---------------------------------------------------

func buildCacheCmd(ortLib *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build-cache",
		Short: "Precompute and persist the catalog embedding table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := buildEngines(cfg, *ortLib)
			if err != nil {
				return err
			}
			defer eng.Close()
			fmt.Printf("Cache ready: %d tools, dim %d, fingerprint %x\n",
				eng.tbl.Len(), eng.tbl.Dim(), eng.tbl.Fingerprint())
			return nil
		},
	}
}

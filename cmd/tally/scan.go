package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/praetorian-inc/tally/pkg/config"
	"github.com/praetorian-inc/tally/pkg/enum"
	"github.com/praetorian-inc/tally/pkg/parser"
	"github.com/praetorian-inc/tally/pkg/pipeline"
	"github.com/praetorian-inc/tally/pkg/store"
	"github.com/praetorian-inc/tally/pkg/types"
)

var (
	scanOutputPath      string
	scanOutputFormat    string
	scanColor           string
	scanIncremental     bool
	scanWorkers         int
	scanProxy           string
	scanDepth           int
	scanExtractArchives string
	scanMaxFileSize     int64
	scanIncludeHidden   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <path|url>...",
	Short: "Ingest file listings into a catalog",
	Long: `Ingest listing files, directories of listings, listing archives or
directory index URLs into a catalog database, then print the report.

URLs are fetched through a SOCKS5 proxy (see --proxy). Scanning into an
existing database adds to its catalog.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanOutputPath, "output", "tally.db", "Output database path (or postgres:// URL, or :memory:)")
	scanCmd.Flags().StringVar(&scanOutputFormat, "format", "human", "Output format: human, json")
	scanCmd.Flags().StringVar(&scanColor, "color", "auto", "Color output: auto, always, never")
	scanCmd.Flags().BoolVar(&scanIncremental, "incremental", false, "Skip listing documents already in the database")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 0, "Parse workers (0 uses the config, then the CPU count)")
	scanCmd.Flags().StringVar(&scanProxy, "proxy", "", "SOCKS5 proxy for URLs, or 'direct' (overrides config)")
	scanCmd.Flags().IntVar(&scanDepth, "depth", 0, "Levels of sub-directory links to follow on index pages (overrides config)")
	scanCmd.Flags().StringVar(&scanExtractArchives, "extract-archives", "", "Extract listing archives: zip,7z,tar,gz,xz or 'all' (overrides config)")
	scanCmd.Flags().Int64Var(&scanMaxFileSize, "max-file-size", 0, "Maximum listing file size in bytes (0 = no limit)")
	scanCmd.Flags().BoolVar(&scanIncludeHidden, "include-hidden", false, "Include hidden files and directories")
}

// scanStats counts what one scan did.
type scanStats struct {
	documents int
	skipped   int
	blocks    int
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, log := settings()
	applyScanFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if scanOutputFormat != "human" && scanOutputFormat != "json" {
		return fmt.Errorf("unknown output format: %s", scanOutputFormat)
	}

	enumerator, err := createEnumerator(cfg, args, log)
	if err != nil {
		return fmt.Errorf("creating enumerator: %w", err)
	}

	// Create store
	s, err := store.New(store.Config{Path: scanOutputPath})
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer s.Close()

	var failMu sync.Mutex
	var failures []*types.ParseFailure

	pcfg := cfg.Pipeline()
	pcfg.OnFailure = func(pf *types.ParseFailure) {
		failMu.Lock()
		failures = append(failures, pf)
		failMu.Unlock()
	}
	p, err := pipeline.New(pcfg, log)
	if err != nil {
		return err
	}

	// Continue from what the database already holds
	if err := store.LoadCatalog(s, p.Catalog()); err != nil {
		return err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	blocks := make(chan types.RawBlock, workers*16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		p.Run(blocks, workers)
	}()

	st, completed, enumErr := scanDocuments(ctx, s, enumerator, blocks, scanIncremental)
	close(blocks)
	<-drained

	if enumErr != nil && !errors.Is(enumErr, context.Canceled) {
		return fmt.Errorf("scanning: %w", enumErr)
	}
	if enumErr != nil {
		log.Warn("scan interrupted, saving partial catalog")
	}

	stored := 0
	for _, pf := range failures {
		if !completed[pf.SourceID] {
			continue
		}
		if err := s.AddFailure(pf); err != nil {
			return fmt.Errorf("storing failure: %w", err)
		}
		stored++
	}
	if err := store.SaveCatalog(s, p.Catalog()); err != nil {
		return err
	}

	// Report the database totals; a rescanned source is counted once
	if err := useStoredCounts(s, p); err != nil {
		return err
	}

	log.Info("scan complete",
		zap.Int("documents", st.documents),
		zap.Int("skipped", st.skipped),
		zap.Int("blocks", st.blocks),
		zap.Int("failures", stored),
		zap.Int("records", p.Catalog().Len()))

	// Summary goes to stderr for json so stdout stays pure JSON
	summary := cmd.OutOrStdout()
	if scanOutputFormat == "json" {
		summary = cmd.ErrOrStderr()
	}
	if scanIncremental {
		fmt.Fprintf(summary, "Scan complete: %d documents, %d blocks (%d documents skipped)\n", st.documents, st.blocks, st.skipped)
	} else {
		fmt.Fprintf(summary, "Scan complete: %d documents, %d blocks\n", st.documents, st.blocks)
	}
	fmt.Fprintf(summary, "Results stored in: %s\n", scanOutputPath)

	if err := writeReport(cmd, p.Report(), scanOutputFormat, scanColor, scanOutputPath); err != nil {
		return err
	}
	return enumErr
}

// scanDocuments splits every enumerated document into blocks and queues
// them. A source is recorded only after all of its blocks were queued, so a
// document cut short by cancellation is picked up again by an incremental
// rescan. completed holds the paths of the recorded documents.
func scanDocuments(ctx context.Context, s store.Store, e enum.Enumerator, blocks chan<- types.RawBlock, incremental bool) (scanStats, map[string]bool, error) {
	var mu sync.Mutex
	var st scanStats
	completed := make(map[string]bool)

	err := e.Enumerate(ctx, func(content []byte, id types.ContentID, prov types.Provenance) error {
		mu.Lock()
		defer mu.Unlock()

		if incremental {
			exists, err := s.SourceExists(id, prov.Path())
			if err != nil {
				return fmt.Errorf("checking source: %w", err)
			}
			if exists {
				st.skipped++
				return nil
			}
		}

		docBlocks := parser.Split(content, prov.Path(), enum.BaseDir(prov))
		for _, b := range docBlocks {
			select {
			case blocks <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.AddSource(id, prov, len(docBlocks)); err != nil {
			return fmt.Errorf("storing source: %w", err)
		}
		completed[prov.Path()] = true
		st.documents++
		st.blocks += len(docBlocks)
		return nil
	})
	return st, completed, err
}

// =============================================================================
// HELPERS
// =============================================================================

// applyScanFlags lets explicitly set flags override the configuration.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = scanWorkers
	}
	if flags.Changed("proxy") {
		cfg.Fetch.Proxy = scanProxy
	}
	if flags.Changed("depth") {
		cfg.Fetch.MaxDepth = scanDepth
	}
	if flags.Changed("extract-archives") {
		cfg.Extract.Archives = scanExtractArchives
	}
}

// createEnumerator builds one enumerator per local target plus one for all
// URLs, combined so a document reachable twice is ingested once.
func createEnumerator(cfg *config.Config, targets []string, log *zap.Logger) (enum.Enumerator, error) {
	var enumerators []enum.Enumerator
	var urls []string

	for _, target := range targets {
		if isURL(target) {
			urls = append(urls, target)
			continue
		}
		if _, err := os.Stat(target); err != nil {
			return nil, fmt.Errorf("target does not exist: %s", target)
		}
		fsCfg := cfg.Filesystem(target, log)
		fsCfg.MaxFileSize = scanMaxFileSize
		fsCfg.IncludeHidden = scanIncludeHidden
		enumerators = append(enumerators, enum.NewFilesystemEnumerator(fsCfg))
	}

	if len(urls) > 0 {
		h, err := enum.NewHTTPEnumerator(cfg.HTTP(urls, log))
		if err != nil {
			return nil, err
		}
		enumerators = append(enumerators, h)
	}

	if len(enumerators) == 1 {
		return enumerators[0], nil
	}
	return enum.NewCombinedEnumerator(enumerators...), nil
}

func isURL(target string) bool {
	u, err := url.Parse(target)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// useStoredCounts sets p's block and failure counters to the database
// totals so its report covers every stored source exactly once.
func useStoredCounts(s store.Store, p *pipeline.Pipeline) error {
	blocks, err := s.BlockCount()
	if err != nil {
		return fmt.Errorf("counting blocks: %w", err)
	}
	reasons, err := s.GetFailureCounts()
	if err != nil {
		return fmt.Errorf("counting failures: %w", err)
	}
	p.SetCounts(blocks, reasons)
	return nil
}

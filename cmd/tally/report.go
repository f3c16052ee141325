package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/praetorian-inc/tally/pkg/pipeline"
	"github.com/praetorian-inc/tally/pkg/store"
	"github.com/praetorian-inc/tally/pkg/types"
)

var (
	reportDatastore string
	reportFormat    string
	reportColor     string
	reportTop       int
)

// maxEvidence is how many example paths are printed per pattern hit.
const maxEvidence = 3

// styles holds color formatters for the human report
type styles struct {
	title    *color.Color
	heading  *color.Color
	label    *color.Color
	value    *color.Color
	kind     *color.Color
	warning  *color.Color
	metadata *color.Color
}

// newStyles creates color formatters for report output
// enabled=false respects --color=never and the NO_COLOR env var
func newStyles(enabled bool) *styles {
	s := &styles{
		title:    color.New(color.Bold, color.FgHiWhite),
		heading:  color.New(color.Bold),
		label:    color.New(color.FgHiBlue),
		value:    color.New(color.FgHiGreen),
		kind:     color.New(color.Bold, color.FgHiBlue),
		warning:  color.New(color.FgYellow),
		metadata: color.New(color.FgHiBlack),
	}

	if !enabled {
		for _, c := range []*color.Color{s.title, s.heading, s.label, s.value, s.kind, s.warning, s.metadata} {
			c.DisableColor()
		}
	}

	return s
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a report from a catalog database",
	Long:  "Rebuild the catalog stored in a database and print its statistics and pattern hits",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportDatastore, "datastore", "tally.db", "Path to catalog database (or postgres:// URL)")
	reportCmd.Flags().StringVar(&reportFormat, "format", "human", "Output format: human, json")
	reportCmd.Flags().StringVar(&reportColor, "color", "auto", "Color output: auto, always, never")
	reportCmd.Flags().IntVar(&reportTop, "top", 20, "Extensions to list in human output (0 = all)")
}

func runReport(cmd *cobra.Command, args []string) error {
	storePath := reportDatastore

	if storePath == ":memory:" {
		return fmt.Errorf("cannot report from in-memory store")
	}
	if !store.IsPostgresURL(storePath) {
		if _, err := os.Stat(storePath); err != nil {
			return fmt.Errorf("datastore not found: %s", storePath)
		}
	}

	s, err := store.New(store.Config{Path: storePath})
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer s.Close()

	cfg, log := settings()
	p, err := pipeline.New(cfg.Pipeline(), log)
	if err != nil {
		return err
	}
	if err := store.LoadCatalog(s, p.Catalog()); err != nil {
		return err
	}
	if err := useStoredCounts(s, p); err != nil {
		return err
	}

	return writeReport(cmd, p.Report(), reportFormat, reportColor, storePath)
}

// writeReport prints rep to the command's stdout in the given format.
func writeReport(cmd *cobra.Command, rep types.Report, format, colorMode, source string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "human":
		return outputReportHuman(cmd.OutOrStdout(), rep, source, colorEnabled(colorMode))
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// colorEnabled resolves --color; auto colors only a terminal without NO_COLOR.
func colorEnabled(mode string) bool {
	switch mode {
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	default:
		color.NoColor = !term.IsTerminal(int(os.Stdout.Fd())) || os.Getenv("NO_COLOR") != ""
	}
	return !color.NoColor
}

// =============================================================================
// HUMAN OUTPUT
// =============================================================================

func outputReportHuman(w io.Writer, rep types.Report, source string, useColor bool) error {
	s := newStyles(useColor)
	sum := rep.Summary

	fmt.Fprintln(w, s.title.Sprint("=== Tally Report ==="))
	fmt.Fprintf(w, "%s %s\n\n", s.label.Sprint("Catalog:"), source)

	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", s.label.Sprintf("%-16s", label+":"), s.value.Sprint(value))
	}
	row("Records", humanize.Comma(int64(sum.TotalRecords)))
	row("Total size", fmt.Sprintf("%s (%s bytes)", humanize.Bytes(uint64(sum.TotalBytes)), humanize.Comma(sum.TotalBytes)))
	row("Unknown sizes", humanize.Comma(int64(rep.UnknownCount)))
	row("Blocks seen", humanize.Comma(int64(sum.BlocksSeen)))
	row("Parse failures", humanize.Comma(int64(sum.ParseFailures)))
	row("Conflicts", humanize.Comma(int64(rep.ConflictCount)))

	if sum.TotalRecords == 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "No records catalogued.")
		return nil
	}

	// Extensions, most frequent first
	fmt.Fprintf(w, "\n%s\n", s.heading.Sprint("Extensions"))
	exts := sortedCounts(rep.ExtensionFrequency)
	shown := exts
	if reportTop > 0 && len(shown) > reportTop {
		shown = shown[:reportTop]
	}
	for _, e := range shown {
		name := e.key
		if name == "" {
			name = "(none)"
		}
		fmt.Fprintf(w, "  %-16s %s\n", name, humanize.Comma(int64(e.count)))
	}
	if len(shown) < len(exts) {
		fmt.Fprintln(w, s.metadata.Sprintf("  ... %d more", len(exts)-len(shown)))
	}

	fmt.Fprintf(w, "\n%s\n", s.heading.Sprint("Size buckets"))
	for _, b := range rep.SizeBuckets {
		fmt.Fprintf(w, "  %-24s %s\n", bucketLabel(b), humanize.Comma(int64(b.Count)))
	}

	fmt.Fprintf(w, "\n%s\n", s.heading.Sprint("Path depth"))
	depths := make([]int, 0, len(rep.PathDepthHistogram))
	for d := range rep.PathDepthHistogram {
		depths = append(depths, d)
	}
	slices.Sort(depths)
	for _, d := range depths {
		fmt.Fprintf(w, "  %-16d %s\n", d, humanize.Comma(int64(rep.PathDepthHistogram[d])))
	}

	if len(sum.FailureReasons) > 0 {
		fmt.Fprintf(w, "\n%s\n", s.heading.Sprint("Failure reasons"))
		reasons := make(map[string]int, len(sum.FailureReasons))
		for r, n := range sum.FailureReasons {
			reasons[string(r)] = n
		}
		for _, r := range sortedCounts(reasons) {
			fmt.Fprintf(w, "  %-20s %s\n", r.key, humanize.Comma(int64(r.count)))
		}
	}

	if len(rep.PatternHits) > 0 {
		fmt.Fprintf(w, "\n%s\n", s.heading.Sprint("Pattern hits"))
		for _, h := range rep.PatternHits {
			fmt.Fprintf(w, "  %s %s %s %s\n",
				s.metadata.Sprintf("[%s]", h.Confidence),
				s.kind.Sprint(h.Kind),
				h.Subject,
				s.metadata.Sprintf("(%d)", h.Count))
			evidence := h.Evidence
			if len(evidence) > maxEvidence {
				evidence = evidence[:maxEvidence]
			}
			for _, e := range evidence {
				fmt.Fprintf(w, "      %s\n", e)
			}
		}
	}

	if len(sum.Conflicts) > 0 {
		fmt.Fprintf(w, "\n%s\n", s.heading.Sprint("Size conflicts"))
		for _, c := range sum.Conflicts {
			line := fmt.Sprintf("  %s: kept %s, rejected %s", c.Path, sizeLabel(c.Kept), sizeLabel(c.Rejected))
			if c.SourceID != "" {
				line += s.metadata.Sprintf(" (%s)", c.SourceID)
			}
			fmt.Fprintln(w, s.warning.Sprint(line))
		}
	}

	return nil
}

type keyCount struct {
	key   string
	count int
}

// sortedCounts orders m by descending count, then key.
func sortedCounts(m map[string]int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, n := range m {
		out = append(out, keyCount{k, n})
	}
	slices.SortFunc(out, func(a, b keyCount) int {
		return cmp.Or(cmp.Compare(b.count, a.count), strings.Compare(a.key, b.key))
	})
	return out
}

func bucketLabel(b types.SizeBucket) string {
	low := humanize.Bytes(uint64(b.RangeLow))
	if b.RangeHigh == nil {
		return low + " and up"
	}
	return fmt.Sprintf("%s to %s", low, humanize.Bytes(uint64(*b.RangeHigh)))
}

func sizeLabel(s types.Size) string {
	n, ok := s.Bytes()
	if !ok {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}

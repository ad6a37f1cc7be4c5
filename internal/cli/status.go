package cli

import (
	"fmt"
	"time"

	"github.com/calunde/nameforge/internal/checkpoint"
	"github.com/calunde/nameforge/internal/report"
	"github.com/calunde/nameforge/internal/shard"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	statusWatch  bool
	statusErrors int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show enrichment progress",
	Long: `Status reads the checkpoint file and reports percent complete,
throughput, ETA and a breakdown of failed records by reason. It never touches
the network and never mutates pipeline state.

With --watch, a live progress view polls the checkpoint until the run reaches
a terminal state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := shard.NewStore(cfg.DataDir, cfg.ShardFiles, false, logger)
		if err := store.Load(cmd.Context()); err != nil {
			return err
		}
		total := store.TotalRecords()

		if statusWatch {
			return runWatch(cfg.CheckpointPath, total)
		}

		cp, err := checkpoint.NewStore(cfg.CheckpointPath).Load()
		if err != nil {
			return err
		}
		summary := report.Summarize(cp, total, time.Now())
		printSummary(summary)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "live progress view")
	statusCmd.Flags().IntVar(&statusErrors, "errors", 5, "error reasons to show")
}

func printSummary(s report.Summary) {
	fmt.Printf("%s %s\n", statusLabel(s.Status), defaultTheme.hintStyle().Render("run "+s.RunID))
	fmt.Printf("  Processed: %d / %d (%.1f%%)\n", s.Processed, s.TotalRecords, s.Percent)
	fmt.Printf("  Errors:    %d\n", s.Errors)
	if s.Elapsed > 0 {
		fmt.Printf("  Elapsed:   %s (%.0f records/min)\n", s.Elapsed.Round(time.Second), s.PerMinute)
	}
	if s.ETA > 0 {
		fmt.Printf("  ETA:       %s\n", s.ETA.Round(time.Minute))
	}

	if len(s.ErrorReasons) > 0 {
		fmt.Println()
		fmt.Println(defaultTheme.errorStyle().Render(fmt.Sprintf("Failures (%d reasons):", len(s.ErrorReasons))))
		shown := 0
		for _, rc := range s.ErrorReasons {
			if shown >= statusErrors {
				fmt.Printf("  ... and %d more\n", len(s.ErrorReasons)-shown)
				break
			}
			fmt.Printf("  %dx %s\n", rc.Count, rc.Reason)
			for _, id := range rc.SampleIDs {
				fmt.Printf("     • %s\n", id)
			}
			shown++
		}
	}
}

func statusLabel(status checkpoint.Status) string {
	switch status {
	case checkpoint.StatusCompleted:
		return defaultTheme.completedStyle().Render("✓ " + string(status))
	case checkpoint.StatusFailed:
		return defaultTheme.errorStyle().Render("✗ " + string(status))
	default:
		return defaultTheme.statusStyle().Render("[" + string(status) + "]")
	}
}

// Theme holds the color scheme for status output.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

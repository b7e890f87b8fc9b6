package commands

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/wolfeidau/assetpipe/internal/assets"
)

var (
	// ColorCyan marks nouns: bundle names and paths
	ColorCyan = lipgloss.Color("14")

	// ColorYellow marks warnings such as cyclic bundles
	ColorYellow = lipgloss.Color("220")

	// ColorGreenCheck is used for the completion checkmark
	ColorGreenCheck = lipgloss.Color("10")
)

var (
	StyleNoun    = lipgloss.NewStyle().Foreground(ColorCyan)
	StyleWarn    = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleCheck   = lipgloss.NewStyle().Foreground(ColorGreenCheck)
	StyleDim     = lipgloss.NewStyle().Faint(true)
	StyleSummary = lipgloss.NewStyle().Bold(true)
)

// printSummary writes one line per bundle followed by a totals line
func printSummary(w io.Writer, outputDir string, res *assets.Result) {
	for _, b := range res.Bundles {
		line := fmt.Sprintf("  %s %s %s",
			StyleNoun.Render(b.Name),
			filepath.Join(outputDir, b.FileName),
			StyleDim.Render(fmt.Sprintf("%s, %d modules", humanize.IBytes(uint64(len(b.Code))), len(b.Modules))))
		if b.Cyclic {
			line += " " + StyleWarn.Render("(import cycles)")
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintf(w, "%s %s\n",
		StyleCheck.Render("✔"),
		StyleSummary.Render(fmt.Sprintf("Built %d bundles from %d modules in %s",
			len(res.Bundles), len(res.Graph.Modules), res.Timings.Total.Round(time.Millisecond))))
}

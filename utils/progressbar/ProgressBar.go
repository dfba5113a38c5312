// Package progressbar implements functionality of printing a progress
// bar to the terminal window. The bar is manually managed: Increment
// should be called once per completed unit of work and Display whenever
// an updated bar should be printed.
package progressbar

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressBar prints episode-generation progress. It does not use
// concurrency; callers drive it from their own loop.
type ProgressBar struct {
	width           float64
	maxProgress     float64
	currentProgress float64
	bar             strings.Builder
	startTime       time.Time
	out             io.Writer
}

// New returns a new ProgressBar that is width characters wide and
// reaches 100% after max Increment calls.
func New(width, max int, out io.Writer) *ProgressBar {
	return &ProgressBar{
		width:       float64(width),
		maxProgress: float64(max),
		startTime:   time.Now(),
		out:         out,
	}
}

// Increment increments the internal progress counter by n completed
// units, saturating at the maximum.
func (p *ProgressBar) Increment(n int) {
	p.currentProgress += float64(n)
	if p.currentProgress > p.maxProgress {
		p.currentProgress = p.maxProgress
	}
}

// Display prints the progress bar, overwriting the previously printed
// bar if any.
func (p *ProgressBar) Display() {
	p.bar.Reset()
	p.bar.Write([]byte("|"))

	currentProg := p.currentProgress / p.maxProgress * p.width
	for i := 0.0; i < currentProg; i++ {
		p.bar.Write([]byte("█"))
	}
	for i := currentProg; i < p.width; i++ {
		p.bar.Write([]byte(" "))
	}
	p.bar.Write([]byte(fmt.Sprintf("| [%.2f%v | elapsed: %v]",
		p.currentProgress/p.maxProgress*100, "%",
		time.Since(p.startTime).Truncate(time.Second))))

	fmt.Fprintf(p.out, "\n\033[1A\033[K%v", p.bar.String())
}

// Close jumps to the line after the printed bar.
func (p *ProgressBar) Close() {
	fmt.Fprintln(p.out)
}

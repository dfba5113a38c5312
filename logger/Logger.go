// Package logger implements the metric-recording actor. Scalars are
// accumulated per key and saved as gob-encoded histories; selected
// training losses are echoed to the terminal. All calls are
// fire-and-forget.
package logger

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"

	"github.com/mattn/go-isatty"

	"github.com/visuotactile/goslac/remote"
)

// ANSI escape for the echoed metric lines
const (
	colorCyan  = "\033[36m"
	colorReset = "\033[0m"
)

// Logger is the metric actor.
type Logger struct {
	mailbox *remote.Mailbox

	// scalars holds the latest value per key; history holds every
	// logged training-step value per key in log order.
	scalars map[string]float64
	history map[string][]float64

	echoEvery int
	steps     int
	color     bool
}

// New returns a running logger actor. echoEvery controls how often a
// training-step line is printed; 0 disables echoing.
func New(echoEvery int) *Logger {
	return &Logger{
		mailbox:   remote.NewMailbox(),
		scalars:   make(map[string]float64),
		history:   make(map[string][]float64),
		echoEvery: echoEvery,
		color:     isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// UpdateScalars replaces the latest value of each given key.
func (l *Logger) UpdateScalars(values map[string]float64) {
	l.mailbox.Send(func() {
		for k, v := range values {
			l.scalars[k] = v
		}
	})
}

// LogTrainingStep appends one training step's metrics to their
// histories and periodically echoes them.
func (l *Logger) LogTrainingStep(values map[string]float64) {
	l.mailbox.Send(func() {
		for k, v := range values {
			l.history[k] = append(l.history[k], v)
		}
		l.steps++
		if l.echoEvery > 0 && l.steps%l.echoEvery == 0 {
			l.echo(values)
		}
	})
}

// echo prints one metric line, sorted by key for stable output.
func (l *Logger) echo(values map[string]float64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := fmt.Sprintf("step %v:", l.steps)
	for _, k := range keys {
		line += fmt.Sprintf("  %v=%.4f", k, values[k])
	}
	if l.color {
		fmt.Fprintln(os.Stderr, colorCyan+line+colorReset)
	} else {
		fmt.Fprintln(os.Stderr, line)
	}
}

// Scalar returns the latest value recorded for a key.
func (l *Logger) Scalar(key string) *remote.Future[float64] {
	return remote.Call(l.mailbox, func() float64 {
		return l.scalars[key]
	})
}

// History returns a copy of the logged history for a key.
func (l *Logger) History(key string) *remote.Future[[]float64] {
	return remote.Call(l.mailbox, func() []float64 {
		h := l.history[key]
		out := make([]float64, len(h))
		copy(out, h)
		return out
	})
}

// Save writes every metric history to disk as a gob-encoded
// map[string][]float64.
func (l *Logger) Save(filename string) *remote.Future[error] {
	return remote.Call(l.mailbox, func() error {
		file, err := os.Create(filename)
		if err != nil {
			return fmt.Errorf("save: could not open save file: %v", err)
		}
		defer file.Close()

		en := gob.NewEncoder(file)
		if err := en.Encode(l.history); err != nil {
			return fmt.Errorf("save: could not encode metric data: %v", err)
		}
		return nil
	})
}

// Close stops the logger actor.
func (l *Logger) Close() {
	l.mailbox.Close()
}

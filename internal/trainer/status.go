package trainer

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"k8s.io/klog/v2"
)

// statusLogEvery is the number of steps between status logs when stdout is not a terminal.
const statusLogEvery = 100

// statusLine prints the training progress: overwritten in place on a terminal, otherwise logged
// every statusLogEvery steps.
type statusLine struct {
	isTerminal bool
	pending    bool
	label      lipgloss.Style
	value      lipgloss.Style
}

func newStatusLine() *statusLine {
	return &statusLine{
		isTerminal: term.IsTerminal(int(os.Stdout.Fd())),
		label:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		value:      lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	}
}

// Update the status with the latest step.
func (s *statusLine) Update(step, numSteps int, loss, averageLoss float32, runSteps int, elapsed time.Duration) {
	var stepsPerSec float64
	if elapsed > 0 {
		stepsPerSec = float64(runSteps) / elapsed.Seconds()
	}
	if !s.isTerminal {
		if step%statusLogEvery == 0 {
			klog.Infof("step %d/%d: loss=%.4f, ~loss=%.4f, %.1f steps/s", step, numSteps, loss, averageLoss, stepsPerSec)
		}
		return
	}
	fmt.Printf("\r%s %s  loss=%s  ~loss=%s  %s steps/s  elapsed=%s\x1b[0K",
		s.label.Render("Training"),
		s.value.Render(fmt.Sprintf("%d/%d", step, numSteps)),
		s.value.Render(fmt.Sprintf("%.4f", loss)),
		s.value.Render(fmt.Sprintf("%.4f", averageLoss)),
		s.value.Render(fmt.Sprintf("%.1f", stepsPerSec)),
		elapsed.Round(time.Second))
	s.pending = true
}

// Break ends the current status line, so other output starts in a new line.
func (s *statusLine) Break() {
	if s.pending {
		fmt.Println()
		s.pending = false
	}
}

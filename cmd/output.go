package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headStyle = lipgloss.NewStyle().Bold(true)
)

var stateStyles = map[results.NodeState]lipgloss.Style{
	results.StateSuccess: okStyle,
	results.StateWarning: warnStyle,
	results.StateFailed:  failStyle,
	results.StateSkipped: dimStyle,
}

// watchProgress prints a line for every event that reaches a verdict. The
// returned function stops the printer and waits for it.
func watchProgress(b *bus.Bus, out io.Writer) func() {
	msgs, unsubscribe := b.Subscribe(bus.TopicNode)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if n, ok := m.Payload.(schemas.NodeNotification); ok {
					if line := progressLine(n); line != "" {
						fmt.Fprintln(out, line)
					}
				}
				b.Acknowledge(m)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
		unsubscribe()
	}
}

func progressLine(n schemas.NodeNotification) string {
	if n.Kind != schemas.NodeState || n.NodeType != string(results.NodeEvent) {
		return ""
	}
	style, ok := stateStyles[results.NodeState(n.State)]
	if !ok {
		return ""
	}
	line := fmt.Sprintf("  %s %s", style.Render(fmt.Sprintf("%-7s", n.State)), n.Label)
	if n.Status != schemas.StatusSuccess {
		line += dimStyle.Render(" (" + n.Status.String() + ")")
	}
	return line
}

func renderStatus(code schemas.StatusCode) string {
	if code == schemas.StatusSuccess {
		return okStyle.Render(code.String())
	}
	return failStyle.Render(code.String())
}

// printRunSummary renders the outcome of a replay.
func printRunSummary(out io.Writer, res replay.RunResult) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s %s\n", headStyle.Render("Run"), res.RunID)
	fmt.Fprintf(out, "  status   %s\n", renderStatus(res.Status))
	if res.Message != "" {
		fmt.Fprintf(out, "  message  %s\n", res.Message)
	}
	if res.Tree != nil {
		s := res.Tree.Summary()
		fmt.Fprintf(out, "  events   %d (%d failed, %d warnings, %d skipped)\n", s.Events, s.Failed, s.Warnings, s.Skipped)
		if !s.Finished.IsZero() {
			fmt.Fprintf(out, "  elapsed  %s\n", s.Finished.Sub(s.Started).Round(time.Millisecond))
		}
	}
}

// logEntry is the subset of a JSON log line shown by the logs command.
type logEntry struct {
	Time    string `json:"ts"`
	Level   string `json:"level"`
	Logger  string `json:"logger"`
	Message string `json:"msg"`
}

var levelStyles = map[string]lipgloss.Style{
	"debug": dimStyle,
	"info":  okStyle,
	"warn":  warnStyle,
	"error": failStyle,
}

// formatLogLine pretty prints one line of the JSON log file. Lines that are
// not JSON are returned unchanged.
func formatLogLine(line string) string {
	var e logEntry
	if err := json.UnmarshalFromString(line, &e); err != nil || e.Message == "" {
		return line
	}
	level := strings.ToLower(e.Level)
	style, ok := levelStyles[level]
	if !ok {
		style = failStyle
	}
	var b strings.Builder
	if e.Time != "" {
		b.WriteString(dimStyle.Render(e.Time))
		b.WriteString(" ")
	}
	b.WriteString(style.Render(fmt.Sprintf("%-5s", strings.ToUpper(level))))
	if e.Logger != "" {
		b.WriteString(" ")
		b.WriteString(dimStyle.Render(e.Logger))
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	return b.String()
}

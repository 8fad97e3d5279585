package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	keyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))
)

// Console asks on a terminal. Only one prompt is read at a time; the session
// never has more than one outstanding.
type Console struct {
	in       *bufio.Reader
	out      io.Writer
	fallback config.TimeoutChoice
	logger   *zap.Logger

	mu sync.Mutex
}

var _ replay.Prompter = (*Console)(nil)

// NewConsole reads answers from in and renders prompts to out. When in is
// exhausted the fallback choice is used.
func NewConsole(in io.Reader, out io.Writer, fallback config.TimeoutChoice, logger *zap.Logger) *Console {
	return &Console{
		in:       bufio.NewReader(in),
		out:      out,
		fallback: fallback,
		logger:   logger.Named("prompt"),
	}
}

// Prompt implements replay.Prompter. The read happens on its own goroutine.
func (c *Console) Prompt(p replay.TimeoutPrompt, reply func(replay.PromptAnswer)) {
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		reply(replay.PromptAnswer{ID: p.ID, Choice: c.ask(p)})
	}()
}

func (c *Console) ask(p replay.TimeoutPrompt) config.TimeoutChoice {
	fmt.Fprintln(c.out, Render(p))
	for {
		fmt.Fprintf(c.out, "%s ", keyStyle.Render("[s]kip / s[t]op / [c]ontinue >"))
		line, err := c.in.ReadString('\n')
		if choice, ok := ParseChoice(strings.TrimSpace(line)); ok {
			return choice
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("Failed to read prompt answer.", zap.Error(err))
			}
			fmt.Fprintf(c.out, "\nno answer, using %s\n", c.fallback)
			return c.fallback
		}
		fmt.Fprintln(c.out, labelStyle.Render("unrecognized answer"))
	}
}

// Render formats a prompt as a bordered box.
func Render(p replay.TimeoutPrompt) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Timed out waiting for %s", p.Category)))
	row := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString("\n")
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-8s", label)))
		b.WriteString(value)
	}
	row("event", p.EventLabel)
	if p.EventLabel != "" {
		row("at", p.Event.String())
	}
	row("status", p.Status.String())
	row("waited", p.Waited.String())
	return boxStyle.Render(b.String())
}

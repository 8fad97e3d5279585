// Package prompt answers replay timeout prompts: automatically, from a
// terminal, or from a remote observer.
package prompt

import (
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
)

// Auto answers every prompt with a fixed choice.
type Auto struct {
	Choice config.TimeoutChoice
}

var _ replay.Prompter = Auto{}

// Prompt implements replay.Prompter.
func (a Auto) Prompt(p replay.TimeoutPrompt, reply func(replay.PromptAnswer)) {
	choice := a.Choice
	if choice == "" {
		choice = config.ChoiceSkip
	}
	reply(replay.PromptAnswer{ID: p.ID, Choice: choice})
}

// ParseChoice maps user input to a choice. Single letters and full words are
// accepted: s/skip, t/stop, c/continue.
func ParseChoice(in string) (config.TimeoutChoice, bool) {
	switch in {
	case "s", "skip", "S", "Skip":
		return config.ChoiceSkip, true
	case "t", "stop", "T", "Stop":
		return config.ChoiceStop, true
	case "c", "continue", "C", "Continue":
		return config.ChoiceContinue, true
	}
	return "", false
}

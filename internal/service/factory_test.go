package service

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/mocks"
	"github.com/xkilldash9x/scalpel-replay/internal/prompt"
)

func TestSelectPrompter(t *testing.T) {
	logger := zap.NewNop()
	b := bus.New(logger, 4)
	defer b.Shutdown()

	enabled := config.NewDefaultConfig().Replay()
	enabled.PromptEnabled = true
	enabled.DefaultTimeoutChoice = config.ChoiceStop
	disabled := enabled
	disabled.PromptEnabled = false

	opts := Options{In: strings.NewReader(""), Out: &bytes.Buffer{}}

	p, remote, err := selectPrompter(disabled, PromptConsole, b, opts, logger)
	require.NoError(t, err)
	assert.Equal(t, prompt.Auto{Choice: config.ChoiceStop}, p, "disabled prompts are answered automatically")
	assert.Nil(t, remote)

	p, _, err = selectPrompter(enabled, PromptAuto, b, opts, logger)
	require.NoError(t, err)
	assert.IsType(t, prompt.Auto{}, p)

	p, _, err = selectPrompter(enabled, PromptConsole, b, opts, logger)
	require.NoError(t, err)
	assert.IsType(t, &prompt.Console{}, p)

	p, remote, err = selectPrompter(enabled, PromptRemote, b, opts, logger)
	require.NoError(t, err)
	require.NotNil(t, remote)
	assert.Same(t, remote, p)
	remote.Close()

	_, _, err = selectPrompter(enabled, "carrier-pigeon", b, opts, logger)
	assert.Error(t, err)
}

func TestCreateFailsBeforeLaunch(t *testing.T) {
	factory := NewComponentFactory()

	t.Run("PersistWithoutDatabase", func(t *testing.T) {
		cfg := new(mocks.MockConfig)
		cfg.On("Database").Return(config.DatabaseConfig{})

		c, err := factory.Create(context.Background(), cfg, Options{Persist: true}, zap.NewNop())
		require.Error(t, err)
		assert.Nil(t, c)
		assert.Contains(t, err.Error(), "SCALPEL_REPLAY_DATABASE_URL")
		cfg.AssertExpectations(t)
	})

	t.Run("UnknownPromptMode", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.SetReplayPromptEnabled(true)

		c, err := factory.Create(context.Background(), cfg, Options{Prompt: "carrier-pigeon"}, zap.NewNop())
		require.Error(t, err)
		assert.Nil(t, c)
		assert.Contains(t, err.Error(), "unknown prompt mode")
	})
}

package browser

import (
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
)

func TestLaunchFlags(t *testing.T) {
	t.Run("headless", func(t *testing.T) {
		flags := launchFlags(config.BrowserConfig{Headless: true, WindowWidth: 1280, WindowHeight: 800})
		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["hide-scrollbars"])
		assert.Equal(t, true, flags["mute-audio"])
		assert.Equal(t, "1280,800", flags["window-size"])
		assert.Equal(t, true, flags["no-sandbox"])
	})

	t.Run("headful overrides the default", func(t *testing.T) {
		flags := launchFlags(config.BrowserConfig{Headless: false, WindowWidth: 1280})
		assert.Equal(t, false, flags["headless"])
		assert.NotContains(t, flags, "mute-audio")
		assert.NotContains(t, flags, "window-size", "a partial size is ignored")
	})
}

func TestAllocatorOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions)
	cfg := config.BrowserConfig{Headless: true}

	opts := AllocatorOptions(cfg)
	assert.Len(t, opts, base+len(launchFlags(cfg)))

	cfg.ExecPath = "/usr/bin/chromium"
	cfg.UserDataDir = "/tmp/profile"
	assert.Len(t, AllocatorOptions(cfg), base+len(launchFlags(cfg))+2)
}

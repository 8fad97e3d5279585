// Package browser drives Chrome over the DevTools protocol on behalf of a
// replay session. Browser implements the session's Host and Content
// collaborators; everything Chrome reports comes back as schemas messages.
package browser

import (
	"fmt"
	"sort"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
)

// launchFlags are the Chrome command line switches derived from the config,
// on top of chromedp's defaults.
func launchFlags(cfg config.BrowserConfig) map[string]any {
	flags := map[string]any{
		// Required on hardened hosts and in containers.
		"no-sandbox":             true,
		"disable-dev-shm-usage":  true,
		"disable-popup-blocking": true,
		// chromedp's defaults are headless.
		"headless": cfg.Headless,
	}
	if cfg.Headless {
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight)
	}
	return flags
}

// AllocatorOptions translates the browser config into chromedp allocator
// options.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)

	flags := launchFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	return opts
}

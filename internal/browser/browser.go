package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
)

//go:embed content.js
var contentScript string

var (
	// ErrClosed is returned once the browser has been shut down.
	ErrClosed = errors.New("browser is closed")
	// ErrUnknownTab is returned for tab ids the browser is not tracking.
	ErrUnknownTab = errors.New("unknown tab")
	// ErrUnknownDocument is returned for documents no tab currently shows.
	ErrUnknownDocument = errors.New("unknown document")
)

// Browser owns one Chrome process. It implements replay.Host and
// replay.Content; every method returns immediately and the outcome arrives
// through the deliver function.
type Browser struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	deliver atomic.Pointer[func(schemas.Message) bool]
	ready   atomic.Bool

	mu        sync.RWMutex
	closed    bool
	tabs      map[string]*tab
	order     []string
	active    string
	docs      map[string]string
	windows   map[cdpbrowser.WindowID]int
	downloads map[string]schemas.DownloadEvent

	wg sync.WaitGroup
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	window cdpbrowser.WindowID

	// info is guarded by Browser.mu.
	info schemas.TabInfo

	mu sync.Mutex
	tr *translator
}

var (
	_ replay.Host    = (*Browser)(nil)
	_ replay.Content = (*Browser)(nil)
)

// Launch starts Chrome and attaches to its first tab.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	log := logger.Named("browser")
	rootCtx, rootCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(log.Sugar().Debugf))

	b := &Browser{
		cfg:         cfg,
		logger:      log,
		ctx:         rootCtx,
		cancel:      rootCancel,
		allocCancel: allocCancel,
		tabs:        make(map[string]*tab),
		docs:        make(map[string]string),
		windows:     make(map[cdpbrowser.WindowID]int),
		downloads:   make(map[string]schemas.DownloadEvent),
	}
	chromedp.ListenBrowser(rootCtx, b.onBrowserEvent)

	if err := chromedp.Run(rootCtx, instrument()); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	c := chromedp.FromContext(rootCtx)
	err := chromedp.Run(rootCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorDefault).
			WithEventsEnabled(true).
			Do(cdp.WithExecutor(ctx, c.Browser))
	}))
	if err != nil {
		log.Warn("Download events are unavailable.", zap.Error(err))
	}

	root := &tab{ctx: rootCtx, tr: newTranslator(string(c.Target.TargetID))}
	root.info = schemas.TabInfo{ID: string(c.Target.TargetID), URL: "about:blank"}
	b.register(root)
	chromedp.ListenTarget(rootCtx, b.listener(root))
	b.ready.Store(true)

	log.Info("Browser launched.", zap.Bool("headless", cfg.Headless), zap.String("tab", root.info.ID))
	return b, nil
}

// SetDeliver installs the function that receives everything Chrome reports.
// Messages observed before it is set are dropped.
func (b *Browser) SetDeliver(f func(schemas.Message) bool) {
	b.deliver.Store(&f)
}

// Close terminates Chrome and waits for in-flight operations.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	b.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

// instrument installs the content layer into the current target and every
// document it loads from now on.
func instrument() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := runtime.AddBinding(bindingName).Do(ctx); err != nil {
			return fmt.Errorf("failed to add content binding: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(contentScript).WithRunImmediately(true).Do(ctx); err != nil {
			return fmt.Errorf("failed to inject content script: %w", err)
		}
		return nil
	})
}

// async runs f on its own goroutine unless the browser is closed.
func (b *Browser) async(f func()) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
	return nil
}

func (b *Browser) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.OpTimeout > 0 {
		return context.WithTimeout(parent, b.cfg.OpTimeout)
	}
	return context.WithCancel(parent)
}

// browserExec runs a browser-level command, which a page target refuses.
func (b *Browser) browserExec(f func(ctx context.Context) error) error {
	ctx, cancel := b.opContext(b.ctx)
	defer cancel()
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return ErrClosed
	}
	return f(cdp.WithExecutor(ctx, c.Browser))
}

func (b *Browser) emit(msgs ...schemas.Message) {
	f := b.deliver.Load()
	if f == nil {
		return
	}
	for _, m := range msgs {
		if !(*f)(m) {
			b.logger.Debug("Message not delivered.", zap.String("type", fmt.Sprintf("%T", m)))
		}
	}
}

func (b *Browser) tab(id string) (*tab, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}
	return t, nil
}

// register adds a tab and reports whether it opened a new window.
func (b *Browser) register(t *tab) bool {
	id := t.info.ID
	var window cdpbrowser.WindowID
	err := b.browserExec(func(ctx context.Context) error {
		var err error
		window, _, err = cdpbrowser.GetWindowForTarget().WithTargetID(target.ID(id)).Do(ctx)
		return err
	})
	if err != nil {
		b.logger.Debug("Could not resolve the tab's window.", zap.String("tab", id), zap.Error(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t.window = window
	b.tabs[id] = t
	b.order = append(b.order, id)
	b.active = id
	b.windows[window]++
	return b.windows[window] == 1
}

func (b *Browser) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if !b.ready.Load() || e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		info := *e.TargetInfo
		_ = b.async(func() { b.attach(info) })
	case *target.EventTargetInfoChanged:
		if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		b.mu.Lock()
		t, ok := b.tabs[string(e.TargetInfo.TargetID)]
		if !ok || (t.info.Title == e.TargetInfo.Title && t.info.URL == e.TargetInfo.URL) {
			b.mu.Unlock()
			return
		}
		t.info.Title = e.TargetInfo.Title
		t.info.URL = e.TargetInfo.URL
		info := b.infoLocked(t)
		b.mu.Unlock()
		b.emit(schemas.TabEvent{Kind: schemas.TabUpdated, Tab: info})
	case *target.EventTargetDestroyed:
		b.remove(string(e.TargetID))
	case *cdpbrowser.EventDownloadWillBegin:
		d := schemas.DownloadEvent{GUID: e.GUID, URL: e.URL}
		b.mu.Lock()
		if _, ok := b.tabs[string(e.FrameID)]; ok {
			d.TabID = string(e.FrameID)
		}
		b.downloads[e.GUID] = d
		b.mu.Unlock()
		b.emit(d)
	case *cdpbrowser.EventDownloadProgress:
		if e.State != cdpbrowser.DownloadProgressStateCompleted && e.State != cdpbrowser.DownloadProgressStateCanceled {
			return
		}
		b.mu.Lock()
		d, ok := b.downloads[e.GUID]
		delete(b.downloads, e.GUID)
		b.mu.Unlock()
		if ok {
			d.Finished = true
			b.emit(d)
		}
	}
}

// attach connects to a page target Chrome just created.
func (b *Browser) attach(info target.Info) {
	id := string(info.TargetID)
	b.mu.RLock()
	_, known := b.tabs[id]
	b.mu.RUnlock()
	if known {
		return
	}

	ctx, cancel := chromedp.NewContext(b.ctx, chromedp.WithTargetID(info.TargetID))
	t := &tab{ctx: ctx, cancel: cancel, tr: newTranslator(id)}
	t.info = schemas.TabInfo{ID: id, Title: info.Title, URL: info.URL}
	chromedp.ListenTarget(ctx, b.listener(t))
	if err := chromedp.Run(ctx, instrument()); err != nil {
		cancel()
		b.logger.Warn("Failed to attach to new tab.", zap.String("tab", id), zap.Error(err))
		return
	}

	window := b.register(t)
	b.mu.RLock()
	tabInfo := b.infoLocked(t)
	b.mu.RUnlock()
	b.logger.Debug("Tab attached.", zap.String("tab", id), zap.Bool("window", window))
	b.emit(schemas.TabEvent{Kind: schemas.TabCreated, Tab: tabInfo, Window: window})
}

func (b *Browser) remove(id string) {
	b.mu.Lock()
	t, ok := b.tabs[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.tabs, id)
	for i, tid := range b.order {
		if tid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.windows[t.window]--
	window := b.windows[t.window] <= 0
	if window {
		delete(b.windows, t.window)
	}
	if b.active == id {
		b.active = ""
		if n := len(b.order); n > 0 {
			b.active = b.order[n-1]
		}
	}
	info := t.info
	b.mu.Unlock()

	t.mu.Lock()
	gone := t.tr.detach()
	t.mu.Unlock()
	b.forget(gone)
	b.emit(gone...)
	b.emit(schemas.TabEvent{Kind: schemas.TabRemoved, Tab: info, Window: window})
	// Cancelling waits on the target; never do that from a listener.
	if t.cancel != nil {
		_ = b.async(t.cancel)
	}
}

// listener translates one tab's CDP events. chromedp calls it from a single
// goroutine and it must not block.
func (b *Browser) listener(t *tab) func(ev any) {
	return func(ev any) {
		t.mu.Lock()
		msgs := t.tr.translate(ev)
		t.mu.Unlock()
		if len(msgs) == 0 {
			return
		}
		b.track(t, msgs)
		b.emit(msgs...)
	}
}

// track keeps the tab and document caches in step with outgoing messages.
func (b *Browser) track(t *tab, msgs []schemas.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range msgs {
		switch m := m.(type) {
		case schemas.NavigationEvent:
			if m.Kind == schemas.NavCommitted {
				t.info.URL = m.URL
			}
		case schemas.DocumentConnected:
			b.docs[m.DocumentID] = t.info.ID
			if m.Title != "" {
				t.info.Title = m.Title
			}
		case schemas.DocumentDisconnected:
			delete(b.docs, m.DocumentID)
		case schemas.RecordedEvent:
			m.Tab = schemas.TabDescriptor{Title: t.info.Title, URL: t.info.URL}
			msgs[i] = m
		}
	}
}

func (b *Browser) forget(msgs []schemas.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		if d, ok := m.(schemas.DocumentDisconnected); ok {
			delete(b.docs, d.DocumentID)
		}
	}
}

func (b *Browser) infoLocked(t *tab) schemas.TabInfo {
	info := t.info
	info.Active = info.ID == b.active
	return info
}

// -- replay.Host --

// Tabs implements replay.Host.
func (b *Browser) Tabs() []schemas.TabInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]schemas.TabInfo, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.infoLocked(b.tabs[id]))
	}
	return out
}

// CurrentURL implements replay.Host.
func (b *Browser) CurrentURL(tabID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.tabs[tabID]; ok {
		return t.info.URL
	}
	return ""
}

// Navigate implements replay.Host. Failures surface as a NavError.
func (b *Browser) Navigate(tabID, url string) error {
	t, err := b.tab(tabID)
	if err != nil {
		return err
	}
	return b.async(func() {
		ctx, cancel := b.opContext(t.ctx)
		defer cancel()
		var errText string
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			_, _, errText, _, err = page.Navigate(url).Do(ctx)
			return err
		}))
		if err != nil {
			errText = err.Error()
		}
		if errText != "" {
			b.logger.Debug("Navigation failed.", zap.String("tab", tabID), zap.String("url", url), zap.String("error", errText))
			b.emit(schemas.NavigationEvent{Kind: schemas.NavError, TabID: tabID, URL: url, MainFrame: true, Error: errText})
		}
	})
}

// OpenTab implements replay.Host. The new tab is announced with a TabCreated.
func (b *Browser) OpenTab(url string, window bool) error {
	if url == "" {
		url = "about:blank"
	}
	return b.async(func() {
		err := b.browserExec(func(ctx context.Context) error {
			_, err := target.CreateTarget(url).WithNewWindow(window).Do(ctx)
			return err
		})
		if err != nil {
			b.logger.Warn("Failed to open tab.", zap.String("url", url), zap.Bool("window", window), zap.Error(err))
		}
	})
}

// CloseTab implements replay.Host. The closure is announced with a TabRemoved.
func (b *Browser) CloseTab(tabID string) error {
	if _, err := b.tab(tabID); err != nil {
		return err
	}
	return b.async(func() {
		err := b.browserExec(func(ctx context.Context) error {
			return target.CloseTarget(target.ID(tabID)).Do(ctx)
		})
		if err != nil {
			b.logger.Warn("Failed to close tab.", zap.String("tab", tabID), zap.Error(err))
		}
	})
}

// FocusTab implements replay.Host. Chrome does not report activation, so the
// TabActivated is synthesized once the command succeeds.
func (b *Browser) FocusTab(tabID string) error {
	if _, err := b.tab(tabID); err != nil {
		return err
	}
	return b.async(func() {
		err := b.browserExec(func(ctx context.Context) error {
			return target.ActivateTarget(target.ID(tabID)).Do(ctx)
		})
		if err != nil {
			b.logger.Warn("Failed to focus tab.", zap.String("tab", tabID), zap.Error(err))
			return
		}
		b.mu.Lock()
		t, ok := b.tabs[tabID]
		if !ok {
			b.mu.Unlock()
			return
		}
		b.active = tabID
		info := b.infoLocked(t)
		b.mu.Unlock()
		b.emit(schemas.TabEvent{Kind: schemas.TabActivated, Tab: info})
	})
}

// DismissDialog implements replay.Host.
func (b *Browser) DismissDialog(tabID string) error {
	t, err := b.tab(tabID)
	if err != nil {
		return err
	}
	return b.async(func() {
		ctx, cancel := b.opContext(t.ctx)
		defer cancel()
		if err := chromedp.Run(ctx, page.HandleJavaScriptDialog(false)); err != nil {
			b.logger.Warn("Failed to dismiss dialog.", zap.String("tab", tabID), zap.Error(err))
		}
	})
}

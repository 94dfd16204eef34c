package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// AutomationHandle is the opaque automation-library handle the manager
// tears down after the browser handle. Concretely a managed rod
// launcher process.
type AutomationHandle interface {
	Stop() error
}

// BrowserHandle is the opaque browser handle the manager navigates and
// closes. Concretely a rod browser connection.
type BrowserHandle interface {
	Navigate(url string, timeout time.Duration) error
	Close() error
}

// Launcher launches a browser pointed at a display and returns its
// automation and browser handles. The default implementation drives
// go-rod; tests substitute a fake.
type Launcher interface {
	Launch(display string, width, height int) (AutomationHandle, BrowserHandle, error)
}

// RodLauncher is the default Launcher, using a managed rod launcher
// process per browser.
type RodLauncher struct {
	// ServiceURL is the rod launcher-manager endpoint (see
	// launcher.NewManaged); empty uses the local default launcher.
	ServiceURL string
}

func (l RodLauncher) Launch(display string, width, height int) (AutomationHandle, BrowserHandle, error) {
	lnch, err := launcher.NewManaged(l.ServiceURL)
	if err != nil {
		return nil, nil, fmt.Errorf("manager: launcher: %w", err)
	}
	lnch = lnch.Env("DISPLAY=" + display)

	client, err := lnch.Client()
	if err != nil {
		return nil, nil, fmt.Errorf("manager: launcher client: %w", err)
	}

	browser := rod.New().Client(client)
	if err := browser.Connect(); err != nil {
		return nil, nil, fmt.Errorf("manager: browser connect: %w", err)
	}

	return &rodLauncherHandle{launcher: lnch}, &rodBrowser{browser: browser, width: width, height: height}, nil
}

type rodLauncherHandle struct {
	launcher *launcher.Launcher
}

func (h *rodLauncherHandle) Stop() error {
	h.launcher.Kill()
	return nil
}

type rodBrowser struct {
	browser       *rod.Browser
	width, height int
}

func (b *rodBrowser) Navigate(url string, timeout time.Duration) error {
	page, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("manager: open page: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             b.width,
		Height:            b.height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		return fmt.Errorf("manager: set viewport: %w", err)
	}
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("manager: navigate: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := waitDOMContentLoaded(ctx, page); err != nil {
		return fmt.Errorf("manager: wait for DOM content loaded: %w", err)
	}
	return nil
}

func (b *rodBrowser) Close() error {
	return b.browser.Close()
}

// waitDOMContentLoaded blocks until the page's lifecycle reports the
// DOMContentLoaded event, not rod's WaitLoad (the later window "load"
// event). Attempts(0) is unbounded; ctx bounds both each event wait and
// the retry loop.
func waitDOMContentLoaded(ctx context.Context, page *rod.Page) error {
	return retry.Do(
		func() error {
			e := &proto.PageLifecycleEvent{}
			page.Context(ctx).WaitEvent(e)()
			if e.Name != "DOMContentLoaded" {
				return fmt.Errorf("lifecycle event %q", e.Name)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(0),
	)
}

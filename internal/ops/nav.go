package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/device"
)

// hardenScript is injected before any page script runs, closing the
// most common headless-detection vectors.
const hardenScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
window.chrome = window.chrome || { runtime: {} };
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
`

// waitPolicy describes how long to linger on a page after navigation
// completes, per the per-operation execution table.
type waitPolicy struct {
	// selector, if set, is awaited visible before continuing.
	selector string
	// fixed is an additional fixed delay applied after navigation (and
	// after the selector wait, if any).
	fixed time.Duration
}

// navOptions configures one navigate-and-settle pass.
type navOptions struct {
	url            string
	timeout        time.Duration
	blockResources []string // subset of "image", "stylesheet", "font", "media"
	wait           waitPolicy
	mobile         bool
}

// harden applies anti-detection overrides and, if requested,
// resource-type blocking, then navigates and applies the wait policy.
// It is called once per freshly opened page, before anything else.
func harden(ctx context.Context, opt navOptions) error {
	navCtx, cancel := context.WithTimeout(ctx, opt.timeout)
	defer cancel()

	var tasks chromedp.Tasks
	if opt.mobile {
		tasks = append(tasks, chromedp.Emulate(device.IPhoneX))
	}
	if len(opt.blockResources) > 0 {
		tasks = append(tasks, blockResourceTypes(opt.blockResources))
	}
	tasks = append(tasks,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hardenScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(opt.url),
	)
	if opt.wait.selector != "" {
		tasks = append(tasks, chromedp.WaitVisible(opt.wait.selector, chromedp.ByQuery))
	} else {
		tasks = append(tasks, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if opt.wait.fixed > 0 {
		tasks = append(tasks, chromedp.Sleep(opt.wait.fixed))
	}

	if err := chromedp.Run(navCtx, tasks); err != nil {
		return fmt.Errorf("ops: navigate %s: %w", opt.url, err)
	}
	return nil
}

// blockResourceTypes installs a Fetch-domain request interceptor that
// fails requests whose resource type is in the given set, trimming
// load time for operations that only need the DOM or rendered pixels.
func blockResourceTypes(types []string) chromedp.Action {
	blocked := make(map[string]bool, len(types))
	for _, t := range types {
		blocked[t] = true
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		chromedp.ListenTarget(ctx, func(ev interface{}) {
			rev, ok := ev.(*fetch.EventRequestPaused)
			if !ok {
				return
			}
			go func() {
				c := chromedp.FromContext(ctx)
				execCtx := cdp.WithExecutor(ctx, c.Target)
				if blocked[normalizeResourceType(string(rev.ResourceType))] {
					_ = fetch.FailRequest(rev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
				} else {
					_ = fetch.ContinueRequest(rev.RequestID).Do(execCtx)
				}
			}()
		})
		return fetch.Enable().Do(ctx)
	})
}

func normalizeResourceType(rt string) string {
	switch rt {
	case "Image":
		return "image"
	case "Stylesheet":
		return "stylesheet"
	case "Font":
		return "font"
	case "Media":
		return "media"
	default:
		return rt
	}
}

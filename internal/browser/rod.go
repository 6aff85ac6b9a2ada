package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// NewRodFactory returns a Factory launching headless Chromium over CDP with
// flags suited to headless server environments.
func NewRodFactory(log *zap.Logger) Factory {
	return func(ctx context.Context) (Browser, error) {
		l := launcher.New().
			Headless(true).
			Set("no-sandbox").
			Set("disable-setuid-sandbox").
			Set("disable-dev-shm-usage").
			Set("disable-gpu").
			Set("mute-audio").
			Set("no-first-run").
			Set("no-default-browser-check")

		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launching browser: %w", err)
		}

		b := rod.New().ControlURL(url).Context(ctx)
		if err := b.Connect(); err != nil {
			l.Cleanup()
			return nil, fmt.Errorf("connecting to browser: %w", err)
		}
		log.Debug("browser launched", zap.String("url", url))
		return &rodBrowser{b: b, launcher: l}, nil
	}
}

type rodBrowser struct {
	b        *rod.Browser
	launcher *launcher.Launcher
}

func (rb *rodBrowser) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	inc, err := rb.b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("opening incognito context: %w", err)
	}
	return &rodContext{b: inc.Context(ctx), ctx: ctx, opts: opts}, nil
}

// Healthy verifies the browser can still create and drive a page.
func (rb *rodBrowser) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := rb.b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer page.Close()
	return page.Context(ctx).Navigate("about:blank") == nil
}

func (rb *rodBrowser) Close() error {
	err := rb.b.Close()
	rb.launcher.Cleanup()
	return err
}

type rodContext struct {
	b    *rod.Browser // incognito context
	ctx  context.Context
	opts ContextOptions
}

func (rc *rodContext) NewPage() (Page, error) {
	page, err := rc.b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("opening page: %w", err)
	}
	page = page.Context(rc.ctx)

	if rc.opts.Width > 0 && rc.opts.Height > 0 {
		err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             rc.opts.Width,
			Height:            rc.opts.Height,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			page.Close()
			return nil, fmt.Errorf("setting viewport: %w", err)
		}
	}
	if rc.opts.UserAgent != "" {
		err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: rc.opts.UserAgent})
		if err != nil {
			page.Close()
			return nil, fmt.Errorf("setting user agent: %w", err)
		}
	}
	return &rodPage{pg: page}, nil
}

func (rc *rodContext) Close() error { return rc.b.Close() }

type rodPage struct {
	pg *rod.Page
}

func (p *rodPage) Navigate(url string) error {
	if err := p.pg.Navigate(url); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return p.pg.WaitLoad()
}

func (p *rodPage) WaitLoad() error { return p.pg.WaitLoad() }

func (p *rodPage) Title() (string, error) {
	info, err := p.pg.Info()
	if err != nil {
		return "", fmt.Errorf("reading page info: %w", err)
	}
	return info.Title, nil
}

func (p *rodPage) URL() (string, error) {
	info, err := p.pg.Info()
	if err != nil {
		return "", fmt.Errorf("reading page info: %w", err)
	}
	return info.URL, nil
}

func (p *rodPage) HTML() (string, error) { return p.pg.HTML() }

func (p *rodPage) Text(selector string) (string, error) {
	el, err := p.pg.Element(selector)
	if err != nil {
		return "", fmt.Errorf("finding %q: %w", selector, err)
	}
	return el.Text()
}

func (p *rodPage) Click(selector string) error {
	el, err := p.pg.Element(selector)
	if err != nil {
		return fmt.Errorf("finding %q: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Type(selector, text string) error {
	el, err := p.pg.Element(selector)
	if err != nil {
		return fmt.Errorf("finding %q: %w", selector, err)
	}
	return el.Input(text)
}

func (p *rodPage) WaitSelector(selector string, timeout time.Duration) error {
	if _, err := p.pg.Timeout(timeout).Element(selector); err != nil {
		return fmt.Errorf("waiting for %q: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Eval(js string) (string, error) {
	res, err := p.pg.Eval(js)
	if err != nil {
		return "", fmt.Errorf("evaluating in page: %w", err)
	}
	out, err := json.Marshal(res.Value.Val())
	if err != nil {
		return "", fmt.Errorf("marshaling page result: %w", err)
	}
	return string(out), nil
}

func (p *rodPage) Screenshot(fullPage bool) ([]byte, error) {
	return p.pg.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) PDF() ([]byte, error) {
	r, err := p.pg.PDF(&proto.PagePrintToPDF{})
	if err != nil {
		return nil, fmt.Errorf("printing pdf: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Record pipes CDP screencast frames into ffmpeg until stop is called. The
// file only exists if ffmpeg is installed and at least one frame arrived.
func (p *rodPage) Record(path string) (func() error, error) {
	cmd := exec.Command("ffmpeg",
		"-y", "-loglevel", "error",
		"-f", "image2pipe", "-framerate", "10", "-i", "pipe:0",
		"-c:v", "libvpx", "-auto-alt-ref", "0",
		path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	recCtx, cancel := context.WithCancel(context.Background())
	evPage := p.pg.Context(recCtx)
	wait := evPage.EachEvent(func(e *proto.PageScreencastFrame) {
		_, _ = stdin.Write(e.Data)
		_ = proto.PageScreencastFrameAck{SessionID: e.SessionID}.Call(p.pg)
	})
	go wait()

	every := 2
	if err := (proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatPng,
		EveryNthFrame: &every,
	}).Call(p.pg); err != nil {
		cancel()
		stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("starting screencast: %w", err)
	}

	stop := func() error {
		_ = proto.PageStopScreencast{}.Call(p.pg)
		cancel()
		stdin.Close()
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("finalizing recording: %w", err)
		}
		return nil
	}
	return stop, nil
}

func (p *rodPage) Close() error { return p.pg.Close() }

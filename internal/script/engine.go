// Package script runs user automation scripts on a per-job QuickJS VM. The
// VM exposes only the page object, sleep and the JS built-ins; there is no
// module loader and no host I/O. Page operations are Go-backed synchronous
// bindings, so the awaited promise settles through microtask pumping.
package script

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"modernc.org/quickjs"

	"github.com/browserd/browserd/internal/browser"
)

// ErrTimeout: main did not settle within the job's timeout.
var ErrTimeout = errors.New("script execution timed out")

// ErrUnmarshalable: main's return value has no JSON representation.
var ErrUnmarshalable = errors.New("unmarshalable result")

// pageScopeJS builds the restricted scope. Raw bindings are registered from
// Go first; this shapes them into the page object scripts use.
const pageScopeJS = `
globalThis.sleep = function(ms) { return __sleep(ms | 0); };
globalThis.page = {
	goto: function(url) { return __page_goto(String(url)); },
	title: function() { return __page_title(); },
	url: function() { return __page_url(); },
	content: function() { return __page_content(); },
	textContent: function(sel) { return __page_text(String(sel)); },
	click: function(sel) { return __page_click(String(sel)); },
	type: function(sel, text) { return __page_type(String(sel), String(text)); },
	waitForSelector: function(sel, opts) {
		var t = (opts && opts.timeout) ? (opts.timeout | 0) : 30000;
		return __page_wait_selector(String(sel), t);
	},
	evaluate: function(expr) { return JSON.parse(__page_eval(String(expr))); },
	screenshot: function(opts) {
		var full = opts === true || !!(opts && opts.fullPage);
		return __page_screenshot(full);
	},
	pdf: function() { return __page_pdf(); }
};
`

const awaitResultJS = `
(function() {
	globalThis.__awaited_state = "pending";
	Promise.resolve(globalThis.__call_result).then(
		function(v) { globalThis.__awaited_result = v; globalThis.__awaited_state = "fulfilled"; },
		function(e) {
			globalThis.__awaited_result = (e && e.message) ? String(e.message) : String(e);
			globalThis.__awaited_state = "rejected";
		});
})()
`

// Engine creates one VM per job. Stateless and safe for concurrent use.
type Engine struct {
	memoryLimitMB int
}

func NewEngine(memoryLimitMB int) *Engine {
	return &Engine{memoryLimitMB: memoryLimitMB}
}

// Run evaluates the script, calls main(page) and awaits its return value.
// The returned JSON is main's result. Timeout and ctx cancellation both
// interrupt the VM; blocked page operations abort through ctx.
func (e *Engine) Run(ctx context.Context, scriptSrc string, page browser.Page, timeout time.Duration) (out json.RawMessage, err error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating VM: %w", err)
	}
	defer vm.Close()

	if e.memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(e.memoryLimitMB) * 1024 * 1024)
	}

	rt := &vmRuntime{vm: vm}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
		vm.Interrupt()
	})
	defer watchdog.Stop()

	// Shutdown and parent deadline also interrupt the VM.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt()
		case <-stopWatch:
		}
	}()

	deadline := time.Now().Add(timeout)

	defer func() {
		if r := recover(); r != nil {
			if timedOut.Load() {
				err = fmt.Errorf("after %v: %w", timeout, ErrTimeout)
			} else {
				err = fmt.Errorf("script engine panic: %v", r)
			}
			out = nil
		}
	}()

	if err := bindPage(rt, runCtx, page); err != nil {
		return nil, fmt.Errorf("binding page scope: %w", err)
	}
	if err := rt.Eval(pageScopeJS); err != nil {
		return nil, fmt.Errorf("building page scope: %w", err)
	}

	if err := rt.Eval(scriptSrc); err != nil {
		return nil, e.classify(fmt.Errorf("evaluating script: %w", err), &timedOut, timeout)
	}

	isMain, err := rt.EvalBool("typeof main === 'function'")
	if err != nil || !isMain {
		return nil, fmt.Errorf("script does not declare a callable main")
	}

	callResult, err := vm.EvalValue(`(function() { return main(globalThis.page); })()`, quickjs.EvalGlobal)
	if err != nil {
		return nil, e.classify(fmt.Errorf("invoking main: %w", err), &timedOut, timeout)
	}
	atom, err := vm.NewAtom("__call_result")
	if err != nil {
		callResult.Free()
		return nil, fmt.Errorf("storing call result: %w", err)
	}
	glob := vm.GlobalObject()
	if err := glob.SetProperty(atom, callResult); err != nil {
		glob.Free()
		callResult.Free()
		return nil, fmt.Errorf("storing call result: %w", err)
	}
	glob.Free()
	callResult.Free()

	if err := rt.Eval(awaitResultJS); err != nil {
		return nil, e.classify(fmt.Errorf("awaiting main: %w", err), &timedOut, timeout)
	}

	for {
		rt.RunMicrotasks()
		state, err := rt.EvalString("globalThis.__awaited_state")
		if err != nil {
			return nil, e.classify(fmt.Errorf("polling result: %w", err), &timedOut, timeout)
		}
		if state == "rejected" {
			if timedOut.Load() {
				return nil, fmt.Errorf("after %v: %w", timeout, ErrTimeout)
			}
			msg, _ := rt.EvalString("String(globalThis.__awaited_result)")
			return nil, fmt.Errorf("script error: %s", msg)
		}
		if state == "fulfilled" {
			break
		}
		if timedOut.Load() || time.Now().After(deadline) {
			return nil, fmt.Errorf("after %v: %w", timeout, ErrTimeout)
		}
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("script canceled: %w", runCtx.Err())
		}
		time.Sleep(time.Millisecond)
	}

	jsonStr, err := rt.EvalString(`
		(function() {
			var r = globalThis.__awaited_result;
			if (r === undefined || r === null) return "null";
			try {
				var s = JSON.stringify(r);
				return s === undefined ? "__unserializable__" : s;
			} catch (e) {
				return "__unserializable__";
			}
		})()`)
	if err != nil {
		return nil, fmt.Errorf("serializing result: %w", err)
	}
	if jsonStr == "__unserializable__" {
		return nil, ErrUnmarshalable
	}
	if !json.Valid([]byte(jsonStr)) {
		return nil, ErrUnmarshalable
	}
	return json.RawMessage(jsonStr), nil
}

// classify maps a VM error to ErrTimeout when the watchdog fired.
func (e *Engine) classify(err error, timedOut *atomic.Bool, timeout time.Duration) error {
	if timedOut.Load() {
		return fmt.Errorf("after %v: %w", timeout, ErrTimeout)
	}
	return err
}

// bindPage registers the Go-backed raw page operations. Every call checks
// ctx first so a timed-out or canceled job aborts instead of driving the
// browser further.
func bindPage(rt *vmRuntime, ctx context.Context, page browser.Page) error {
	guard := func() error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution canceled: %w", err)
		}
		return nil
	}

	bindings := map[string]any{
		"__page_goto": func(url string) (bool, error) {
			if err := guard(); err != nil {
				return false, err
			}
			if err := page.Navigate(url); err != nil {
				return false, err
			}
			return true, nil
		},
		"__page_title": func() (string, error) {
			if err := guard(); err != nil {
				return "", err
			}
			return page.Title()
		},
		"__page_url": func() (string, error) {
			if err := guard(); err != nil {
				return "", err
			}
			return page.URL()
		},
		"__page_content": func() (string, error) {
			if err := guard(); err != nil {
				return "", err
			}
			return page.HTML()
		},
		"__page_text": func(sel string) (string, error) {
			if err := guard(); err != nil {
				return "", err
			}
			return page.Text(sel)
		},
		"__page_click": func(sel string) (bool, error) {
			if err := guard(); err != nil {
				return false, err
			}
			if err := page.Click(sel); err != nil {
				return false, err
			}
			return true, nil
		},
		"__page_type": func(sel, text string) (bool, error) {
			if err := guard(); err != nil {
				return false, err
			}
			if err := page.Type(sel, text); err != nil {
				return false, err
			}
			return true, nil
		},
		"__page_wait_selector": func(sel string, timeoutMS int) (bool, error) {
			if err := guard(); err != nil {
				return false, err
			}
			if err := page.WaitSelector(sel, time.Duration(timeoutMS)*time.Millisecond); err != nil {
				return false, err
			}
			return true, nil
		},
		"__page_eval": func(js string) (string, error) {
			if err := guard(); err != nil {
				return "", err
			}
			return page.Eval(js)
		},
		"__page_screenshot": func(fullPage bool) (string, error) {
			if err := guard(); err != nil {
				return "", err
			}
			data, err := page.Screenshot(fullPage)
			if err != nil {
				return "", err
			}
			return base64.StdEncoding.EncodeToString(data), nil
		},
		"__page_pdf": func() (string, error) {
			if err := guard(); err != nil {
				return "", err
			}
			data, err := page.PDF()
			if err != nil {
				return "", err
			}
			return base64.StdEncoding.EncodeToString(data), nil
		},
		"__sleep": func(ms int) (bool, error) {
			if err := guard(); err != nil {
				return false, err
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return true, nil
			case <-ctx.Done():
				return false, fmt.Errorf("sleep interrupted: %w", ctx.Err())
			}
		},
	}

	for name, fn := range bindings {
		if err := rt.RegisterFunc(name, fn); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBrowser struct {
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeBrowser(healthy bool) *fakeBrowser {
	b := &fakeBrowser{}
	b.healthy.Store(healthy)
	return b
}

func (b *fakeBrowser) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	return &fakeContext{}, nil
}
func (b *fakeBrowser) Healthy() bool { return b.healthy.Load() }
func (b *fakeBrowser) Close() error  { b.closed.Store(true); return nil }

type fakeContext struct{}

func (c *fakeContext) NewPage() (Page, error) { return &fakePage{}, nil }
func (c *fakeContext) Close() error           { return nil }

type fakePage struct{}

func (p *fakePage) Navigate(string) error                      { return nil }
func (p *fakePage) WaitLoad() error                            { return nil }
func (p *fakePage) Title() (string, error)                     { return "", nil }
func (p *fakePage) URL() (string, error)                       { return "", nil }
func (p *fakePage) HTML() (string, error)                      { return "", nil }
func (p *fakePage) Text(string) (string, error)                { return "", nil }
func (p *fakePage) Click(string) error                         { return nil }
func (p *fakePage) Type(string, string) error                  { return nil }
func (p *fakePage) WaitSelector(string, time.Duration) error   { return nil }
func (p *fakePage) Eval(string) (string, error)                { return "null", nil }
func (p *fakePage) Screenshot(bool) ([]byte, error)            { return nil, nil }
func (p *fakePage) PDF() ([]byte, error)                       { return nil, nil }
func (p *fakePage) Record(string) (func() error, error)        { return func() error { return nil }, nil }
func (p *fakePage) Close() error                               { return nil }

func fakeFactory(created *atomic.Int32) Factory {
	return func(ctx context.Context) (Browser, error) {
		created.Add(1)
		return newFakeBrowser(true), nil
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	var created atomic.Int32
	p, err := NewPool(context.Background(), 2, fakeFactory(&created), zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 2, p.Available())
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Available())

	p.Release(b)
	assert.Equal(t, 2, p.Available())
	assert.Equal(t, int32(2), created.Load())
}

func TestPoolAcquireBlocksAndUnblocks(t *testing.T) {
	var created atomic.Int32
	p, err := NewPool(context.Background(), 1, fakeFactory(&created), zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan Browser, 1)
	go func() {
		b2, err := p.Acquire(context.Background())
		if err == nil {
			got <- b2
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire returned while pool empty")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(b)
	select {
	case b2 := <-got:
		p.Release(b2)
	case <-time.After(time.Second):
		t.Fatal("waiter not unblocked by release")
	}
}

func TestPoolAcquireContextCancel(t *testing.T) {
	var created atomic.Int32
	p, err := NewPool(context.Background(), 1, fakeFactory(&created), zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.Error(t, err)
}

func TestPoolReplacesUnhealthyBrowser(t *testing.T) {
	var created atomic.Int32
	p, err := NewPool(context.Background(), 1, fakeFactory(&created), zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fb := b.(*fakeBrowser)
	fb.healthy.Store(false)

	p.Release(b)
	assert.True(t, fb.closed.Load(), "unhealthy browser must be closed")

	// Replacement restores pool size.
	require.Eventually(t, func() bool { return p.Available() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), created.Load())

	nb, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, b, nb)
	p.Release(nb)
}

func TestPoolFactoryFailureAtStartup(t *testing.T) {
	factory := func(ctx context.Context) (Browser, error) {
		return nil, errors.New("no chromium")
	}
	_, err := NewPool(context.Background(), 2, factory, zap.NewNop())
	assert.Error(t, err)
}

func TestPoolWarmup(t *testing.T) {
	var created atomic.Int32
	p, err := NewPool(context.Background(), 2, fakeFactory(&created), zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	p.Warmup(context.Background(), 2)
	assert.Equal(t, 2, p.Available())
}

func TestPoolCloseClosesBrowsers(t *testing.T) {
	var created atomic.Int32
	p, err := NewPool(context.Background(), 2, fakeFactory(&created), zap.NewNop())
	require.NoError(t, err)

	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Close()

	// Release after close just closes the browser.
	p.Release(b)
	assert.True(t, b.(*fakeBrowser).closed.Load())

	_, err = p.Acquire(context.Background())
	assert.Error(t, err)
}

package gpu

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"meshtrack/internal/config"
)

func TestDispatchRunsKernel(t *testing.T) {
	p := NewCPUPool(2, 4, nil)
	defer p.Close()

	var ran atomic.Bool
	f := p.Dispatch(context.Background(), "mark", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !ran.Load() {
		t.Fatalf("kernel did not run")
	}
}

func TestDispatchReportsExhaustion(t *testing.T) {
	p := NewCPUPool(1, 1, nil)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	first := p.Dispatch(context.Background(), "block", func(context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started
	second := p.Dispatch(context.Background(), "queued", func(context.Context) error { return nil })
	third := p.Dispatch(context.Background(), "overflow", func(context.Context) error { return nil })

	if err := third.Wait(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	close(block)
	if err := WaitAll(context.Background(), first, second); err != nil {
		t.Fatalf("expected queued kernels to finish, got %v", err)
	}
}

func TestKernelPanicBecomesError(t *testing.T) {
	p := NewCPUPool(1, 1, nil)
	defer p.Close()
	f := p.Dispatch(context.Background(), "boom", func(context.Context) error { panic("bad index") })
	if err := f.Wait(context.Background()); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestDispatchAfterClose(t *testing.T) {
	p := NewCPUPool(1, 1, nil)
	p.Close()
	f := p.Dispatch(context.Background(), "late", func(context.Context) error { return nil })
	if err := f.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestForEachBandCoversRange(t *testing.T) {
	p := NewCPUPool(3, 2, nil)
	defer p.Close()

	out := make([]int32, 103)
	err := ForEachBand(context.Background(), p, "fill", len(out), 10, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			atomic.AddInt32(&out[i], 1)
		}
	})
	if err != nil {
		t.Fatalf("for each band: %v", err)
	}
	for i, v := range out {
		if v != 1 {
			t.Fatalf("row %d visited %d times", i, v)
		}
	}
}

func TestForEachBandWithoutAccelerator(t *testing.T) {
	var sum int
	if err := ForEachBand(context.Background(), nil, "inline", 5, 2, func(lo, hi int) { sum += hi - lo }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != 5 {
		t.Fatalf("expected 5 rows, got %d", sum)
	}
}

// exhaustAfter runs the first n kernels synchronously and rejects the rest.
type exhaustAfter struct {
	n     int
	calls int
}

func (e *exhaustAfter) Name() string { return "stub" }
func (e *exhaustAfter) Close() error { return nil }

func (e *exhaustAfter) Dispatch(ctx context.Context, name string, k Kernel) *Future {
	e.calls++
	if e.calls > e.n {
		return Failed(name, ErrExhausted)
	}
	return Failed(name, k(ctx))
}

func TestForEachBandReportsExhaustion(t *testing.T) {
	var rows int
	fill := func(lo, hi int) { rows += hi - lo }

	err := ForEachBand(context.Background(), &exhaustAfter{n: 2}, "fill", 8, 2, fill)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if rows != 4 {
		t.Fatalf("expected dispatch to stop after two bands, got %d rows", rows)
	}

	rows = 0
	fellBack, err := RunBands(context.Background(), &exhaustAfter{n: 1}, "fill", 8, 2, fill)
	if err != nil || !fellBack {
		t.Fatalf("expected inline fallback, got fellBack=%v err=%v", fellBack, err)
	}
	if rows != 2+8 {
		t.Fatalf("expected the inline rerun to cover every row, got %d", rows)
	}
}

func TestFromConfig(t *testing.T) {
	acc, err := FromConfig(config.Accelerator{Backend: "cpu", Workers: 1, QueueDepth: 1}, nil)
	if err != nil {
		t.Fatalf("cpu backend: %v", err)
	}
	acc.Close()
	if _, err := FromConfig(config.Accelerator{Backend: "metal"}, nil); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunInvokesTicks(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())

	var ticks int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			if atomic.AddInt32(&ticks, 1) >= 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("应返回 context.Canceled, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度循环未按时结束")
	}

	if got := atomic.LoadInt32(&ticks); got < 3 {
		t.Fatalf("应至少执行 3 次, 实际 %d", got)
	}
}

func TestRunContinuesAfterTickError(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	var ticks int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			if atomic.AddInt32(&ticks, 1) >= 2 {
				cancel()
				return nil
			}
			return errors.New("上游故障")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("出错后调度循环应继续")
	}

	if got := atomic.LoadInt32(&ticks); got < 2 {
		t.Fatalf("出错不应停止循环, 实际执行 %d 次", got)
	}
}

func TestStartupDelayHonoursCancellation(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("应返回 context.Canceled, 实际 %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("取消后应立刻返回")
	}
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 8, 1, 12, 3, 17, 0, time.UTC)
	next := s.nextTick(now)
	want := time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("对齐刻度不正确: got %s want %s", next, want)
	}

	unaligned := New(Options{Interval: 5 * time.Minute}, zerolog.Nop())
	if got := unaligned.nextTick(now); !got.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("非对齐模式应为 now+interval: %s", got)
	}
}

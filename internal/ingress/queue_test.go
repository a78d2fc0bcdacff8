package ingress

import (
	"context"
	"testing"
	"time"
)

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(4, 1024)
	if p.Count() != 4 {
		t.Fatalf("count = %d, want 4", p.Count())
	}
	var got []*Buffer
	for i := 0; i < 4; i++ {
		b := p.Acquire()
		if b == nil {
			t.Fatalf("acquire %d returned nil", i)
		}
		got = append(got, b)
	}
	if p.Acquire() != nil {
		t.Fatal("expected exhausted pool to return nil")
	}
	p.Release(got[0])
	if p.Acquire() == nil {
		t.Fatal("expected released buffer to be reacquirable")
	}
}

func TestQueueRoundTrip(t *testing.T) {
	p := NewPool(1, 16)
	q := NewQueue(p)
	ctx := context.Background()

	b, ok := q.AcquireEmpty(ctx)
	if !ok || b == nil {
		t.Fatal("expected empty buffer available")
	}
	b.Size = 5
	copy(b.Bytes(), []byte("hello"))
	q.Fill(b)

	got, ok := q.ConsumeTimeout(ctx, time.Second)
	if !ok {
		t.Fatal("expected filled buffer to arrive")
	}
	if string(got.Bytes()) != "hello" {
		t.Fatalf("payload = %q", got.Bytes())
	}
	q.ReleaseEmpty(got)

	b2, ok := q.AcquireEmpty(ctx)
	if !ok || b2.ID != got.ID {
		t.Fatalf("expected released buffer id %d to be reused, got %+v ok=%v", got.ID, b2, ok)
	}
}

func TestConsumeTimeoutExpires(t *testing.T) {
	p := NewPool(1, 16)
	q := NewQueue(p)
	start := time.Now()
	_, ok := q.ConsumeTimeout(context.Background(), 20*time.Millisecond)
	if ok {
		t.Fatal("expected timeout when no buffer filled")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("returned too early")
	}
}

func TestAcquireEmptyCancellation(t *testing.T) {
	p := NewPool(0, 16)
	q := NewQueue(p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := q.AcquireEmpty(ctx)
	if ok {
		t.Fatal("expected cancellation with an empty pool")
	}
}

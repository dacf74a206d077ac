package recorder

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"stereo-recorder/pixbuf"
)

func TestPreviewHoldsOneReference(t *testing.T) {
	pool, err := pixbuf.NewPool(pixbuf.FormatNV12FullRange, 8, 4, pixbuf.PoolOptions{MaxBuffers: 4}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	var p Preview
	if b, _ := p.Acquire(); b != nil {
		t.Fatal("empty preview returned a buffer")
	}

	first, _ := pool.Acquire()
	p.Set(first, 1)
	first.Release()
	if got := pool.Stats().InUse; got != 1 {
		t.Errorf("InUse = %d after Set, want 1", got)
	}

	b, seq := p.Acquire()
	if b != first || seq != 1 {
		t.Errorf("Acquire() = %p, %d", b, seq)
	}
	if p.UpdatedAt().IsZero() {
		t.Error("UpdatedAt not set")
	}

	second, _ := pool.Acquire()
	p.Set(second, 2)
	second.Release()

	// The reader still holds first
	if got := pool.Stats().InUse; got != 2 {
		t.Errorf("InUse = %d while a reader holds the old preview, want 2", got)
	}
	b.Release()
	if got := pool.Stats().InUse; got != 1 {
		t.Errorf("InUse = %d, want 1", got)
	}

	p.Clear()
	if got := pool.Stats().InUse; got != 0 {
		t.Errorf("InUse = %d after Clear, want 0", got)
	}
}

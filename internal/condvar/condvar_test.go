package condvar

import (
	"testing"
	"time"
)

func TestOpenBeforeBlock(t *testing.T) {
	c := New()
	c.Open()
	if !c.BlockTimeout(10 * time.Millisecond) {
		t.Error("BlockTimeout should return true on an open condition")
	}
	c.Block()
}

func TestBlockTimeoutExpires(t *testing.T) {
	c := New()
	start := time.Now()
	if c.BlockTimeout(20 * time.Millisecond) {
		t.Error("BlockTimeout should return false when the condition stays closed")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("BlockTimeout returned before the timeout elapsed")
	}
}

func TestOpenWakesWaiter(t *testing.T) {
	c := New()
	done := make(chan struct{})

	go func() {
		c.Block()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Block returned before Open")
	case <-time.After(20 * time.Millisecond):
	}

	c.Open()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Block did not return after Open")
	}
}

func TestCloseResets(t *testing.T) {
	c := New()
	c.Open()
	c.Close()
	if c.IsOpen() {
		t.Error("condition should be closed after Close")
	}
	if c.BlockTimeout(5 * time.Millisecond) {
		t.Error("BlockTimeout should time out after Close")
	}
}

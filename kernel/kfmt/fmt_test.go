package kfmt

import (
	"bytes"
	"sync"
	"testing"
)

func TestPrintfToRingBuffer(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(nil)

	Printf("[pmm] free frames: %d\n", 42)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "[pmm] free frames: 42\n", buf.String(); got != exp {
		t.Fatalf("expected buffered output %q to be replayed; got %q", exp, got)
	}

	Printf("[pmm] %s\n", "ok")
	if exp, got := "[pmm] free frames: 42\n[pmm] ok\n", buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the attached sink")
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "0x%x", 0x80000000)

	if exp, got := "0x80000000", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestPrintfConcurrentWriters(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Printf("x\n")
			}
		}()
	}
	wg.Wait()

	if exp, got := 8*100*2, buf.Len(); got != exp {
		t.Fatalf("expected %d bytes of output; got %d", exp, got)
	}
}

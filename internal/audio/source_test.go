package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// TestHelperCapture is not a real test: it is the fake capture command
// started by the exec source tests. It writes two stereo s16le frames, then
// fails the way a disconnected microphone does.
func TestHelperCapture(t *testing.T) {
	if os.Getenv("LOQA_AUDIO_HELPER") != "1" {
		return
	}
	frames := []int16{16384, -16384, 8192, 0}
	buf := make([]byte, 2*len(frames))
	for i, v := range frames {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	_, _ = os.Stdout.Write(buf)
	fmt.Fprint(os.Stderr, "mic unplugged\n")
	os.Exit(1)
}

func newExecSource(t *testing.T) Source {
	t.Helper()
	t.Setenv("LOQA_AUDIO_HELPER", "1")
	src, err := NewExecSource(fmt.Sprintf("%q -test.run=^TestHelperCapture$", os.Args[0]), 2)
	if err != nil {
		t.Fatalf("start exec source: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestExecSourceDecodesPCM(t *testing.T) {
	src := newExecSource(t)

	dst := make([]float32, 4)
	n, err := src.Read(context.Background(), dst)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []float32{0.5, -0.5, 0.25, 0}
	if n != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), n)
	}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("sample %d: want %v got %v", i, want[i], dst[i])
		}
	}

	_, err = src.Read(context.Background(), dst)
	if err == nil || !strings.Contains(err.Error(), "mic unplugged") {
		t.Fatalf("expected exit error carrying stderr, got %v", err)
	}
}

func TestExecSourceExitIsCaptureError(t *testing.T) {
	src := newExecSource(t)
	cfg := chunkerConfig(1000, time.Second, 0, 10)
	cfg.Channels = 2
	c := NewChunker(src, cfg, newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.NextChunk(ctx)
	if !errors.Is(err, ErrCapture) {
		t.Fatalf("expected capture error, got %v", err)
	}
	var capErr *CaptureError
	if !errors.As(err, &capErr) || capErr.Source != "exec" {
		t.Fatalf("expected *CaptureError from exec source, got %#v", err)
	}
	if !strings.Contains(err.Error(), "mic unplugged") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestNewExecSourceRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSource("  ", 1); !errors.Is(err, ErrCapture) {
		t.Fatalf("expected capture error for empty command, got %v", err)
	}
}

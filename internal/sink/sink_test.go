package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConsoleStreamMode(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out, "[Transcription] ", true)
	c.Emit(1, "Hello")
	if out.String() != "[Transcription] Hello" {
		t.Fatalf("fragment should be flushed immediately, got %q", out.String())
	}
	c.Emit(1, " world")
	c.Finalize(1, "Hello world")
	c.Emit(2, "Half")
	c.Fail(2, "timeout")
	c.Finalize(3, "")

	want := "[Transcription] Hello world\n[Transcription] Half\nchunk 2 failed: timeout\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%q\nwant\n%q", out.String(), want)
	}
}

func TestConsoleFinalMode(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out, "> ", false)
	c.Emit(1, "Hel")
	c.Emit(1, "lo")
	if out.Len() != 0 {
		t.Fatalf("final mode must not stream, got %q", out.String())
	}
	c.Finalize(1, "Hello")
	c.Finalize(2, "")
	if out.String() != "> Hello\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestMultiAndCollector(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	m := Multi{a, b}
	m.Emit(4, "fo")
	m.Emit(4, "o")
	m.Finalize(4, "foo")
	m.Fail(5, "device")

	for _, c := range []*Collector{a, b} {
		records := c.Records()
		if len(records) != 2 || c.Done() != 2 {
			t.Fatalf("unexpected records %+v", records)
		}
		if records[0].Streamed() != records[0].Text || !records[0].Final {
			t.Fatalf("stream and final disagree: %+v", records[0])
		}
		if records[1].Seq != 5 || records[1].Failure != "device" {
			t.Fatalf("unexpected failure record %+v", records[1])
		}
	}
}

func TestBusSinkPublishes(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "sink-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	msgs := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe("stt.text.>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	s := NewBus(client, "run-1", newLogger())
	s.Emit(9, "hi")
	s.Finalize(9, "hi")
	s.Fail(10, "timeout")

	want := []struct {
		subject string
		partial bool
		text    string
		errKind string
	}{
		{protocol.SubjectTranscriptPartial, true, "hi", ""},
		{protocol.SubjectTranscriptFinal, false, "hi", ""},
		{protocol.SubjectTranscriptFinal, false, "", "timeout"},
	}
	for i, w := range want {
		select {
		case msg := <-msgs:
			var tr protocol.Transcript
			if err := json.Unmarshal(msg.Data, &tr); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Subject != w.subject || tr.Partial != w.partial || tr.Text != w.text || tr.Error != w.errKind || tr.SessionID != "run-1" {
				t.Fatalf("message %d: unexpected %s %+v", i, msg.Subject, tr)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not received", i)
		}
	}
}

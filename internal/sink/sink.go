// Package sink delivers decoded text to its consumers. Every method is on the
// per-token hot path and must stay cheap.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/protocol"
)

// Sink receives the text of one chunk at a time. For a given chunk, Emit is
// called zero or more times followed by exactly one Finalize or Fail, and the
// concatenated fragments equal the finalized text.
type Sink interface {
	Emit(chunkSeq uint64, fragment string)
	Finalize(chunkSeq uint64, text string)
	Fail(chunkSeq uint64, kind string)
}

// Console writes transcripts to a terminal, either as they stream or one line
// per chunk.
type Console struct {
	mu     sync.Mutex
	w      *bufio.Writer
	prefix string
	stream bool
	open   bool
}

func NewConsole(w io.Writer, prefix string, stream bool) *Console {
	return &Console{w: bufio.NewWriter(w), prefix: prefix, stream: stream}
}

func (c *Console) Emit(_ uint64, fragment string) {
	if !c.stream || fragment == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		c.w.WriteString(c.prefix)
		c.open = true
	}
	c.w.WriteString(fragment)
	c.w.Flush()
}

func (c *Console) Finalize(_ uint64, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.open:
		c.w.WriteByte('\n')
		c.open = false
	case text != "":
		c.w.WriteString(c.prefix)
		c.w.WriteString(text)
		c.w.WriteByte('\n')
	}
	c.w.Flush()
}

func (c *Console) Fail(chunkSeq uint64, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		c.w.WriteByte('\n')
		c.open = false
	}
	fmt.Fprintf(c.w, "chunk %d failed: %s\n", chunkSeq, kind)
	c.w.Flush()
}

// Bus publishes transcripts for other processes: fragments on the partial
// subject, completed chunks and failures on the final subject.
type Bus struct {
	client    *bus.Client
	sessionID string
	log       *slog.Logger
}

func NewBus(client *bus.Client, sessionID string, log *slog.Logger) *Bus {
	return &Bus{client: client, sessionID: sessionID, log: log.With(slog.String("component", "bus-sink"))}
}

func (b *Bus) Emit(chunkSeq uint64, fragment string) {
	if fragment == "" {
		return
	}
	b.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
		SessionID: b.sessionID,
		ChunkSeq:  chunkSeq,
		Text:      fragment,
		Partial:   true,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Bus) Finalize(chunkSeq uint64, text string) {
	if text == "" {
		return
	}
	b.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: b.sessionID,
		ChunkSeq:  chunkSeq,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Bus) Fail(chunkSeq uint64, kind string) {
	b.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: b.sessionID,
		ChunkSeq:  chunkSeq,
		Error:     kind,
		Timestamp: time.Now().UTC(),
	})
}

func (b *Bus) publish(subject string, msg protocol.Transcript) {
	if err := b.client.PublishJSON(subject, msg); err != nil {
		b.log.Warn("failed to publish transcript", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Multi fans every call out to each sink in order.
type Multi []Sink

func (m Multi) Emit(chunkSeq uint64, fragment string) {
	for _, s := range m {
		s.Emit(chunkSeq, fragment)
	}
}

func (m Multi) Finalize(chunkSeq uint64, text string) {
	for _, s := range m {
		s.Finalize(chunkSeq, text)
	}
}

func (m Multi) Fail(chunkSeq uint64, kind string) {
	for _, s := range m {
		s.Fail(chunkSeq, kind)
	}
}

package sink

import (
	"strings"
	"sync"
)

// Record is everything a Collector saw for one chunk.
type Record struct {
	Seq       uint64
	Fragments []string
	Text      string
	Final     bool
	Failure   string
}

// Streamed is the concatenation of the chunk's fragments.
func (r Record) Streamed() string { return strings.Join(r.Fragments, "") }

// Collector keeps transcripts in memory in the order chunks were first seen.
type Collector struct {
	mu      sync.Mutex
	order   []uint64
	records map[uint64]*Record
	notify  chan struct{}
}

func NewCollector() *Collector {
	return &Collector{records: make(map[uint64]*Record), notify: make(chan struct{}, 1)}
}

func (c *Collector) record(seq uint64) *Record {
	r, ok := c.records[seq]
	if !ok {
		r = &Record{Seq: seq}
		c.records[seq] = r
		c.order = append(c.order, seq)
	}
	return r
}

func (c *Collector) Emit(chunkSeq uint64, fragment string) {
	c.mu.Lock()
	r := c.record(chunkSeq)
	r.Fragments = append(r.Fragments, fragment)
	c.mu.Unlock()
}

func (c *Collector) Finalize(chunkSeq uint64, text string) {
	c.mu.Lock()
	r := c.record(chunkSeq)
	r.Text, r.Final = text, true
	c.mu.Unlock()
	c.signal()
}

func (c *Collector) Fail(chunkSeq uint64, kind string) {
	c.mu.Lock()
	c.record(chunkSeq).Failure = kind
	c.mu.Unlock()
	c.signal()
}

func (c *Collector) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Updated is signalled after every Finalize or Fail.
func (c *Collector) Updated() <-chan struct{} { return c.notify }

// Records returns copies of every record in first-seen order.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.order))
	for _, seq := range c.order {
		r := *c.records[seq]
		r.Fragments = append([]string(nil), r.Fragments...)
		out = append(out, r)
	}
	return out
}

// Done counts chunks that were finalized or failed.
func (c *Collector) Done() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if r.Final || r.Failure != "" {
			n++
		}
	}
	return n
}

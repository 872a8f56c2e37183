package decode

import (
	"encoding/json"
	"fmt"
	"os"
	"unicode/utf8"
)

// Specials holds the control token ids of the multilingual Whisper vocabulary.
type Specials struct {
	EOT            int
	SOT            int
	English        int
	Transcribe     int
	NoTimestamps   int
	TimestampBegin int
	// Blank is the lone-space token suppressed as a first token.
	Blank int
}

func DefaultSpecials() Specials {
	return Specials{
		EOT:            50257,
		SOT:            50258,
		English:        50259,
		Transcribe:     50359,
		NoTimestamps:   50363,
		TimestampBegin: 50364,
		Blank:          220,
	}
}

// Prefix is the fixed start-of-transcript sequence for English transcription
// without timestamps.
func (s Specials) Prefix() []int {
	return []int{s.SOT, s.English, s.Transcribe, s.NoTimestamps}
}

// IsText reports whether id is an ordinary text token.
func (s Specials) IsText(id int) bool {
	return id >= 0 && id < s.EOT
}

// Vocabulary maps token ids to the raw bytes they stand for.
type Vocabulary struct {
	tokens   [][]byte
	specials Specials
}

// LoadVocabulary reads a GPT-2 style vocab.json (token string to id).
func LoadVocabulary(path string, specials Specials) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var entries map[string]int
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	return NewVocabulary(entries, specials), nil
}

func NewVocabulary(entries map[string]int, specials Specials) *Vocabulary {
	size := 0
	for _, id := range entries {
		if id+1 > size {
			size = id + 1
		}
	}
	v := &Vocabulary{tokens: make([][]byte, size), specials: specials}
	for token, id := range entries {
		if id < 0 {
			continue
		}
		v.tokens[id] = tokenBytes(token)
	}
	return v
}

func (v *Vocabulary) Specials() Specials { return v.specials }

// Bytes returns the text bytes of id. Control tokens and unknown ids have none.
func (v *Vocabulary) Bytes(id int) []byte {
	if !v.specials.IsText(id) || id >= len(v.tokens) {
		return nil
	}
	return v.tokens[id]
}

var byteDecoder = buildByteDecoder()

// buildByteDecoder inverts the GPT-2 byte-to-unicode table, which maps every
// byte to a printable rune so BPE tokens can be stored as JSON strings.
func buildByteDecoder() map[rune]byte {
	dec := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	shifted := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			dec[rune(b)] = byte(b)
			continue
		}
		dec[rune(256+shifted)] = byte(b)
		shifted++
	}
	return dec
}

func tokenBytes(token string) []byte {
	out := make([]byte, 0, len(token))
	for _, r := range token {
		if b, ok := byteDecoder[r]; ok {
			out = append(out, b)
			continue
		}
		out = utf8.AppendRune(out, r)
	}
	return out
}

// utf8Stream releases text only at rune boundaries so a character split
// across tokens is never emitted in halves.
type utf8Stream struct {
	pending []byte
}

func (s *utf8Stream) Write(b []byte) string {
	if len(b) == 0 && len(s.pending) == 0 {
		return ""
	}
	s.pending = append(s.pending, b...)
	cut := completePrefix(s.pending)
	if cut == 0 {
		return ""
	}
	out := toValid(s.pending[:cut])
	s.pending = append(s.pending[:0], s.pending[cut:]...)
	return out
}

// Flush returns whatever is buffered, replacing an incomplete trailing rune.
func (s *utf8Stream) Flush() string {
	out := toValid(s.pending)
	s.pending = s.pending[:0]
	return out
}

func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			return len(b)
		}
	}
	return len(b)
}

func toValid(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}

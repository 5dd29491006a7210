// Package prompt produces the ordered prompt sequence consumed by the dispatcher
// and renders prompt files from templates.
package prompt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxLineBytes bounds a single JSONL prompt line.
const maxLineBytes = 1 << 20

// Prompt is one entry of the sequence. Index is the enumeration position.
type Prompt struct {
	Index int
	Text  string
}

// Source yields prompts in order, one at a time. Next returns io.EOF when the
// sequence is exhausted. A Source is read once.
type Source interface {
	Next() (Prompt, error)
}

// Record is the on-disk form of one prompt line.
type Record struct {
	Prompt string `json:"prompt"`
}

// JSONLSource reads {"prompt": "..."} lines lazily.
type JSONLSource struct {
	scanner *bufio.Scanner
	limit   int
	next    int
	line    int
}

// NewJSONLSource reads prompts from r. A positive limit stops the sequence
// after that many prompts; zero or negative means no limit.
func NewJSONLSource(r io.Reader, limit int) *JSONLSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return &JSONLSource{scanner: sc, limit: limit}
}

// Next returns the next prompt. Blank lines are skipped.
func (s *JSONLSource) Next() (Prompt, error) {
	if s.limit > 0 && s.next >= s.limit {
		return Prompt{}, io.EOF
	}

	for s.scanner.Scan() {
		s.line++
		raw := strings.TrimSpace(s.scanner.Text())
		if raw == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return Prompt{}, fmt.Errorf("prompt line %d: %w", s.line, err)
		}

		p := Prompt{Index: s.next, Text: rec.Prompt}
		s.next++
		return p, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Prompt{}, fmt.Errorf("read prompts: %w", err)
	}
	return Prompt{}, io.EOF
}

// SliceSource yields prompts from memory.
type SliceSource struct {
	texts []string
	next  int
}

// NewSliceSource creates a source over texts, indexed from 0.
func NewSliceSource(texts ...string) *SliceSource {
	return &SliceSource{texts: texts}
}

// Next returns the next prompt or io.EOF.
func (s *SliceSource) Next() (Prompt, error) {
	if s.next >= len(s.texts) {
		return Prompt{}, io.EOF
	}
	p := Prompt{Index: s.next, Text: s.texts[s.next]}
	s.next++
	return p, nil
}

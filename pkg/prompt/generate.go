package prompt

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNoTemplates is returned when a template directory holds no *.txt files.
var ErrNoTemplates = errors.New("no templates found")

// Supporting holds per-key value lists that are cycled through, one value per
// rendered prompt.
type Supporting struct {
	keys   []string
	values map[string][]string
	pos    map[string]int
}

// NewSupporting builds a Supporting set from key -> values.
func NewSupporting(values map[string][]string) *Supporting {
	s := &Supporting{values: make(map[string][]string), pos: make(map[string]int)}
	for k, v := range values {
		if len(v) == 0 {
			continue
		}
		s.keys = append(s.keys, k)
		s.values[k] = v
	}
	sort.Strings(s.keys)
	return s
}

// next returns the next value of every key, advancing each cycle by one.
func (s *Supporting) next() map[string]string {
	out := make(map[string]string, len(s.keys))
	if s == nil {
		return out
	}
	for _, k := range s.keys {
		vals := s.values[k]
		out[k] = vals[s.pos[k]%len(vals)]
		s.pos[k]++
	}
	return out
}

// LoadRecords reads a JSON array of records from path.
func LoadRecords(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse records %s: %w", path, err)
	}
	return records, nil
}

// LoadSupporting reads a JSONL file whose objects contribute values per key.
func LoadSupporting(path string) (*Supporting, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string][]string)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var item map[string]any
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("supporting line %d: %w", line, err)
		}
		for k, v := range item {
			values[k] = append(values[k], stringify(v))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NewSupporting(values), nil
}

// LoadTemplates reads every *.txt file in dir, trimmed, in file-name order.
func LoadTemplates(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	templates := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		templates = append(templates, strings.TrimSpace(string(data)))
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoTemplates, dir)
	}
	return templates, nil
}

// Generate renders one prompt per object record and writes {"prompt": ...}
// lines to w. Templates are cycled per record; {key} placeholders are filled
// from the record, then from the next supporting values (which win on
// conflict). Non-object records consume a template but produce no prompt.
func Generate(w io.Writer, records []any, supporting *Supporting, templates []string, logger zerolog.Logger) (int, error) {
	if len(templates) == 0 {
		return 0, ErrNoTemplates
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	written := 0
	for i, rec := range records {
		tmpl := templates[i%len(templates)]

		item, ok := rec.(map[string]any)
		if !ok {
			logger.Warn().Int("record", i).Msg("Skipping non-object record")
			continue
		}

		fields := make(map[string]string, len(item))
		for k, v := range item {
			fields[k] = stringify(v)
		}
		for k, v := range supporting.next() {
			fields[k] = v
		}

		if err := enc.Encode(Record{Prompt: Render(tmpl, fields)}); err != nil {
			return written, fmt.Errorf("write prompt %d: %w", written, err)
		}
		written++
	}

	logger.Info().Int("prompts", written).Int("records", len(records)).Msg("Prompts generated")
	return written, nil
}

// Render replaces every {key} in tmpl with fields[key], in key order.
func Render(tmpl string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := tmpl
	for _, k := range keys {
		out = strings.ReplaceAll(out, "{"+k+"}", fields[k])
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

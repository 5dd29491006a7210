package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/prompt-dispatch/internal/testutil"
	"github.com/Sternrassler/prompt-dispatch/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "DISPATCH_MODEL", "DISPATCH_BATCH_SIZE",
		"DISPATCH_OUTPUT_DIR", "REDIS_URL", "LOG_LEVEL", "METRICS_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	out, _, err := executeCapture(t, args...)
	return out, err
}

// executeCapture runs the root command and returns stdout and stderr.
func executeCapture(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func writePrompts(t *testing.T, path string, texts ...string) {
	t.Helper()

	var buf bytes.Buffer
	for _, text := range texts {
		line, _ := json.Marshal(map[string]string{"prompt": text})
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestRunCmd_EndToEnd(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockChat()
	defer mock.Close()
	mock.Script("broken", testutil.NewServerError())

	dir := t.TempDir()
	prompts := filepath.Join(dir, "prompts.jsonl")
	writePrompts(t, prompts, "one", "two", "broken", "four", "five")
	outDir := filepath.Join(dir, "out")

	out, err := execute(t, "run",
		"--prompts", prompts,
		"--count", "0",
		"--base-url", mock.URL(),
		"--batch-size", "2",
		"--max-attempts", "1",
		"--output-dir", outDir,
		"--failures", "file",
		"--log-level", "error",
	)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if !strings.Contains(out, "Dispatched 5 prompts in 3 batches: 4 succeeded, 1 dropped") {
		t.Errorf("output = %q", out)
	}
	if n := countLines(t, filepath.Join(outDir, "results.jsonl")); n != 4 {
		t.Errorf("results lines = %d, want 4", n)
	}
	if n := countLines(t, filepath.Join(outDir, "inputs.jsonl")); n != 4 {
		t.Errorf("inputs lines = %d, want 4", n)
	}
	if n := countLines(t, filepath.Join(outDir, "failures.jsonl")); n != 1 {
		t.Errorf("failures lines = %d, want 1", n)
	}
	if mock.MaxInFlight() > 2 {
		t.Errorf("max in flight = %d, want <= 2", mock.MaxInFlight())
	}
}

func TestRunCmd_CountLimitsPrompts(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockChat()
	defer mock.Close()

	dir := t.TempDir()
	prompts := filepath.Join(dir, "prompts.jsonl")
	writePrompts(t, prompts, "a", "b", "c", "d")

	out, err := execute(t, "run",
		"--prompts", prompts,
		"-n", "3",
		"--base-url", mock.URL(),
		"--output-dir", filepath.Join(dir, "out"),
		"--log-level", "error",
	)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "Dispatched 3 prompts in 1 batches") {
		t.Errorf("output = %q", out)
	}
	if mock.RequestCount() != 3 {
		t.Errorf("requests = %d, want 3", mock.RequestCount())
	}
}

func TestRunCmd_InvalidConfig(t *testing.T) {
	clearEnv(t)

	_, err := execute(t, "run", "--batch-size", "0", "--count", "0", "--log-level", "error")
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestRunCmd_MissingPrompts(t *testing.T) {
	clearEnv(t)

	_, err := execute(t, "run",
		"--prompts", filepath.Join(t.TempDir(), "missing.jsonl"),
		"--count", "0",
		"--log-level", "error",
	)
	if err == nil || !strings.Contains(err.Error(), "open prompts") {
		t.Errorf("err = %v, want open prompts error", err)
	}
}

func TestRunCmd_FailureReturnedNotLogged(t *testing.T) {
	clearEnv(t)
	mock := testutil.NewMockChat()
	defer mock.Close()

	dir := t.TempDir()
	prompts := filepath.Join(dir, "prompts.jsonl")
	if err := os.WriteFile(prompts, []byte(`{"prompt": "ok"}`+"\n"+`not json`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, stderr, err := executeCapture(t, "run",
		"--prompts", prompts,
		"--count", "0",
		"--base-url", mock.URL(),
		"--output-dir", filepath.Join(dir, "out"),
		"--log-level", "info",
	)
	if err == nil || !strings.Contains(err.Error(), "prompt line 2") {
		t.Fatalf("err = %v, want malformed prompt line error", err)
	}
	if strings.Contains(stderr, "prompt line 2") {
		t.Errorf("error was reported before reaching main, stderr = %q", stderr)
	}
	if strings.Contains(stderr, "Error:") {
		t.Errorf("cobra printed the error, stderr = %q", stderr)
	}
}

func TestResolveCount(t *testing.T) {
	tests := []struct {
		name     string
		terminal bool
		input    string
		args     []string
		want     int
		wantErr  bool
	}{
		{name: "flag wins", terminal: true, input: "9\n", args: []string{"--count", "4"}, want: 4},
		{name: "negative flag", args: []string{"--count=-1"}, wantErr: true},
		{name: "not a terminal means all", terminal: false, want: 0},
		{name: "interactive number", terminal: true, input: "12\n", want: 12},
		{name: "interactive blank", terminal: true, input: "\n", want: 0},
		{name: "interactive without newline", terminal: true, input: "5", want: 5},
		{name: "interactive garbage", terminal: true, input: "lots\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := stdinIsTerminal
			stdinIsTerminal = func() bool { return tt.terminal }
			defer func() { stdinIsTerminal = orig }()

			opts := &runOptions{}
			cmd := newRunCmd(&rootOptions{})
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetIn(strings.NewReader(tt.input))
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatal(err)
			}
			if v, err := cmd.Flags().GetInt("count"); err == nil {
				opts.count = v
			}

			got, err := resolveCount(cmd, opts)
			if tt.wantErr {
				if err == nil {
					t.Errorf("resolveCount() = %d, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveCount() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveCount() = %d, want %d", got, tt.want)
			}
			if tt.terminal && len(tt.args) == 0 && !strings.Contains(out.String(), "How many prompts to send?") {
				t.Errorf("prompt not shown, output = %q", out.String())
			}
		})
	}
}

func TestGenerateCmd(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	tmplDir := filepath.Join(dir, "templates")
	os.MkdirAll(dataDir, 0o755)
	os.MkdirAll(tmplDir, 0o755)
	os.WriteFile(filepath.Join(dataDir, "data.json"), []byte(`[{"city": "Oslo"}, {"city": "Lima"}, {"city": "Pune"}]`), 0o644)
	os.WriteFile(filepath.Join(dataDir, "styles.jsonl"), []byte(`{"style": "short"}`+"\n"+`{"style": "detailed"}`+"\n"), 0o644)
	os.WriteFile(filepath.Join(tmplDir, "a.txt"), []byte("Describe {city} in a {style} way."), 0o644)
	outPath := filepath.Join(dir, "preapi", "preapi.jsonl")

	out, err := execute(t, "generate",
		"--data-dir", dataDir,
		"--templates", tmplDir,
		"--out", outPath,
		"--log-level", "error",
	)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, "Wrote 3 prompts") {
		t.Errorf("output = %q", out)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{
		"Describe Oslo in a short way.",
		"Describe Lima in a detailed way.",
		"Describe Pune in a short way.",
	}
	if len(lines) != len(want) {
		t.Fatalf("lines = %d, want %d", len(lines), len(want))
	}
	for i, line := range lines {
		var rec struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if rec.Prompt != want[i] {
			t.Errorf("prompt %d = %q, want %q", i, rec.Prompt, want[i])
		}
	}
}

func TestGenerateCmd_NoSupportingFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "data.json"), []byte(`[]`), 0o644)
	os.MkdirAll(filepath.Join(dir, "templates"), 0o755)
	os.WriteFile(filepath.Join(dir, "templates", "t.txt"), []byte("x"), 0o644)

	_, err := execute(t, "generate",
		"--data-dir", dir,
		"--templates", filepath.Join(dir, "templates"),
		"--out", filepath.Join(dir, "out.jsonl"),
		"--log-level", "error",
	)
	if err == nil || !strings.Contains(err.Error(), "no supporting") {
		t.Errorf("err = %v, want missing supporting file error", err)
	}
}

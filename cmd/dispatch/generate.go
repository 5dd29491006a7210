package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/prompt-dispatch/pkg/logging"
	"github.com/Sternrassler/prompt-dispatch/pkg/prompt"
)

type generateOptions struct {
	dataDir    string
	templates  string
	supporting string
	out        string
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Render a prompt file from records and templates",
		Long: `Fills every *.txt template in the templates directory with the fields of
each record in <data-dir>/data.json, plus the next value of every key from a
supporting JSONL file, and writes one {"prompt": ...} line per record.
Templates and supporting values cycle. Without --supporting, the first *.jsonl
file in the data directory is used.`,
		Example: `  dispatch generate
  dispatch generate --data-dir data --templates templates --out preapi/preapi.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.dataDir, "data-dir", "data", "directory holding data.json and the supporting JSONL file")
	f.StringVar(&opts.templates, "templates", "templates", "directory of *.txt templates")
	f.StringVar(&opts.supporting, "supporting", "", "supporting JSONL file (default: first *.jsonl in data-dir)")
	f.StringVar(&opts.out, "out", "preapi/preapi.jsonl", "prompt file to write")

	return cmd
}

// findSupporting returns the first *.jsonl file in dir other than data.jsonl.
func findSupporting(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read data dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") || e.Name() == "data.jsonl" {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no supporting *.jsonl file in %s", dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

func runGenerate(cmd *cobra.Command, root *rootOptions, opts *generateOptions) (err error) {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cmd, cfg)
	logger := logging.NewLogger("generate")

	records, err := prompt.LoadRecords(filepath.Join(opts.dataDir, "data.json"))
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	templates, err := prompt.LoadTemplates(opts.templates)
	if err != nil {
		return err
	}

	supPath := opts.supporting
	if supPath == "" {
		if supPath, err = findSupporting(opts.dataDir); err != nil {
			return err
		}
	}
	supporting, err := prompt.LoadSupporting(supPath)
	if err != nil {
		return fmt.Errorf("load supporting data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(opts.out), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.Create(opts.out)
	if err != nil {
		return fmt.Errorf("create prompt file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(file)
	n, err := prompt.Generate(w, records, supporting, templates, logger)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write prompt file: %w", err)
	}

	logger.Info().
		Str("supporting", supPath).
		Int("templates", len(templates)).
		Msg("Prompt file written")
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d prompts to %s\n", n, opts.out)
	return nil
}

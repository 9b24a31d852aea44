package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/noahbclarkson/gemini-structured-output/pkg/gemini"
	"github.com/noahbclarkson/gemini-structured-output/pkg/promptutil"
	"github.com/noahbclarkson/gemini-structured-output/pkg/refine"
)

var (
	verbose       bool
	apiKey        string
	model         string
	fallbackModel string
	schemaPath    string
	inputPath     string
	outputPath    string
	configPath    string
	docPaths      []string
	timeout       time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "jsonrefine -s schema.json -i input.json \"instruction\"",
	Short: "Iteratively refine a JSON document with LLM-generated patches",
	Long: `jsonrefine asks a Gemini model for RFC6902 JSON Patches that transform the
input document to satisfy an instruction, validating every candidate against
the given JSON Schema and retrying with corrective feedback until it passes.`,
	Args: cobra.ExactArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRefine(cmd, args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "Gemini API key (defaults to GEMINI_API_KEY)")
	rootCmd.Flags().StringVarP(&model, "model", "m", "", "primary model name")
	rootCmd.Flags().StringVar(&fallbackModel, "fallback-model", "", "fallback model for escalation")
	rootCmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "path to the target JSON Schema (required)")
	rootCmd.Flags().StringVarP(&inputPath, "input", "i", "", "path to the input JSON document (required)")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the refined document here instead of stdout")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML refinement config")
	rootCmd.Flags().StringArrayVar(&docPaths, "doc", nil, "reference document to attach (repeatable)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall call timeout")
	_ = rootCmd.MarkFlagRequired("schema")
	_ = rootCmd.MarkFlagRequired("input")
}

// fileConfig is the YAML shape of --config.
type fileConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	Temperature       float64 `yaml:"temperature"`
	NetworkRetries    int     `yaml:"network_retries"`
	PatchStrategy     string  `yaml:"patch_strategy"`
	ArrayStrategy     string  `yaml:"array_strategy"`
	ValidationFailure string  `yaml:"validation_failure"`
	Fallback          struct {
		AfterAttempts int `yaml:"after_attempts"`
	} `yaml:"fallback"`
}

func loadConfig(path string) (refine.Config, error) {
	cfg := refine.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	if fc.MaxRetries > 0 {
		cfg.MaxRetries = fc.MaxRetries
	}
	if fc.Temperature > 0 {
		cfg.Temperature = fc.Temperature
	}
	if fc.NetworkRetries > 0 {
		cfg.NetworkRetries = fc.NetworkRetries
	}

	switch fc.PatchStrategy {
	case "", "partial_apply":
	case "atomic":
		cfg.PatchStrategy = refine.Atomic
	default:
		return cfg, fmt.Errorf("unknown patch_strategy %q", fc.PatchStrategy)
	}

	switch fc.ArrayStrategy {
	case "", "replace_whole":
	case "direct":
		cfg.ArrayStrategy = refine.Direct
	case "reorder_removals":
		cfg.ArrayStrategy = refine.ReorderRemovals
	default:
		return cfg, fmt.Errorf("unknown array_strategy %q", fc.ArrayStrategy)
	}

	switch fc.ValidationFailure {
	case "", "iterate_forward":
	case "rollback":
		cfg.ValidationFailure = refine.Rollback
	default:
		return cfg, fmt.Errorf("unknown validation_failure %q", fc.ValidationFailure)
	}

	if fc.Fallback.AfterAttempts > 0 {
		cfg.Fallback = refine.FallbackStrategy{
			Kind:          refine.FallbackEscalate,
			AfterAttempts: fc.Fallback.AfterAttempts,
		}
	}

	return cfg, nil
}

// document adapts an arbitrary JSON file to the Refinable contract: the
// schema comes from --schema and no domain validation applies beyond it.
type document struct {
	schema []byte
	tree   any
}

func (d document) Schema() []byte  { return d.schema }
func (d document) Validate() error { return nil }

func (d document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.tree)
}

func (d *document) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &d.tree)
}

// loadDocuments reads the --doc attachments. CSV files are rendered as
// markdown tables before attachment.
func loadDocuments(paths []string) ([]refine.Document, error) {
	var docs []refine.Document
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading document %s: %w", path, err)
		}
		name := filepath.Base(path)
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		if filepath.Ext(path) == ".csv" {
			md, err := promptutil.CSVToMarkdown(string(data), name)
			if err != nil {
				return nil, fmt.Errorf("rendering document %s: %w", path, err)
			}
			data = []byte(md)
			mimeType = "text/markdown"
		}
		docs = append(docs, refine.Document{
			Name:     name,
			MIMEType: mimeType,
			Data:     data,
		})
	}
	return docs, nil
}

func runRefine(cmd *cobra.Command, instruction string) error {
	key := apiKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		return fmt.Errorf("no API key: pass --api-key or set GEMINI_API_KEY")
	}

	schema, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}
	input, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	doc := document{schema: schema}
	if err := json.Unmarshal(input, &doc.tree); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	docs, err := loadDocuments(docPaths)
	if err != nil {
		return err
	}

	primary := gemini.New(key, model).WithLogger(logger)
	var fallback refine.Backend
	if fallbackModel != "" {
		fallback = gemini.New(key, fallbackModel).WithLogger(logger)
		if cfg.Fallback.Kind == refine.FallbackNone {
			cfg.Fallback = refine.FallbackStrategy{Kind: refine.FallbackEscalate, AfterAttempts: 2}
		}
	}

	engine := refine.New(primary, fallback).WithConfig(cfg).WithLogger(logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	outcome, err := refine.NewRequest(engine, doc, instruction).
		WithDocuments(docs...).
		Execute(ctx)
	if err != nil {
		return err
	}

	logger.Info("refinement succeeded",
		zap.Int("attempts", len(outcome.Attempts)),
		zap.String("model", primary.Name()))

	pretty, err := json.MarshalIndent(outcome.Value.tree, "", "  ")
	if err != nil {
		return err
	}
	pretty = append(pretty, '\n')

	if outputPath != "" {
		return os.WriteFile(outputPath, pretty, 0o644)
	}
	_, err = os.Stdout.Write(pretty)
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Command graphctl is the command-line surface for the engine: `add` runs
// the Document Loader over a directory, `search` runs a query through the
// configured retrieval mode.
//
// Usage:
//
//	graphctl add --input-dir ./docs [--config config.json] [--force]
//	graphctl search "what changed in the v2 release?" \
//	  --mode global --response-type "single paragraph" --output-format markdown
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cortexgraph/graphrag"
)

// Exit codes per the CLI surface contract: 0 success, 1 configuration/auth
// error, 2 runtime failure.
const (
	exitOK   = 0
	exitConf = 1
	exitRun  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: graphctl <add|search> [flags]")
		return exitConf
	}

	switch args[0] {
	case "add":
		return runAdd(args[1:])
	case "search":
		return runSearch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q; expected add or search\n", args[0])
		return exitConf
	}
}

func runAdd(args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (JSON)")
	inputDir := fs.String("input-dir", "", "directory to ingest (required)")
	force := fs.Bool("force", false, "re-ingest even if content hashes are unchanged")
	if err := fs.Parse(args); err != nil {
		return exitConf
	}
	if *inputDir == "" {
		fmt.Fprintln(os.Stderr, "add: --input-dir is required")
		return exitConf
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		return exitConf
	}

	ctx := context.Background()
	engine, err := goreason.New(ctx, cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		return exitConf
	}
	defer engine.Close()

	var opts []goreason.IngestOption
	if *force {
		opts = append(opts, goreason.WithForceReparse())
	}

	docIDs, err := engine.IngestDir(ctx, *inputDir, opts...)
	if err != nil {
		slog.Error("ingestion failed", "input_dir", *inputDir, "error", err)
		return exitRun
	}

	fmt.Printf("ingested %d document(s) from %s\n", len(docIDs), *inputDir)
	return exitOK
}

func runSearch(args []string) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (JSON)")
	mode := fs.String("mode", "", "query mode: local, global, drift, or auto")
	responseType := fs.String("response-type", "", "response style, e.g. \"multiple paragraphs\"")
	outputFormat := fs.String("output-format", "markdown", "output format: markdown or json")
	minCommunityRank := fs.Int("min-community-rank", -1, "minimum community rank for global search context")
	// The query may come before, between or after the flags: parse flags,
	// take the next positional word, and parse again until none remain.
	var words []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return exitConf
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		words = append(words, rest[0])
		rest = rest[1:]
	}
	query := strings.Join(words, " ")
	if query == "" {
		fmt.Fprintln(os.Stderr, "search: a query string is required")
		return exitConf
	}

	switch *outputFormat {
	case "markdown", "json":
	default:
		fmt.Fprintf(os.Stderr, "search: --output-format must be markdown or json, got %q\n", *outputFormat)
		return exitConf
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		return exitConf
	}

	ctx := context.Background()
	engine, err := goreason.New(ctx, cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		return exitConf
	}
	defer engine.Close()

	var opts []goreason.QueryOption
	if *mode != "" {
		opts = append(opts, goreason.WithMode(*mode))
	}
	if *responseType != "" {
		opts = append(opts, goreason.WithResponseType(*responseType))
	}
	if *minCommunityRank >= 0 {
		opts = append(opts, goreason.WithMinCommunityRank(*minCommunityRank))
	}

	answer, err := engine.Query(ctx, query, opts...)
	if err != nil {
		slog.Error("query failed", "error", err)
		return exitRun
	}

	printAnswer(answer, *outputFormat)
	return exitOK
}

func printAnswer(answer *goreason.Answer, outputFormat string) {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(answer)
		return
	}

	fmt.Printf("# Answer\n\n%s\n", answer.Text)
	if len(answer.Sources) > 0 {
		fmt.Printf("\n## Sources\n\n")
		for _, s := range answer.Sources {
			fmt.Printf("- %s (chunk %d, score %.3f)\n", s.Filename, s.ChunkID, s.Score)
		}
	}
}

// loadConfig mirrors cmd/server's config resolution: defaults, then an
// optional JSON file, then environment variable overrides for secrets.
func loadConfig(configPath string) (goreason.Config, error) {
	cfg := goreason.DefaultConfig()
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return cfg, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	if v := os.Getenv("GOREASON_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GOREASON_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("GOREASON_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if cfg.Chat.APIKey == "" && cfg.Chat.Provider == "anthropic" {
		cfg.Chat.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

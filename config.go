package goreason

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all configuration for the GoReason engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.goreason/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "goreason". The file will be <DBName>.db inside the
	// storage directory (~/.goreason/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.goreason/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat        LLMConfig `json:"chat" yaml:"chat"`
	Embedding   LLMConfig `json:"embedding" yaml:"embedding"`
	Vision      LLMConfig `json:"vision" yaml:"vision"`
	Translation LLMConfig `json:"translation" yaml:"translation"` // optional: fast model for query translation (defaults to Chat)

	// MaxContinuationAttempts bounds the LLM Gateway's truncation-continuation
	// loop (default 5).
	MaxContinuationAttempts int `json:"max_continuation_attempts" yaml:"max_continuation_attempts"`

	// Retrieval weights for RRF
	WeightVector float64 `json:"weight_vector" yaml:"weight_vector"`
	WeightFTS    float64 `json:"weight_fts" yaml:"weight_fts"`
	WeightGraph  float64 `json:"weight_graph" yaml:"weight_graph"`

	// Chunking
	MaxChunkTokens int `json:"max_chunk_tokens" yaml:"max_chunk_tokens"`
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Graph building
	SkipGraph        bool `json:"skip_graph" yaml:"skip_graph"`               // Skip knowledge graph extraction during ingest
	GraphConcurrency int  `json:"graph_concurrency" yaml:"graph_concurrency"` // Max parallel LLM calls for graph extraction (default 16)

	// Reasoning
	MaxRounds           int     `json:"max_rounds" yaml:"max_rounds"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// Image captioning
	CaptionImages bool `json:"caption_images" yaml:"caption_images"` // Opt-in flag for vision-LLM image captioning; ingestion does not read it, so extracted images are never captioned

	// External parsing
	LlamaParse *LlamaParseConfig `json:"llamaparse,omitempty" yaml:"llamaparse,omitempty"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// IgnorePatterns excludes matching paths (glob, matched against both the
	// full path and the basename) from the Document Loader's filesystem walk.
	IgnorePatterns []string `json:"ignore_patterns" yaml:"ignore_patterns"`

	// Hierarchical community detection
	CommunityDetection CommunityDetectionConfig `json:"community_detection" yaml:"community_detection"`

	// Local Search entity-anchored retrieval
	LocalSearch LocalSearchConfig `json:"local_search" yaml:"local_search"`

	// Global Search map-reduce
	GlobalSearch GlobalSearchConfig `json:"global_search" yaml:"global_search"`

	// DRIFT search
	DriftSearch DriftSearchConfig `json:"drift_search" yaml:"drift_search"`

	// Router
	Router RouterConfig `json:"router" yaml:"router"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, anthropic, bedrock, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	Region   string `json:"region" yaml:"region"` // bedrock only
}

// LlamaParseConfig configures the LlamaParse external parsing service.
type LlamaParseConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// CommunityDetectionConfig controls hierarchical community clustering.
type CommunityDetectionConfig struct {
	MaxClusterSize int     `json:"max_cluster_size" yaml:"max_cluster_size"` // split a cluster further once it exceeds this size
	Resolution     float64 `json:"resolution" yaml:"resolution"`             // modularity resolution parameter
	Randomness     float64 `json:"randomness" yaml:"randomness"`             // perturbation applied to tie-breaking, for Leiden-style escape from local optima
	Seed           int64   `json:"seed" yaml:"seed"`                         // clustering is deterministic for a fixed seed + graph (P5)
	UseLCC         bool    `json:"use_lcc" yaml:"use_lcc"`                   // restrict clustering to the largest connected component
}

// LocalSearchConfig controls entity-anchored retrieval (§4.7): seed
// Entities from the vector index, expand by relationship hops, then pull
// supporting text units for the most relevant Entities found.
type LocalSearchConfig struct {
	EntityTopK   int `json:"entity_top_k" yaml:"entity_top_k"`       // K: seed entities from the entity vector index, default 10
	MaxHops      int `json:"max_hops" yaml:"max_hops"`               // BFS relationship expansion depth, default 2
	TopM         int `json:"top_m" yaml:"top_m"`                     // M: hop-ordered entities queried against the main index, default 5
	TextUnitTopK int `json:"text_unit_top_k" yaml:"text_unit_top_k"` // text units retrieved per entity name query, default 10
}

// GlobalSearchConfig controls the Global Search map-reduce pipeline (§4.8).
type GlobalSearchConfig struct {
	MaxContextTokens       int    `json:"max_context_tokens" yaml:"max_context_tokens"`
	MaxConcurrent          int    `json:"max_concurrent" yaml:"max_concurrent"` // bounded Map-phase concurrency, default 5
	MinCommunityRank       int    `json:"min_community_rank" yaml:"min_community_rank"`
	IncludeCommunityWeight bool   `json:"include_community_weight" yaml:"include_community_weight"`
	ShuffleContext         bool   `json:"shuffle_context" yaml:"shuffle_context"` // decorrelate batch composition from community rank order
	ResponseType           string `json:"response_type" yaml:"response_type"`     // e.g. "multiple paragraphs"
}

// DriftSearchConfig controls the DRIFT search pipeline (§4.9).
type DriftSearchConfig struct {
	MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
	Stream           bool    `json:"stream" yaml:"stream"`
	MinResponseChars int     `json:"min_response_chars" yaml:"min_response_chars"`
	MinTermOverlap   float64 `json:"min_term_overlap" yaml:"min_term_overlap"`
}

// RouterConfig controls query mode selection (§4.10).
type RouterConfig struct {
	DefaultMode    string   `json:"default_mode" yaml:"default_mode"` // local, global, drift, auto
	GlobalKeywords []string `json:"global_keywords" yaml:"global_keywords"`
	LocalKeywords  []string `json:"local_keywords" yaml:"local_keywords"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.goreason/goreason.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "goreason",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Vision: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2-vision",
			BaseURL:  "http://localhost:11434",
		},
		MaxContinuationAttempts: 5,
		WeightVector:            1.0,
		WeightFTS:               1.0,
		WeightGraph:             0.5,
		MaxChunkTokens:          1024,
		ChunkOverlap:            128,
		MaxRounds:               3,
		ConfidenceThreshold:     0.7,
		EmbeddingDim:            768,
		IgnorePatterns:          []string{".git", ".git/*", "*.tmp", "~$*"},
		CommunityDetection: CommunityDetectionConfig{
			MaxClusterSize: 10,
			Resolution:     1.0,
			Randomness:     0.01,
			Seed:           42,
			UseLCC:         true,
		},
		LocalSearch: LocalSearchConfig{
			EntityTopK:   10,
			MaxHops:      2,
			TopM:         5,
			TextUnitTopK: 10,
		},
		GlobalSearch: GlobalSearchConfig{
			MaxContextTokens:       8000,
			MaxConcurrent:          5,
			MinCommunityRank:       0,
			IncludeCommunityWeight: true,
			ResponseType:           "multiple paragraphs",
		},
		DriftSearch: DriftSearchConfig{
			MaxContextTokens: 8000,
			MinResponseChars: 50,
			MinTermOverlap:   0.3,
		},
		Router: RouterConfig{
			DefaultMode:    "local",
			GlobalKeywords: []string{"overall", "summary", "overview", "general", "概要", "サマリー", "要約", "まとめ", "全体"},
			LocalKeywords:  []string{"detail", "specific", "particular", "exact", "詳細", "具体的", "特定"},
		},
	}
}

// Validate checks the config for invalid combinations, returning a
// ConfigError-wrapped error (§7, exit code 1) if any are found.
func (c *Config) Validate() error {
	if !c.GlobalSearch.IncludeCommunityWeight {
		// Global Search's context-selection ranking is defined in terms of a
		// weight derived from community occurrence; disabling it
		// entirely removes the ordering the rest of the pipeline assumes.
		return fmt.Errorf("%w: global_search.include_community_weight must be true", ErrInvalidConfig)
	}
	if c.Chat.Provider == "" {
		return fmt.Errorf("%w: chat.provider is required", ErrInvalidConfig)
	}
	if c.Embedding.Provider == "" {
		return fmt.Errorf("%w: embedding.provider is required", ErrInvalidConfig)
	}
	if c.CommunityDetection.MaxClusterSize <= 0 {
		return fmt.Errorf("%w: community_detection.max_cluster_size must be positive", ErrInvalidConfig)
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "goreason"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".goreason")
		return filepath.Join(dir, name+".db")
	}
}

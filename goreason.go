package goreason

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cortexgraph/graphrag/chunker"
	"github.com/cortexgraph/graphrag/driftsearch"
	"github.com/cortexgraph/graphrag/globalsearch"
	"github.com/cortexgraph/graphrag/graph"
	"github.com/cortexgraph/graphrag/llm"
	"github.com/cortexgraph/graphrag/loader"
	"github.com/cortexgraph/graphrag/localsearch"
	"github.com/cortexgraph/graphrag/parser"
	"github.com/cortexgraph/graphrag/reasoning"
	"github.com/cortexgraph/graphrag/retrieval"
	"github.com/cortexgraph/graphrag/router"
	"github.com/cortexgraph/graphrag/store"
)

// Engine is the main entry point for the Graph RAG engine.
type Engine interface {
	// Ingest parses, chunks, embeds, and builds graph for a document.
	// Returns document ID. Skips if content hash unchanged.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error)

	// IngestDir walks inputDir (recursing into directories, CSV rows, and
	// zip/tar archives per the Document Loader), ingesting every new or
	// changed document it finds. Returns the IDs of documents it ingested.
	IngestDir(ctx context.Context, inputDir string, opts ...IngestOption) ([]int64, error)

	// Query runs a question through hybrid retrieval + multi-round reasoning.
	Query(ctx context.Context, question string, opts ...QueryOption) (*Answer, error)

	// Update re-checks a document by hash. Re-ingests if changed.
	Update(ctx context.Context, path string) (bool, error)

	// UpdateAll checks all ingested documents for changes.
	UpdateAll(ctx context.Context) ([]UpdateResult, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]Document, error)

	// Store returns the underlying store for diagnostic access (e.g. eval ground-truth checks).
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Answer represents the result of a query.
type Answer struct {
	Text             string                 `json:"text"`
	Confidence       float64                `json:"confidence"`
	Sources          []Source               `json:"sources"`
	Reasoning        []Step                 `json:"reasoning"`
	RetrievalTrace   *retrieval.SearchTrace `json:"retrieval_trace,omitempty"`
	ModelUsed        string                 `json:"model_used"`
	Rounds           int                    `json:"rounds"`
	PromptTokens     int                    `json:"prompt_tokens"`
	CompletionTokens int                    `json:"completion_tokens"`
	TotalTokens      int                    `json:"total_tokens"`
}

// Source represents a retrieved source chunk backing an answer.
type Source struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading"`
	PageNumber int     `json:"page_number"`
	Score      float64 `json:"score"`
}

// Step represents a single reasoning round in the multi-round pipeline.
type Step struct {
	Round      int      `json:"round"`
	Action     string   `json:"action"`
	Input      string   `json:"input,omitempty"`
	Output     string   `json:"output,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Response   string   `json:"response,omitempty"`
	Validation string   `json:"validation,omitempty"`
	ChunksUsed int      `json:"chunks_used,omitempty"`
	Tokens     int      `json:"tokens,omitempty"`
	ElapsedMs  int64    `json:"elapsed_ms,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// Document represents an ingested document.
type Document struct {
	ID          int64             `json:"id"`
	Path        string            `json:"path"`
	Filename    string            `json:"filename"`
	Format      string            `json:"format"`
	ContentHash string            `json:"content_hash"`
	ParseMethod string            `json:"parse_method"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// UpdateResult reports the outcome of a document update check.
type UpdateResult struct {
	DocumentID int64  `json:"document_id"`
	Path       string `json:"path"`
	Changed    bool   `json:"changed"`
	Error      error  `json:"error,omitempty"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	forceReparse bool
	parseMethod  string
	metadata     map[string]string
}

// WithForceReparse forces re-parsing even if the hash hasn't changed.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.forceReparse = true }
}

// WithParseMethod overrides the automatic parse method selection.
func WithParseMethod(method string) IngestOption {
	return func(o *ingestOptions) { o.parseMethod = method }
}

// WithMetadata attaches custom metadata to the ingested document.
func WithMetadata(metadata map[string]string) IngestOption {
	return func(o *ingestOptions) { o.metadata = metadata }
}

// QueryOption configures query behavior.
type QueryOption func(*queryOptions)

type queryOptions struct {
	maxResults       int
	maxRounds        int
	weightVec        float64
	weightFTS        float64
	weightGraph      float64
	mode             router.Mode
	responseType     string
	minCommunityRank int // -1 means unset: use the engine's configured default
}

// WithMode selects the query mode, dispatched through the mode Router:
// "local" (entity-anchored Local Search), "global" (community map-reduce),
// "drift" (combined local+global context), or "auto" (keyword-based
// selection). An empty mode skips the Router and runs hybrid retrieval +
// multi-round reasoning.
func WithMode(mode string) QueryOption {
	return func(o *queryOptions) { o.mode = router.Mode(mode) }
}

// WithMaxResults sets the maximum number of chunks to retrieve.
func WithMaxResults(n int) QueryOption {
	return func(o *queryOptions) { o.maxResults = n }
}

// WithMaxRounds overrides the maximum reasoning rounds for this query.
func WithMaxRounds(n int) QueryOption {
	return func(o *queryOptions) { o.maxRounds = n }
}

// WithWeights overrides the retrieval weights for this query.
func WithWeights(vec, fts, graph float64) QueryOption {
	return func(o *queryOptions) {
		o.weightVec = vec
		o.weightFTS = fts
		o.weightGraph = graph
	}
}

// WithResponseType overrides GLOBAL/DRIFT's synthesized answer style (e.g.
// "multiple paragraphs", "single sentence") for this query only.
func WithResponseType(responseType string) QueryOption {
	return func(o *queryOptions) { o.responseType = responseType }
}

// WithMinCommunityRank overrides GLOBAL search's Phase 1 rank filter for
// this query only.
func WithMinCommunityRank(rank int) QueryOption {
	return func(o *queryOptions) { o.minCommunityRank = rank }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg          Config
	store        *store.Store
	chatLLM      llm.Provider
	embedLLM     llm.Provider
	visionLLM    llm.Provider
	gateway      *llm.Gateway
	parsers      *parser.Registry
	chunkr       *chunker.Chunker
	graphB       *graph.Builder
	retriever    *retrieval.Engine
	reasoner     *reasoning.Engine
	localEngine  *localsearch.Engine
	globalEngine *globalsearch.Engine
	driftEngine  *driftsearch.Engine
	mrouter      *router.Router
}

// New creates a new GoReason engine with the given configuration. ctx bounds
// provider construction only (e.g. Bedrock resolving AWS credentials); it is
// not retained past New returning.
func New(ctx context.Context, cfg Config) (Engine, error) {
	// Resolve database path from config (DBPath > DBName+StorageDir > default)
	dbPath := cfg.resolveDBPath()

	// Apply defaults for zero values
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	// Open store
	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// Create LLM providers
	chatLLM, err := llm.NewProvider(ctx, llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
		Region:   cfg.Chat.Region,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(ctx, llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Region:   cfg.Embedding.Region,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var visionLLM llm.Provider
	if cfg.Vision.Provider != "" {
		visionLLM, err = llm.NewProvider(ctx, llm.Config{
			Provider: cfg.Vision.Provider,
			Model:    cfg.Vision.Model,
			BaseURL:  cfg.Vision.BaseURL,
			APIKey:   cfg.Vision.APIKey,
			Region:   cfg.Vision.Region,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating vision provider: %w", err)
		}
	}

	// Chat provider wrapped behind a Gateway — the single chokepoint for
	// JSON-contract prompts (entity/relationship extraction, community and
	// global-search summarization). Direct chatLLM.Chat calls remain for the
	// multi-round reasoning pipeline, which parses its own response shape.
	gateway := llm.NewGateway(chatLLM, llm.GatewayConfig{
		MaxContinuationAttempts: cfg.MaxContinuationAttempts,
	})

	// Create parser registry
	reg := parser.NewRegistry()
	if cfg.LlamaParse != nil {
		reg.SetLlamaParse(parser.LlamaParseConfig{
			APIKey:  cfg.LlamaParse.APIKey,
			BaseURL: cfg.LlamaParse.BaseURL,
		})
	}

	// Create chunker
	chunkr := chunker.New(chunker.Config{
		MaxTokens: cfg.MaxChunkTokens,
		Overlap:   cfg.ChunkOverlap,
	})

	// Create graph builder
	graphB := graph.NewBuilder(s, gateway, embedLLM, cfg.GraphConcurrency)

	// Create retrieval engine (chatLLM enables cross-language query translation)
	retriever := retrieval.New(s, embedLLM, chatLLM, retrieval.Config{
		WeightVector: cfg.WeightVector,
		WeightFTS:    cfg.WeightFTS,
		WeightGraph:  cfg.WeightGraph,
	})

	// Create reasoning engine
	reasoner := reasoning.New(chatLLM, reasoning.Config{
		MaxRounds:           cfg.MaxRounds,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	})

	// Create the LOCAL, GLOBAL, and DRIFT search backends and the mode
	// Router that dispatches between them.
	localEngine := localsearch.New(s, embedLLM, localsearch.Config{
		EntityTopK:   cfg.LocalSearch.EntityTopK,
		MaxHops:      cfg.LocalSearch.MaxHops,
		TopM:         cfg.LocalSearch.TopM,
		TextUnitTopK: cfg.LocalSearch.TextUnitTopK,
	})

	globalEngine := globalsearch.New(s, gateway, embedLLM, globalsearch.Config{
		MaxContextTokens: cfg.GlobalSearch.MaxContextTokens,
		MaxConcurrent:    cfg.GlobalSearch.MaxConcurrent,
		MinCommunityRank: cfg.GlobalSearch.MinCommunityRank,
		ShuffleContext:   cfg.GlobalSearch.ShuffleContext,
		ResponseType:     cfg.GlobalSearch.ResponseType,
		Seed:             cfg.CommunityDetection.Seed,
	})

	driftEngine := driftsearch.New(s, gateway, retriever, globalEngine, driftsearch.Config{
		MaxContextTokens: cfg.DriftSearch.MaxContextTokens,
		Stream:           cfg.DriftSearch.Stream,
		MinResponseChars: cfg.DriftSearch.MinResponseChars,
		MinTermOverlap:   cfg.DriftSearch.MinTermOverlap,
	})

	e := &engine{
		cfg:          cfg,
		store:        s,
		chatLLM:      chatLLM,
		embedLLM:     embedLLM,
		visionLLM:    visionLLM,
		gateway:      gateway,
		parsers:      reg,
		chunkr:       chunkr,
		graphB:       graphB,
		retriever:    retriever,
		reasoner:     reasoner,
		localEngine:  localEngine,
		globalEngine: globalEngine,
		driftEngine:  driftEngine,
	}

	e.mrouter = router.New(router.Config{
		DefaultMode:    router.Mode(cfg.Router.DefaultMode),
		GlobalKeywords: cfg.Router.GlobalKeywords,
		LocalKeywords:  cfg.Router.LocalKeywords,
	}, localsearch.Backend{Engine: localEngine}, globalsearch.Backend{Engine: globalEngine}, driftsearch.Backend{Engine: driftEngine})

	return e, nil
}

// Ingest processes a document through the full pipeline.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}

	// Compute file hash
	hash, err := fileHash(absPath)
	if err != nil {
		return 0, fmt.Errorf("hashing file: %w", err)
	}

	// Check if document already exists with same hash
	if !options.forceReparse {
		existing, err := e.store.GetDocumentByPath(ctx, absPath)
		if err == nil && existing.ContentHash == hash {
			return existing.ID, nil // no change
		}
	}

	// Determine format
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))
	format := ext

	// Serialize metadata if present
	var metadataJSON string
	if options.metadata != nil {
		data, _ := json.Marshal(options.metadata)
		metadataJSON = string(data)
	}

	// Set status to processing
	filename := filepath.Base(absPath)
	docID, err := e.store.UpsertDocument(ctx, store.Document{
		Path:        absPath,
		Filename:    filename,
		Format:      format,
		ContentHash: hash,
		ParseMethod: "pending",
		Status:      "processing",
		Metadata:    metadataJSON,
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	// Parse
	parseMethod := options.parseMethod
	if parseMethod == "" {
		parseMethod = "native"
	}

	slog.Info("ingest: parsing document", "file", filename, "format", format, "doc_id", docID)
	parseStart := time.Now()

	p, err := e.parsers.Get(format)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	parseMethod = parsed.Method

	slog.Info("ingest: parsing complete",
		"file", filename, "method", parseMethod,
		"sections", len(parsed.Sections), "elapsed", time.Since(parseStart).Round(time.Millisecond))

	// Update parse method
	e.store.UpdateDocumentParseMethod(ctx, docID, parseMethod)

	if err := e.ingestChunks(ctx, docID, filename, parsed.Sections, true); err != nil {
		return 0, err
	}

	totalElapsed := time.Since(parseStart)
	slog.Info("ingest: document ready",
		"file", filename, "doc_id", docID,
		"total_elapsed", totalElapsed.Round(time.Millisecond))
	return docID, nil
}

// ingestChunks runs the shared chunk -> store -> embed -> graph -> community
// tail of document processing, used both by Ingest (a single file, where
// community detection runs immediately) and IngestDir (a whole corpus, where
// community detection is deferred to run once after every document lands).
func (e *engine) ingestChunks(ctx context.Context, docID int64, filename string, sections []parser.Section, runCommunities bool) error {
	chunkStart := time.Now()
	chunks := e.chunkr.Chunk(sections)
	slog.Info("ingest: chunking complete",
		"file", filename, "chunks", len(chunks),
		"max_tokens", e.cfg.MaxChunkTokens, "overlap", e.cfg.ChunkOverlap,
		"elapsed", time.Since(chunkStart).Round(time.Millisecond))

	// Delete old chunks/embeddings/entities for this document (re-ingest)
	if err := e.store.DeleteDocumentData(ctx, docID); err != nil {
		return fmt.Errorf("cleaning old data: %w", err)
	}

	// Store chunks and generate embeddings
	for i := range chunks {
		chunks[i].DocumentID = docID
	}

	chunkIDs, err := e.store.InsertChunks(ctx, chunks)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return fmt.Errorf("inserting chunks: %w", err)
	}

	// Generate embeddings concurrently
	slog.Info("ingest: generating embeddings", "file", filename, "chunks", len(chunks))
	embedStart := time.Now()
	if err := e.embedChunks(ctx, chunks, chunkIDs); err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	slog.Info("ingest: embeddings complete",
		"file", filename, "chunks", len(chunks),
		"elapsed", time.Since(embedStart).Round(time.Millisecond))

	// Build knowledge graph (optional — can be skipped for faster ingestion).
	if !e.cfg.SkipGraph {
		slog.Info("ingest: building knowledge graph", "file", filename, "chunks", len(chunks),
			"concurrency", e.cfg.GraphConcurrency)
		graphStart := time.Now()
		if err := e.graphB.Build(ctx, docID, chunks, chunkIDs); err != nil {
			slog.Warn("graph build had errors (non-fatal)", "doc_id", docID, "error", err)
		}
		slog.Info("ingest: graph build complete",
			"file", filename, "elapsed", time.Since(graphStart).Round(time.Millisecond))

		if runCommunities {
			slog.Info("ingest: detecting communities", "file", filename)
			if err := e.runCommunityDetection(ctx); err != nil {
				slog.Warn("community detection failed (non-fatal)", "error", err)
			}
		}
	} else {
		slog.Info("ingest: graph building skipped (skip_graph=true)", "doc_id", docID)
	}

	e.store.UpdateDocumentStatus(ctx, docID, "ready")
	return nil
}

// runCommunityDetection re-clusters the whole graph and summarizes the
// resulting communities. Errors are logged by callers rather than returned
// as fatal, since a document is still usable for retrieval without an
// up-to-date community layer.
func (e *engine) runCommunityDetection(ctx context.Context) error {
	communityCfg := graph.CommunityConfig{
		MaxClusterSize: e.cfg.CommunityDetection.MaxClusterSize,
		Resolution:     e.cfg.CommunityDetection.Resolution,
		Randomness:     e.cfg.CommunityDetection.Randomness,
		Seed:           e.cfg.CommunityDetection.Seed,
		UseLCC:         e.cfg.CommunityDetection.UseLCC,
	}
	communities, err := graph.DetectCommunities(ctx, e.store, communityCfg)
	if err != nil {
		return fmt.Errorf("detecting communities: %w", err)
	}
	if len(communities) == 0 {
		return nil
	}
	slog.Info("ingest: summarizing communities", "count", len(communities))
	return graph.SummarizeCommunities(ctx, e.store, e.gateway, e.embedLLM, communities)
}

// IngestDir implements the Ingestion Orchestrator's add_documents entry
// point (§4.11): walk input_dir via the Document Loader, skip documents
// whose content hash is already recorded, ingest everything new or
// changed, and run community detection once over the accumulated graph
// rather than after every single document.
func (e *engine) IngestDir(ctx context.Context, inputDir string, opts ...IngestOption) ([]int64, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absDir, err := filepath.Abs(inputDir)
	if err != nil {
		return nil, fmt.Errorf("resolving input dir: %w", err)
	}

	docs, err := loader.Walk(absDir, e.cfg.IgnorePatterns)
	if err != nil {
		var aerr *loader.ArchiveError
		if errors.As(err, &aerr) {
			return nil, fmt.Errorf("%w: %v", ErrArchive, aerr)
		}
		return nil, fmt.Errorf("walking %s: %w", absDir, err)
	}
	slog.Info("ingestdir: discovered documents", "dir", absDir, "count", len(docs))

	known, err := e.store.ProcessedHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading processed hashes: %w", err)
	}

	var docIDs []int64
	var ingestedAny bool
	for _, d := range docs {
		hash, herr := contentHashFor(d)
		if herr != nil {
			return docIDs, fmt.Errorf("hashing %s: %w", d.VirtualPath, herr)
		}
		if !options.forceReparse && known[d.VirtualPath] == hash {
			continue
		}

		var docID int64
		var ierr error
		if d.Inline {
			docID, ierr = e.ingestInline(ctx, d, hash, options)
		} else {
			docID, ierr = e.ingestWalked(ctx, d, hash, options)
		}
		if ierr != nil {
			return docIDs, fmt.Errorf("ingesting %s: %w", d.VirtualPath, ierr)
		}

		if err := e.store.MarkProcessed(ctx, d.VirtualPath, hash); err != nil {
			return docIDs, fmt.Errorf("marking processed %s: %w", d.VirtualPath, err)
		}
		docIDs = append(docIDs, docID)
		ingestedAny = true
	}

	if ingestedAny && !e.cfg.SkipGraph {
		slog.Info("ingestdir: running community detection", "documents", len(docIDs))
		if err := e.runCommunityDetection(ctx); err != nil {
			slog.Warn("community detection failed (non-fatal)", "error", err)
		}
	}

	return docIDs, nil
}

// ingestWalked ingests a loader.Document backed by a real file on disk —
// either an original file under inputDir or a temp file holding an
// extracted archive member — recording it under its virtual path so
// archive members land in processed_files as "archive!/internal/path".
func (e *engine) ingestWalked(ctx context.Context, d loader.Document, hash string, options *ingestOptions) (int64, error) {
	filename := filepath.Base(d.VirtualPath)
	if d.ArchiveInternalPath != "" {
		filename = filepath.Base(d.ArchiveInternalPath)
	}

	var metadataJSON string
	if options.metadata != nil {
		data, _ := json.Marshal(options.metadata)
		metadataJSON = string(data)
	}

	docID, err := e.store.UpsertDocument(ctx, store.Document{
		Path:        d.VirtualPath,
		Filename:    filename,
		Format:      d.Format,
		ContentHash: hash,
		ParseMethod: "pending",
		Status:      "processing",
		Metadata:    metadataJSON,
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	p, err := e.parsers.Get(d.Format)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, d.Format)
	}

	parsed, err := p.Parse(ctx, d.Path)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	e.store.UpdateDocumentParseMethod(ctx, docID, parsed.Method)

	if err := e.ingestChunks(ctx, docID, filename, parsed.Sections, false); err != nil {
		return 0, err
	}
	return docID, nil
}

// ingestInline ingests a loader.Document whose content was already
// resolved in memory (a CSV row) — there is no file to parse, so its text
// is wrapped in a single synthetic section and chunked directly.
func (e *engine) ingestInline(ctx context.Context, d loader.Document, hash string, options *ingestOptions) (int64, error) {
	var metadataJSON string
	if options.metadata != nil {
		data, _ := json.Marshal(options.metadata)
		metadataJSON = string(data)
	}

	docID, err := e.store.UpsertDocument(ctx, store.Document{
		Path:        d.VirtualPath,
		Filename:    d.VirtualPath,
		Format:      d.Format,
		ContentHash: hash,
		ParseMethod: "inline",
		Status:      "processing",
		Metadata:    metadataJSON,
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	sections := []parser.Section{{Heading: d.VirtualPath, Content: d.Text, Level: 1, Type: "paragraph"}}
	if err := e.ingestChunks(ctx, docID, d.VirtualPath, sections, false); err != nil {
		return 0, err
	}
	return docID, nil
}

// contentHashFor computes the dedup hash for a loader.Document: the raw
// file bytes for on-disk/extracted documents, or the resolved text itself
// for inline (CSV row) documents that have no backing file to hash.
func contentHashFor(d loader.Document) (string, error) {
	if d.Inline {
		h := sha256.Sum256([]byte(d.Text))
		return hex.EncodeToString(h[:]), nil
	}
	return fileHash(d.Path)
}

// Query routes question through the configured search mode. With no mode
// requested, it runs the engine's hybrid-retrieval+reasoning pipeline
// directly (queryLocal) — a richer, LLM-backed default distinct from the
// entity-anchored Local Search primitive. An explicit mode (including
// "local") or AUTO dispatches through the mode Router to the matching
// backend — local, global, and drift — with the result folded back into
// the Answer/Source shape queryLocal returns.
func (e *engine) Query(ctx context.Context, question string, opts ...QueryOption) (*Answer, error) {
	options := &queryOptions{
		maxResults:       20,
		maxRounds:        e.cfg.MaxRounds,
		weightVec:        e.cfg.WeightVector,
		weightFTS:        e.cfg.WeightFTS,
		weightGraph:      e.cfg.WeightGraph,
		minCommunityRank: -1,
	}
	for _, o := range opts {
		o(options)
	}

	if options.mode != "" {
		return e.queryRouted(ctx, question, options)
	}

	return e.queryLocal(ctx, question, options)
}

// queryRouted dispatches any explicitly requested mode (local, global,
// drift or auto) through the Router and adapts the
// backend's uniform (nodes, metadata) result into an Answer. GLOBAL and
// DRIFT backends stash their synthesized answer text and confidence-bearing
// diagnostics in metadata, since they don't share LOCAL's Source/Step shape.
func (e *engine) queryRouted(ctx context.Context, question string, options *queryOptions) (*Answer, error) {
	if options.responseType != "" {
		ctx = globalsearch.WithResponseType(ctx, options.responseType)
	}
	if options.minCommunityRank >= 0 {
		ctx = globalsearch.WithMinCommunityRank(ctx, options.minCommunityRank)
	}

	_, meta, selected, err := e.mrouter.Route(ctx, question, options.mode)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", selected, err)
	}

	answer := &Answer{ModelUsed: string(selected)}
	if text, ok := meta["answer"].(string); ok {
		answer.Text = text
	}
	if answer.Text == "" {
		answer.Text = fmt.Sprintf("%s search returned no synthesized answer; see metadata for raw results.", selected)
	}

	e.store.LogQuery(ctx, store.QueryLog{
		Query:           question,
		Answer:          answer.Text,
		RetrievalMethod: string(selected),
		ModelUsed:       answer.ModelUsed,
	})

	return answer, nil
}

// queryLocal runs the LOCAL search mode: hybrid retrieval followed by
// multi-round reasoning, with a synthesis-query follow-up retrieval pass.
func (e *engine) queryLocal(ctx context.Context, question string, options *queryOptions) (*Answer, error) {
	// Hybrid retrieval
	results, searchTrace, err := e.retriever.Search(ctx, question, retrieval.SearchOptions{
		MaxResults:  options.maxResults,
		WeightVec:   options.weightVec,
		WeightFTS:   options.weightFTS,
		WeightGraph: options.weightGraph,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	// Multi-round reasoning
	rAnswer, err := e.reasoner.Reason(ctx, question, results, reasoning.Options{
		MaxRounds: options.maxRounds,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning: %w", err)
	}

	// Follow-up retrieval for synthesis queries with a full initial window.
	// When the first retrieval filled the entire result window, there are
	// likely more relevant chunks we didn't see. Extract identifiers from
	// the round-1 answer that don't appear in retrieved chunks (these may
	// be hallucinated or from LLM prior knowledge) and do a targeted FTS
	// search to find supporting evidence or disprove them.
	//
	// Gate: compare against FusedResults (the actual window size after
	// synthesis widening) rather than the caller's original maxResults,
	// so we only fire when the widened window was truly filled.
	if searchTrace != nil && searchTrace.SynthesisMode && searchTrace.FusedResults >= searchTrace.MaxRequested {
		// The widened window was filled — there are likely more chunks.
		missing := extractMissingTerms(rAnswer.Text, results)
		if len(missing) > 0 {
			slog.Debug("retrieval: synthesis follow-up",
				"missing_terms", missing, "count", len(missing))

			// Replace hyphens with spaces so FTS tokenisation matches the
			// index (FTS5 treats hyphens as separators). E.g. "ISO 13849-1"
			// becomes "ISO 13849 1" → tokens match the indexed content.
			ftsTerms := make([]string, len(missing))
			for i, m := range missing {
				ftsTerms[i] = strings.ReplaceAll(m, "-", " ")
			}
			ftsQuery := strings.Join(ftsTerms, " OR ")

			extraResults, followTrace, ferr := e.retriever.Search(ctx, ftsQuery, retrieval.SearchOptions{
				MaxResults:  15,
				WeightFTS:   2.0,
				WeightVec:   0.5,
				WeightGraph: 1.0,
			})

			// Record follow-up in the original trace for diagnostics.
			searchTrace.FollowUpTerms = missing
			if followTrace != nil {
				searchTrace.FollowUpResults = followTrace.FusedResults
			}

			if ferr == nil && len(extraResults) > 0 {
				merged := mergeResults(results, extraResults)
				slog.Debug("retrieval: synthesis follow-up merged",
					"extra", len(extraResults), "total", len(merged))

				// Accumulate token counts from the first reasoning call
				// so the final answer reflects total usage.
				firstPromptTokens := rAnswer.PromptTokens
				firstCompletionTokens := rAnswer.CompletionTokens

				// Re-run reasoning with expanded context
				rAnswer2, rerr := e.reasoner.Reason(ctx, question, merged, reasoning.Options{
					MaxRounds: options.maxRounds,
				})
				if rerr == nil {
					rAnswer2.PromptTokens += firstPromptTokens
					rAnswer2.CompletionTokens += firstCompletionTokens
					rAnswer2.TotalTokens = rAnswer2.PromptTokens + rAnswer2.CompletionTokens
					rAnswer2.Rounds += rAnswer.Rounds
					rAnswer = rAnswer2
					results = merged
				}
			}
		}
	}

	// Convert reasoning.Answer -> goreason.Answer
	answer := &Answer{
		Text:             rAnswer.Text,
		Confidence:       rAnswer.Confidence,
		RetrievalTrace:   searchTrace,
		ModelUsed:        rAnswer.ModelUsed,
		Rounds:           rAnswer.Rounds,
		PromptTokens:     rAnswer.PromptTokens,
		CompletionTokens: rAnswer.CompletionTokens,
		TotalTokens:      rAnswer.TotalTokens,
	}
	for _, s := range rAnswer.Sources {
		answer.Sources = append(answer.Sources, Source{
			ChunkID:    s.ChunkID,
			DocumentID: s.DocumentID,
			Filename:   s.Filename,
			Content:    s.Content,
			Heading:    s.Heading,
			PageNumber: s.PageNumber,
			Score:      s.Score,
		})
	}
	for _, s := range rAnswer.Reasoning {
		answer.Reasoning = append(answer.Reasoning, Step{
			Round:      s.Round,
			Action:     s.Action,
			Input:      s.Input,
			Output:     s.Output,
			Prompt:     s.Prompt,
			Response:   s.Response,
			Validation: s.Validation,
			ChunksUsed: s.ChunksUsed,
			Tokens:     s.Tokens,
			ElapsedMs:  s.ElapsedMs,
			Issues:     s.Issues,
		})
	}

	// Log query
	e.store.LogQuery(ctx, store.QueryLog{
		Query:            question,
		Answer:           answer.Text,
		Confidence:       answer.Confidence,
		Sources:          answer.Sources,
		RetrievalMethod:  "hybrid",
		ModelUsed:        answer.ModelUsed,
		Rounds:           answer.Rounds,
		PromptTokens:     answer.PromptTokens,
		CompletionTokens: answer.CompletionTokens,
		TotalTokens:      answer.TotalTokens,
	})

	return answer, nil
}

// Update checks if a document has changed and re-ingests if needed.
func (e *engine) Update(ctx context.Context, path string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}

	doc, err := e.store.GetDocumentByPath(ctx, absPath)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrDocumentNotFound, absPath)
	}

	hash, err := fileHash(absPath)
	if err != nil {
		return false, fmt.Errorf("hashing file: %w", err)
	}

	if hash == doc.ContentHash {
		return false, nil
	}

	_, err = e.Ingest(ctx, absPath, WithForceReparse())
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateAll checks all documents for changes.
func (e *engine) UpdateAll(ctx context.Context) ([]UpdateResult, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]UpdateResult, 0, len(docs))
	for _, doc := range docs {
		changed, err := e.Update(ctx, doc.Path)
		results = append(results, UpdateResult{
			DocumentID: doc.ID,
			Path:       doc.Path,
			Changed:    changed,
			Error:      err,
		})
	}
	return results, nil
}

// Delete removes a document and all its associated data.
func (e *engine) Delete(ctx context.Context, documentID int64) error {
	return e.store.DeleteDocument(ctx, documentID)
}

// ListDocuments returns all ingested documents.
func (e *engine) ListDocuments(ctx context.Context) ([]Document, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Document, len(docs))
	for i, d := range docs {
		result[i] = Document{
			ID:          d.ID,
			Path:        d.Path,
			Filename:    d.Filename,
			Format:      d.Format,
			ContentHash: d.ContentHash,
			ParseMethod: d.ParseMethod,
			Status:      d.Status,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		}
		if d.Metadata != "" {
			_ = json.Unmarshal([]byte(d.Metadata), &result[i].Metadata)
		}
	}
	return result, nil
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}

// maxEmbedChars is the maximum character length for a single text sent to the
// embedding model. Most embedding models have a context window of 8192 tokens;
// using ~24000 chars (~6000 tokens) leaves headroom for varied tokenisers and
// languages where token/char ratios differ from English.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	// Cut at the last space before the limit to avoid splitting a word.
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// embedChunks generates embeddings for chunks in batches.
// Individual batch failures trigger per-text fallback so a single oversized
// text does not cause the entire batch to be lost.
func (e *engine) embedChunks(ctx context.Context, chunks []store.Chunk, chunkIDs []int64) error {
	const batchSize = 32
	var failed int

	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			prefix := ""
			if chunks[j].Heading != "" {
				prefix = chunks[j].Heading + ": "
			}
			texts[j-i] = truncateForEmbed(prefix + chunks[j].Content)
		}

		embeddings, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			// Batch failed — fall back to embedding each text individually
			// so one oversized text doesn't lose the entire batch.
			slog.Warn("embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embedLLM.Embed(ctx, []string{text})
				if serr != nil {
					slog.Warn("embedding single text failed",
						"chunk_id", chunkIDs[i+j], "error", serr)
					failed++
					continue
				}
				if len(single) == 0 || len(single[0]) == 0 {
					failed++
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, chunkIDs[i+j], single[0]); serr != nil {
					slog.Warn("storing embedding failed",
						"chunk_id", chunkIDs[i+j], "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := e.store.InsertEmbedding(ctx, chunkIDs[i+j], emb); err != nil {
				slog.Warn("storing embedding failed",
					"chunk_id", chunkIDs[i+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) {
		return fmt.Errorf("all %d chunks failed embedding", len(chunks))
	}
	if failed > 0 {
		slog.Warn("some embeddings failed", "failed", failed, "total", len(chunks))
	}
	return nil
}

// Regex patterns for extracting technical identifiers from answer text.
// Adapted from the identifier patterns in graph/builder.go (without its
// IP-address and measurement patterns), plus IP ratings and further
// standard prefixes.
var answerIdentifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:ISO|EN|IEC|MIL-STD|ASTM|IEEE|NIST|AS|BS)\s*[-]?\s*\d[\w.-]*`),
	regexp.MustCompile(`(?i)(?:PN[:\s]*|P/N[:\s]*)?[A-Z]{1,3}[-]?\d{3,6}`),
	regexp.MustCompile(`(?i)Rev\.?\s*[A-Z0-9]{1,5}`),
	regexp.MustCompile(`\b[A-Z]{2,4}-[A-Z]{1,4}\b`),
	regexp.MustCompile(`(?i)\d+(?:\.\d+)?\s*[Vv](?:AC|DC|ac|dc)?\b`),
	regexp.MustCompile(`(?i)IP\s*\d{2}\b`),                                   // IP ratings like IP54
	regexp.MustCompile(`(?i)(?:UNE|NTP|ANSI|DIN|JIS|NF)\s*[-]?\s*\d[\w.-]*`), // additional standard prefixes
}

// falsePositivePrefixes filters out regex matches that are common in LLM
// prose but are not real technical identifiers.
var falsePositivePrefixes = []string{
	"figure ", "fig ", "table ", "step ", "page ", "section ",
	"chapter ", "item ", "part ", "ref ",
}

// isFalsePositiveIdentifier returns true if the matched string is likely
// a document cross-reference rather than a real technical identifier.
func isFalsePositiveIdentifier(ctx string, match string) bool {
	// Check if the match is preceded by a prose prefix in the surrounding text.
	idx := strings.Index(strings.ToLower(ctx), strings.ToLower(match))
	if idx <= 0 {
		return false
	}
	before := strings.ToLower(ctx[max(0, idx-10):idx])
	for _, p := range falsePositivePrefixes {
		if strings.HasSuffix(before, p) {
			return true
		}
	}
	return false
}

// extractMissingTerms finds technical identifiers in the answer text that do
// not appear in any of the retrieved chunks. These are candidates for targeted
// follow-up retrieval — they may be hallucinated or sourced from the LLM's
// prior knowledge, and finding supporting chunks improves answer grounding.
func extractMissingTerms(answer string, chunks []store.RetrievalResult) []string {
	// Build a single lowercase string of all retrieved content for fast lookup.
	var buf strings.Builder
	for _, c := range chunks {
		buf.WriteString(strings.ToLower(c.Content))
		buf.WriteByte(' ')
	}
	chunkContent := buf.String()

	seen := make(map[string]bool)
	var missing []string
	for _, p := range answerIdentifierPatterns {
		for _, m := range p.FindAllString(answer, -1) {
			key := strings.ToLower(strings.TrimSpace(m))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if isFalsePositiveIdentifier(answer, m) {
				continue
			}
			if !strings.Contains(chunkContent, key) {
				missing = append(missing, m)
			}
		}
	}
	return missing
}

// mergeResults appends extra retrieval results to the existing set,
// deduplicating by ChunkID. New results are appended at the end (lower
// priority than the original set).
func mergeResults(existing, extra []store.RetrievalResult) []store.RetrievalResult {
	seen := make(map[int64]bool, len(existing))
	for _, r := range existing {
		seen[r.ChunkID] = true
	}
	merged := make([]store.RetrievalResult, len(existing))
	copy(merged, existing)
	for _, r := range extra {
		if !seen[r.ChunkID] {
			seen[r.ChunkID] = true
			merged = append(merged, r)
		}
	}
	return merged
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package router selects a query mode — local, global, or drift — and
// dispatches to the matching search backend. It is grounded on the
// SearchModeRouter/_auto_select_mode logic of the distilled system's
// original Python router.
package router

import (
	"context"
	"strings"
)

// Mode identifies which search backend should answer a query.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeGlobal Mode = "global"
	ModeDrift  Mode = "drift"
	ModeAuto   Mode = "auto"
)

// Backend runs a single search mode and returns a uniform result envelope:
// nodes carry whatever shape that mode's caller expects (store.RetrievalResult,
// store.WeightedCommunityReport, etc.) and metadata records mode-specific
// diagnostics (the search trace, token usage, chosen mode).
type Backend interface {
	Search(ctx context.Context, query string) (nodes []any, metadata map[string]any, err error)
}

// Config controls AUTO mode keyword selection and the mode used when no
// keyword matches.
type Config struct {
	DefaultMode    Mode
	GlobalKeywords []string
	LocalKeywords  []string
}

// Router dispatches a query to one of three Backends based on an explicit
// mode or, for ModeAuto, a keyword-based heuristic.
type Router struct {
	cfg    Config
	local  Backend
	global Backend
	drift  Backend
}

// New creates a Router. A nil drift backend causes AUTO/explicit DRIFT
// requests to fall back to GLOBAL, mirroring the original router's
// behavior when no DRIFT retriever is configured.
func New(cfg Config, local, global, drift Backend) *Router {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeLocal
	}
	return &Router{cfg: cfg, local: local, global: global, drift: drift}
}

// Route runs query through the backend selected by mode. An empty or "auto"
// mode triggers keyword-based auto-selection.
func (r *Router) Route(ctx context.Context, query string, mode Mode) ([]any, map[string]any, Mode, error) {
	selected := mode
	if selected == "" || selected == ModeAuto {
		selected = r.autoSelectMode(query)
	}

	backend := r.backendFor(selected)
	nodes, meta, err := backend.Search(ctx, query)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["mode"] = string(selected)
	return nodes, meta, selected, err
}

// backendFor resolves a Mode to a concrete Backend, falling back to GLOBAL
// for DRIFT when no drift backend is configured, and to the configured
// default when the backend for a resolved mode is otherwise missing.
func (r *Router) backendFor(mode Mode) Backend {
	switch mode {
	case ModeGlobal:
		if r.global != nil {
			return r.global
		}
	case ModeDrift:
		if r.drift != nil {
			return r.drift
		}
		if r.global != nil {
			return r.global
		}
	case ModeLocal:
		if r.local != nil {
			return r.local
		}
	}
	return r.defaultBackend()
}

func (r *Router) defaultBackend() Backend {
	switch r.cfg.DefaultMode {
	case ModeGlobal:
		if r.global != nil {
			return r.global
		}
	case ModeDrift:
		if r.drift != nil {
			return r.drift
		}
	}
	return r.local
}

// autoSelectMode inspects query for configured keyword sets. Global keywords
// take priority (a query asking for both an overview and a detail is more
// often answerable by a broad summary); local keywords are checked next;
// otherwise the configured default mode is used.
func (r *Router) autoSelectMode(query string) Mode {
	lower := strings.ToLower(query)
	for _, kw := range r.cfg.GlobalKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return ModeGlobal
		}
	}
	for _, kw := range r.cfg.LocalKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return ModeLocal
		}
	}
	return r.cfg.DefaultMode
}

package llm

import "errors"

var (
	// ErrProviderUnavailable is returned on LLM transport/auth failure (ProviderError, §7).
	ErrProviderUnavailable = errors.New("llm: provider unavailable")

	// ErrParseJSON is returned when a response cannot be parsed as the
	// expected JSON shape after all continuation attempts (ParseError, §7).
	ErrParseJSON = errors.New("llm: response did not parse as JSON")

	// ErrUnsupportedOperation is returned by providers that do not implement
	// part of the Provider/VisionProvider surface (e.g. Anthropic has no
	// embeddings endpoint).
	ErrUnsupportedOperation = errors.New("llm: operation not supported by this provider")
)

// Package config defines the Options the retrieval engine is constructed
// with (spec §6). Options are validated strictly: an unrecognized key in the
// input map is a construction error, not a silently ignored one, so a typo
// in a config file never quietly falls back to a default.
package config

import (
	"fmt"
	"time"
)

// FusionWeights controls how the reranker's Fuse score is computed.
type FusionWeights struct {
	Cosine    float64
	Rerank    float64
	Promotion float64
}

// Options is the engine's full set of tunables.
type Options struct {
	CacheDir             string
	EmbeddingModelID     string
	RerankModelID        string
	PromotionTTLSec      float64
	PromotionHalfLifeSec float64
	Fusion               FusionWeights
	ShortlistK           int
	MaxCandidates        int
	PerCallTimeoutMS     int
	NetworkIdleMS        int
	AutoOverlayDismiss   bool
}

// Default returns the engine's documented defaults (spec §6).
func Default() Options {
	return Options{
		CacheDir:             ".her-cache",
		EmbeddingModelID:     "bge-small-en-v1.5",
		RerankModelID:        "markuplm-base-qa",
		PromotionTTLSec:      259200,
		PromotionHalfLifeSec: 86400,
		Fusion:               FusionWeights{Cosine: 0.3, Rerank: 0.6, Promotion: 0.1},
		ShortlistK:           20,
		MaxCandidates:        5,
		PerCallTimeoutMS:     30000,
		NetworkIdleMS:        500,
		AutoOverlayDismiss:   true,
	}
}

// knownKeys is the complete set of keys FromMap accepts.
var knownKeys = map[string]bool{
	"cache_dir": true, "embedding_model_id": true, "rerank_model_id": true,
	"promotion_ttl_sec": true, "promotion_half_life_sec": true,
	"fusion_weights": true, "shortlist_k": true, "max_candidates": true,
	"per_call_timeout_ms": true, "network_idle_ms": true, "auto_overlay_dismiss": true,
}

// FromMap builds Options starting from Default() and overlaying raw, a
// loosely-typed map (e.g. decoded from JSON/YAML). Any key in raw that is
// not in knownKeys is rejected outright.
func FromMap(raw map[string]any) (Options, error) {
	for k := range raw {
		if !knownKeys[k] {
			return Options{}, fmt.Errorf("config: unrecognized option %q", k)
		}
	}

	opts := Default()
	if v, ok := raw["cache_dir"]; ok {
		s, ok := v.(string)
		if !ok {
			return Options{}, fmt.Errorf("config: cache_dir must be a string")
		}
		opts.CacheDir = s
	}
	if v, ok := raw["embedding_model_id"]; ok {
		s, ok := v.(string)
		if !ok {
			return Options{}, fmt.Errorf("config: embedding_model_id must be a string")
		}
		opts.EmbeddingModelID = s
	}
	if v, ok := raw["rerank_model_id"]; ok {
		s, ok := v.(string)
		if !ok {
			return Options{}, fmt.Errorf("config: rerank_model_id must be a string")
		}
		opts.RerankModelID = s
	}
	if v, ok := raw["promotion_ttl_sec"]; ok {
		f, err := asFloat(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: promotion_ttl_sec: %w", err)
		}
		opts.PromotionTTLSec = f
	}
	if v, ok := raw["promotion_half_life_sec"]; ok {
		f, err := asFloat(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: promotion_half_life_sec: %w", err)
		}
		opts.PromotionHalfLifeSec = f
	}
	if v, ok := raw["fusion_weights"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return Options{}, fmt.Errorf("config: fusion_weights must be an object")
		}
		fw, err := fusionWeightsFromMap(m)
		if err != nil {
			return Options{}, err
		}
		opts.Fusion = fw
	}
	if v, ok := raw["shortlist_k"]; ok {
		n, err := asInt(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: shortlist_k: %w", err)
		}
		opts.ShortlistK = n
	}
	if v, ok := raw["max_candidates"]; ok {
		n, err := asInt(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: max_candidates: %w", err)
		}
		opts.MaxCandidates = n
	}
	if v, ok := raw["per_call_timeout_ms"]; ok {
		n, err := asInt(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: per_call_timeout_ms: %w", err)
		}
		opts.PerCallTimeoutMS = n
	}
	if v, ok := raw["network_idle_ms"]; ok {
		n, err := asInt(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: network_idle_ms: %w", err)
		}
		opts.NetworkIdleMS = n
	}
	if v, ok := raw["auto_overlay_dismiss"]; ok {
		b, ok := v.(bool)
		if !ok {
			return Options{}, fmt.Errorf("config: auto_overlay_dismiss must be a bool")
		}
		opts.AutoOverlayDismiss = b
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func fusionWeightsFromMap(m map[string]any) (FusionWeights, error) {
	fw := FusionWeights{Cosine: 0.3, Rerank: 0.6, Promotion: 0.1}
	for k, v := range m {
		f, err := asFloat(v)
		if err != nil {
			return FusionWeights{}, fmt.Errorf("config: fusion_weights.%s: %w", k, err)
		}
		switch k {
		case "cosine":
			fw.Cosine = f
		case "rerank":
			fw.Rerank = f
		case "promotion":
			fw.Promotion = f
		default:
			return FusionWeights{}, fmt.Errorf("config: unrecognized fusion_weights key %q", k)
		}
	}
	return fw, nil
}

// Validate checks invariants Default() and FromMap() both rely on.
func (o Options) Validate() error {
	if o.ShortlistK <= 0 {
		return fmt.Errorf("config: shortlist_k must be positive")
	}
	if o.MaxCandidates <= 0 {
		return fmt.Errorf("config: max_candidates must be positive")
	}
	if o.PerCallTimeoutMS <= 0 {
		return fmt.Errorf("config: per_call_timeout_ms must be positive")
	}
	return nil
}

func (o Options) PerCallTimeout() time.Duration {
	return time.Duration(o.PerCallTimeoutMS) * time.Millisecond
}

func (o Options) NetworkIdle() time.Duration {
	return time.Duration(o.NetworkIdleMS) * time.Millisecond
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		return int(t), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

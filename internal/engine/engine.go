// Package engine implements the Orchestrator (spec §4.10): the state
// machine that drives a single step's resolution through every other
// package — consult the promotion cache, snapshot the page, shortlist by
// cosine similarity, rerank the survivors, synthesize and verify a locator,
// and record the outcome. Resolve has no Go error return; every failure
// path returns a RetrievalResult with Success=false. A failure raised by a
// stage (input, snapshot, embedding, verification) carries a tagged
// Diagnostics.ErrorKind; a page with no elements, an empty shortlist, or a
// shortlist where no candidate could be reranked is reported through
// Diagnostics.Message only, with ErrorKind left empty. Panics are not
// recovered.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hybrid-element-retriever/her/internal/browser"
	"github.com/hybrid-element-retriever/her/internal/config"
	"github.com/hybrid-element-retriever/her/internal/delta"
	"github.com/hybrid-element-retriever/her/internal/herrors"
	"github.com/hybrid-element-retriever/her/internal/locator"
	"github.com/hybrid-element-retriever/her/internal/model"
	"github.com/hybrid-element-retriever/her/internal/promotion"
	"github.com/hybrid-element-retriever/her/internal/rank"
	"github.com/hybrid-element-retriever/her/internal/rerank"
	"github.com/hybrid-element-retriever/her/internal/snapshot"
	"github.com/hybrid-element-retriever/her/internal/snippet"
	"github.com/hybrid-element-retriever/her/internal/verify"
)

// Embedder is the subset of *embed.Embedder the engine depends on, narrowed
// to an interface so the pipeline can be driven by a fake in tests without
// a real ONNX model on disk.
type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	EmbedElements(ctx context.Context, elements []model.ElementDescriptor) ([]model.VectorRecord, error)
}

// Reranker is the subset of *rerank.Reranker the engine depends on.
type Reranker interface {
	Score(ctx context.Context, query, snippet string) (float32, error)
}

// cacheHitBoost is added to a cache record's decayed score once its locator
// re-verifies, since a hit that still resolves is strictly better evidence
// than the stored score alone reflects (spec §4.10).
const cacheHitBoost = 0.05

// source enumerates how a RetrievalResult's locator was obtained (spec §6).
const (
	SourceCacheHit            = "cache-hit"
	SourceRanked              = "ranked"
	SourceFallbackUnverified  = "fallback-unverified"
)

// Verification mirrors verify.Result for the parts a caller needs to know
// about without importing the verify package directly (spec §6).
type Verification struct {
	OK        bool     `json:"ok"`
	Unique    bool     `json:"unique"`
	FramePath []string `json:"frame_path,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Diagnostics accompanies every RetrievalResult, successful or not (spec §6).
type Diagnostics struct {
	ErrorKind            herrors.Kind     `json:"error_kind,omitempty"`
	Message              string           `json:"message,omitempty"`
	CacheHit             bool             `json:"cache_hit"`
	FramesSkipped        int              `json:"frames_skipped"`
	CandidatesConsidered int              `json:"candidates_considered"`
	ElementsEmbedded     int              `json:"elements_embedded"`
	Cosine               float32          `json:"cosine"`
	Rerank               float32          `json:"rerank"`
	Fused                float32          `json:"fused"`
	PromotionPrior       float32          `json:"promotion_prior"`
	TimingsMS            map[string]int64 `json:"timings_ms,omitempty"`
}

// RetrievalResult is what Resolve always returns, per spec §4.10/§6.
type RetrievalResult struct {
	Success      bool                     `json:"success"`
	Confidence   float32                  `json:"confidence"`
	Locator      model.LocatorCandidate   `json:"locator"`
	Alternatives []model.LocatorCandidate `json:"alternatives,omitempty"`
	Descriptor   model.ElementDescriptor  `json:"descriptor"`
	FramePath    []string                 `json:"frame_path,omitempty"`
	Handle       browser.NodeHandle       `json:"handle,omitempty"`
	Verification Verification             `json:"verification"`
	Source       string                   `json:"source,omitempty"`
	Diagnostics  Diagnostics              `json:"diagnostics"`
}

func failure(kind herrors.Kind, msg string) RetrievalResult {
	return RetrievalResult{Diagnostics: Diagnostics{ErrorKind: kind, Message: msg}}
}

// Engine owns the pipeline's stateful collaborators for one session: the
// driver, the embedding/rerank models, the delta index, a running
// element-embedding cache, and the promotion store.
type Engine struct {
	Driver    browser.Driver
	Embedder  Embedder
	Reranker  Reranker
	Promotion *promotion.Store
	Opts      config.Options

	logger      zerolog.Logger
	snapshotter *snapshot.Snapshotter
	deltaIdx    *delta.Index
	vectors     map[string]model.VectorRecord
	descriptors map[string]model.ElementDescriptor
	snapshot    model.PageSnapshot
}

func New(d browser.Driver, emb Embedder, rr Reranker, promo *promotion.Store, opts config.Options) *Engine {
	return NewWithLogger(d, emb, rr, promo, opts, zerolog.Nop())
}

// NewWithLogger is New but logs partial-failure paths (skipped frames,
// fallback-unverified resolutions) through logger.
func NewWithLogger(d browser.Driver, emb Embedder, rr Reranker, promo *promotion.Store, opts config.Options, logger zerolog.Logger) *Engine {
	return &Engine{
		Driver:      d,
		Embedder:    emb,
		Reranker:    rr,
		Promotion:   promo,
		Opts:        opts,
		logger:      logger,
		snapshotter: snapshot.NewWithLogger(logger),
		deltaIdx:    delta.NewIndex(),
		vectors:     make(map[string]model.VectorRecord),
		descriptors: make(map[string]model.ElementDescriptor),
	}
}

// Resolve runs the full six-stage pipeline for one natural-language query
// against the driver's current page, within contextKey (the promotion
// cache's partition key — typically a hash of the page URL plus the step
// text). now is the caller-supplied Unix timestamp used for all promotion
// cache decay math, so decay never depends on the wall clock; time.Now() is
// read only for the per-stage timings in Diagnostics.TimingsMS.
func (e *Engine) Resolve(ctx context.Context, query, contextKey string, now float64) RetrievalResult {
	if query == "" {
		return failure(herrors.KindInput, "empty query")
	}

	timings := map[string]int64{}
	stage := func(name string, start time.Time) {
		timings[name] = time.Since(start).Milliseconds()
	}

	cacheStart := time.Now()
	res, hit := e.consultCache(ctx, contextKey, now)
	stage("consult_cache_ms", cacheStart)
	if hit {
		res.Diagnostics.TimingsMS = timings
		return res
	}

	snapStart := time.Now()
	snap, err := e.snapshotter.Capture(ctx, e.Driver, int64(now))
	stage("snapshot_ms", snapStart)
	if err != nil {
		return failure(herrors.KindOf(err), err.Error())
	}
	e.snapshot = snap

	deltas := e.deltaIdx.Update(snap)
	var toEmbed []model.ElementDescriptor
	for _, fd := range deltas {
		if fd.Unchanged {
			continue
		}
		for _, k := range fd.RemovedKeys {
			delete(e.vectors, k)
			delete(e.descriptors, k)
		}
		toEmbed = append(toEmbed, fd.NewElements...)
	}
	for _, el := range toEmbed {
		e.descriptors[model.ElementKey(el)] = el
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.Opts.PerCallTimeout())
	defer cancel()

	embedStart := time.Now()
	if len(toEmbed) > 0 {
		recs, err := e.Embedder.EmbedElements(embedCtx, toEmbed)
		if err != nil {
			return failure(herrors.KindOf(err), err.Error())
		}
		for _, r := range recs {
			e.vectors[r.ElementKey] = r
		}
	}
	stage("embed_elements_ms", embedStart)

	if len(e.vectors) == 0 {
		return RetrievalResult{Diagnostics: Diagnostics{Message: "no elements on page", TimingsMS: timings}}
	}

	queryStart := time.Now()
	queryVec, err := e.Embedder.EmbedQuery(embedCtx, query)
	stage("embed_query_ms", queryStart)
	if err != nil {
		return failure(herrors.KindOf(err), err.Error())
	}

	shortlistStart := time.Now()
	pool := make([]model.VectorRecord, 0, len(e.vectors))
	for _, v := range e.vectors {
		pool = append(pool, v)
	}
	shortlist := rank.Shortlist(queryVec, pool, e.Opts.ShortlistK)
	stage("shortlist_ms", shortlistStart)
	if len(shortlist) == 0 {
		return RetrievalResult{Diagnostics: Diagnostics{Message: "empty shortlist", TimingsMS: timings}}
	}

	maxN := e.Opts.MaxCandidates
	if maxN > len(shortlist) {
		maxN = len(shortlist)
	}

	type scoredCandidate struct {
		descriptor model.ElementDescriptor
		fused      float32
		cosine     float32
		rerank     float32
		prior      float32
	}
	var best *scoredCandidate

	rerankCtx, rrCancel := context.WithTimeout(ctx, e.Opts.PerCallTimeout())
	defer rrCancel()

	rerankStart := time.Now()
	for i := 0; i < maxN; i++ {
		entry := shortlist[i]
		desc, ok := e.descriptors[entry.ElementKey]
		if !ok {
			continue
		}
		ancestors, siblings := snapshot.RelatedElements(e.snapshot, desc)
		snip := snippet.Build(desc, ancestors, siblings)
		rerankScore, err := e.Reranker.Score(rerankCtx, query, snip)
		if err != nil {
			continue
		}
		prior := e.promotionPriorFor(ctx, contextKey, desc, now)
		fused := rerank.Fuse(entry.Score, rerankScore, prior, e.Opts.Fusion)
		if best == nil || fused > best.fused {
			best = &scoredCandidate{descriptor: desc, fused: fused, cosine: entry.Score, rerank: rerankScore, prior: prior}
		}
	}
	stage("rerank_ms", rerankStart)

	if best == nil {
		return RetrievalResult{Diagnostics: Diagnostics{Message: "no candidate survived reranking", TimingsMS: timings}}
	}

	candidates := locator.Synthesize(best.descriptor)
	verifyCtx, vCancel := context.WithTimeout(ctx, e.Opts.PerCallTimeout())
	defer vCancel()
	verifyStart := time.Now()
	vres, err := verify.Verify(verifyCtx, e.Driver, best.descriptor.FramePath, candidates, best.descriptor, e.logger)
	stage("verify_ms", verifyStart)
	if err != nil {
		return failure(herrors.KindOf(err), err.Error())
	}

	e.recordOutcome(ctx, contextKey, vres, best.descriptor.FramePath, now)

	result := RetrievalResult{
		Success:      vres.Verified,
		Confidence:   best.fused,
		Locator:      vres.Chosen,
		Alternatives: alternativesExcluding(candidates, vres.Chosen),
		Descriptor:   best.descriptor,
		FramePath:    best.descriptor.FramePath,
		Handle:       vres.Handle,
		Verification: Verification{OK: vres.Verified, Unique: vres.Unique, FramePath: best.descriptor.FramePath},
		Source:       SourceRanked,
		Diagnostics: Diagnostics{
			CandidatesConsidered: maxN,
			FramesSkipped:        len(snap.Skipped),
			ElementsEmbedded:     len(toEmbed),
			Cosine:               best.cosine,
			Rerank:               best.rerank,
			Fused:                best.fused,
			PromotionPrior:       best.prior,
			TimingsMS:            timings,
		},
	}
	if !vres.Verified {
		result.Source = SourceFallbackUnverified
		result.Diagnostics.ErrorKind = herrors.KindVerification
		result.Diagnostics.Message = "no candidate locator resolved uniquely"
		result.Verification.Error = result.Diagnostics.Message
	}
	return result
}

// alternativesExcluding returns every synthesized candidate other than
// chosen, in their original priority order, for the caller to try if acting
// on the primary locator ever fails.
func alternativesExcluding(candidates []model.LocatorCandidate, chosen model.LocatorCandidate) []model.LocatorCandidate {
	var out []model.LocatorCandidate
	for _, c := range candidates {
		if c.Kind == chosen.Kind && c.Expression == chosen.Expression {
			continue
		}
		out = append(out, c)
	}
	return out
}

// recordOutcome writes the synthesize+verify result straight back to the
// promotion cache (spec §4.10's final "record" transition), skipped
// entirely if ctx is already cancelled — cancellation must never reach the
// promotion store (spec §5), so a cancelled outcome is simply dropped
// rather than recorded as a failure.
func (e *Engine) recordOutcome(ctx context.Context, contextKey string, vres verify.Result, framePath []string, now float64) {
	if e.Promotion == nil || ctx.Err() != nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if vres.Verified {
		_ = e.Promotion.RecordSuccessWithStrategy(storeCtx, vres.Chosen.Expression, contextKey, string(vres.Chosen.Kind), framePath, promotion.DefaultBoost, now)
		return
	}
	_ = e.Promotion.RecordFailure(storeCtx, vres.Chosen.Expression, contextKey, promotion.DefaultPenalty, now)
}

// consultCache tries the promotion cache's records for contextKey, most
// promising first, before doing any embedding work (spec §4.10's "consult
// cache" transition). Each record still goes through the verifier, since a
// promoted locator can go stale the moment the page changes underneath it;
// a record that fails to re-verify is penalized via RecordFailure and the
// next-best record is tried, up to max_candidates records.
func (e *Engine) consultCache(ctx context.Context, contextKey string, now float64) (RetrievalResult, bool) {
	if e.Promotion == nil {
		return RetrievalResult{}, false
	}
	top, err := e.Promotion.TopForContext(ctx, contextKey, e.Opts.MaxCandidates, 0, now)
	if err != nil || len(top) == 0 {
		return RetrievalResult{}, false
	}

	for _, rec := range top {
		cand := model.LocatorCandidate{Kind: model.LocatorKind(rec.Strategy), Expression: rec.LocatorString}
		verifyCtx, cancel := context.WithTimeout(ctx, e.Opts.PerCallTimeout())
		vres, err := verify.Verify(verifyCtx, e.Driver, rec.FramePath, []model.LocatorCandidate{cand}, model.ElementDescriptor{}, e.logger)
		cancel()
		if ctx.Err() != nil {
			return RetrievalResult{}, false
		}
		if err != nil || !vres.Verified {
			e.penalizeCacheRecord(rec, contextKey, now)
			continue
		}

		confidence := rec.Score + cacheHitBoost
		if confidence > 1 {
			confidence = 1
		}
		return RetrievalResult{
			Success:      true,
			Confidence:   float32(confidence),
			Locator:      vres.Chosen,
			FramePath:    rec.FramePath,
			Handle:       vres.Handle,
			Verification: Verification{OK: true, Unique: vres.Unique, FramePath: rec.FramePath},
			Source:       SourceCacheHit,
			Diagnostics:  Diagnostics{CacheHit: true, CandidatesConsidered: len(top)},
		}, true
	}
	return RetrievalResult{}, false
}

func (e *Engine) penalizeCacheRecord(rec model.PromotionRecord, contextKey string, now float64) {
	storeCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := e.Promotion.RecordFailure(storeCtx, rec.LocatorString, contextKey, promotion.DefaultPenalty, now); err != nil {
		e.logger.Debug().Err(err).Str("locator", rec.LocatorString).Msg("could not penalize stale cache record")
	}
}

func (e *Engine) promotionPriorFor(ctx context.Context, contextKey string, desc model.ElementDescriptor, now float64) float32 {
	if e.Promotion == nil {
		return 0
	}
	top, err := e.Promotion.TopForContext(ctx, contextKey, 5, 0, now)
	if err != nil {
		return 0
	}
	for _, rec := range top {
		if rec.LocatorString == desc.XPathAbs {
			return float32(rec.Score)
		}
	}
	return 0
}

// Package embed implements the Embedder stage (spec §4.3): it turns a query
// string and a set of element descriptors into L2-normalized vectors in a
// shared space, using an ONNX sentence-embedding model loaded through
// onnxruntime_go and tokenized with daulet/tokenizers.
//
// Query embeddings are cached by an LRU keyed on the exact query text, since
// the same step text is frequently re-resolved across retries within a
// session. Element embeddings are not cached here — the delta index decides
// which elements are new and therefore need embedding at all; once computed,
// their vectors are held by the caller (the engine keeps them in a
// per-session map keyed by element key) for as long as the element survives
// across snapshots.
package embed

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	tokenizers "github.com/daulet/tokenizers"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hybrid-element-retriever/her/internal/herrors"
	"github.com/hybrid-element-retriever/her/internal/model"
)

const (
	maxSeqLen        = 256
	defaultCacheSize = 256
)

// Config controls model loading and cache sizing.
type Config struct {
	ModelPath     string
	TokenizerPath string
	ORTLibPath    string
	Dimensions    int
	NumThreads    int
	QueryCacheLen int
}

// Embedder computes dual embeddings (query side and element side) in one
// shared vector space, matching the teacher corpus's BGE-style sentence
// embedding approach.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *tokenizers.Tokenizer
	dimensions int
	queryCache *lru.Cache[string, []float32]
}

// New loads the ONNX model and tokenizer named by cfg. It is grounded on the
// corpus's BGE embedder pattern: CLS-pool the last hidden state, then
// L2-normalize.
func New(cfg Config) (*Embedder, error) {
	if cfg.Dimensions <= 0 {
		return nil, herrors.New(herrors.KindEmbedding, "new", fmt.Errorf("dimensions must be positive"))
	}
	if cfg.ORTLibPath != "" {
		ort.SetSharedLibraryPath(cfg.ORTLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "init_environment", err)
	}

	tok, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "load_tokenizer", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "session_options", err)
	}
	defer opts.Destroy()
	if cfg.NumThreads > 0 {
		_ = opts.SetIntraOpNumThreads(cfg.NumThreads)
		_ = opts.SetInterOpNumThreads(cfg.NumThreads)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		opts,
	)
	if err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "load_session", err)
	}

	cacheLen := cfg.QueryCacheLen
	if cacheLen <= 0 {
		cacheLen = defaultCacheSize
	}
	cache, err := lru.New[string, []float32](cacheLen)
	if err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "new_cache", err)
	}

	return &Embedder{session: session, tokenizer: tok, dimensions: cfg.Dimensions, queryCache: cache}, nil
}

func (e *Embedder) Dimensions() int { return e.dimensions }

func (e *Embedder) Close() error {
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

// EmbedQuery returns the cached vector for query if present, otherwise
// computes, caches, and returns it.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if v, ok := e.queryCache.Get(query); ok {
		return v, nil
	}
	vecs, err := e.embedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	e.queryCache.Add(query, vecs[0])
	return vecs[0], nil
}

// EmbedElements computes one vector per descriptor, using CanonicalText to
// build each element's embedding input.
func (e *Embedder) EmbedElements(ctx context.Context, elements []model.ElementDescriptor) ([]model.VectorRecord, error) {
	if len(elements) == 0 {
		return nil, nil
	}
	texts := make([]string, len(elements))
	for i, el := range elements {
		texts[i] = CanonicalText(el)
	}
	vecs, err := e.embedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]model.VectorRecord, len(elements))
	for i, el := range elements {
		out[i] = model.VectorRecord{ElementKey: model.ElementKey(el), Vector: vecs[i]}
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, herrors.New(herrors.KindCancelled, "embed_batch", err)
	}

	batchSize := len(texts)
	inputIDs := make([]int64, batchSize*maxSeqLen)
	attnMask := make([]int64, batchSize*maxSeqLen)
	tokenTypes := make([]int64, batchSize*maxSeqLen)

	for i, text := range texts {
		enc := e.tokenizer.EncodeWithOptions(text, false, tokenizers.WithReturnTypeIDs())
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		base := i * maxSeqLen
		for j, id := range ids {
			inputIDs[base+j] = int64(id)
			attnMask[base+j] = 1
		}
	}

	shape := ort.NewShape(int64(batchSize), int64(maxSeqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "input_tensor", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attnMask)
	if err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "mask_tensor", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "type_tensor", err)
	}
	defer typeTensor.Destroy()

	outShape := ort.NewShape(int64(batchSize), int64(maxSeqLen), int64(e.dimensions))
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "output_tensor", err)
	}
	defer output.Destroy()

	if err := e.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, []ort.Value{output}); err != nil {
		return nil, herrors.New(herrors.KindEmbedding, "session_run", err)
	}

	data := output.GetData()
	vecs := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		clsStart := i * maxSeqLen * e.dimensions
		vec := make([]float32, e.dimensions)
		copy(vec, data[clsStart:clsStart+e.dimensions])
		l2Normalize(vec)
		vecs[i] = vec
	}
	return vecs, nil
}

func l2Normalize(v []float32) {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return
	}
	norm := sqrt32(sumSq)
	for i := range v {
		v[i] /= norm
	}
}

func sqrt32(x float32) float32 {
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// CanonicalText builds the text an element is embedded from, in the order
// role | tag | accessible_name | inner_text | key_attr=val … (spec §4.3), so
// two snapshots of the same logical element produce near-identical input
// even when unrelated attributes (e.g. a CSS-in-JS hash class) change.
func CanonicalText(el model.ElementDescriptor) string {
	var b strings.Builder
	if el.Role != "" {
		b.WriteString(el.Role)
		b.WriteString(" ")
	}
	if el.Tag != "" {
		b.WriteString(el.Tag)
		b.WriteString(" ")
	}
	if el.AccessibleName != "" {
		b.WriteString(el.AccessibleName)
		b.WriteString(" ")
	}
	if el.InnerText != "" {
		b.WriteString(el.InnerText)
		b.WriteString(" ")
	}
	keys := make([]string, 0, len(el.Attributes))
	for k := range el.Attributes {
		if model.IsCuratedAttr(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s ", k, el.Attributes[k])
	}
	return strings.TrimSpace(b.String())
}

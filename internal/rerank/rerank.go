// Package rerank implements the Deep Reranker stage (spec §4.6): a
// MarkupLM-style question-answering model scores how well an HTML snippet
// answers the natural-language step, read from start/end logits. The model
// is never used for span extraction — only the logits' magnitude is used,
// as an answerability score, which is then fused with the shortlist's
// cosine score and the promotion cache's prior.
package rerank

import (
	"context"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	tokenizers "github.com/daulet/tokenizers"

	"github.com/hybrid-element-retriever/her/internal/config"
	"github.com/hybrid-element-retriever/her/internal/herrors"
)

const maxSeqLen = 512

// Config controls model loading.
type Config struct {
	ModelPath     string
	TokenizerPath string
	ORTLibPath    string
	NumThreads    int
}

// Reranker scores (query, snippet) pairs.
type Reranker struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
}

func New(cfg Config) (*Reranker, error) {
	if cfg.ORTLibPath != "" {
		ort.SetSharedLibraryPath(cfg.ORTLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, herrors.New(herrors.KindRerank, "init_environment", err)
	}

	tok, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, herrors.New(herrors.KindRerank, "load_tokenizer", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, herrors.New(herrors.KindRerank, "session_options", err)
	}
	defer opts.Destroy()
	if cfg.NumThreads > 0 {
		_ = opts.SetIntraOpNumThreads(cfg.NumThreads)
		_ = opts.SetInterOpNumThreads(cfg.NumThreads)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"start_logits", "end_logits"},
		opts,
	)
	if err != nil {
		return nil, herrors.New(herrors.KindRerank, "load_session", err)
	}

	return &Reranker{session: session, tokenizer: tok}, nil
}

func (r *Reranker) Close() error {
	if r.tokenizer != nil {
		r.tokenizer.Close()
	}
	if r.session != nil {
		return r.session.Destroy()
	}
	return nil
}

// Score returns an answerability score in [0, 1] for how well snippet
// answers query: the mean of the softmax-normalized start-logit
// distribution's max probability and the softmax-normalized end-logit
// distribution's max probability (spec §4.6) — a confident, sharply-peaked
// start/end distribution scores near 1, a flat one near 1/seq_len.
func (r *Reranker) Score(ctx context.Context, query, snippet string) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, herrors.New(herrors.KindCancelled, "rerank_score", err)
	}

	enc := r.tokenizer.EncodeWithOptions(query+" "+snippet, false, tokenizers.WithReturnTypeIDs())
	ids := enc.IDs
	if len(ids) > maxSeqLen {
		ids = ids[:maxSeqLen]
	}

	inputIDs := make([]int64, maxSeqLen)
	attnMask := make([]int64, maxSeqLen)
	tokenTypes := make([]int64, maxSeqLen)
	for i, id := range ids {
		inputIDs[i] = int64(id)
		attnMask[i] = 1
	}

	shape := ort.NewShape(1, int64(maxSeqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return 0, herrors.New(herrors.KindRerank, "input_tensor", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attnMask)
	if err != nil {
		return 0, herrors.New(herrors.KindRerank, "mask_tensor", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return 0, herrors.New(herrors.KindRerank, "type_tensor", err)
	}
	defer typeTensor.Destroy()

	startOut, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return 0, herrors.New(herrors.KindRerank, "start_tensor", err)
	}
	defer startOut.Destroy()
	endOut, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return 0, herrors.New(herrors.KindRerank, "end_tensor", err)
	}
	defer endOut.Destroy()

	if err := r.session.Run(
		[]ort.Value{idsTensor, maskTensor, typeTensor},
		[]ort.Value{startOut, endOut},
	); err != nil {
		return 0, herrors.New(herrors.KindRerank, "session_run", err)
	}

	startLogits := startOut.GetData()
	endLogits := endOut.GetData()
	startMax := maxOf(softmax(startLogits))
	endMax := maxOf(softmax(endLogits))
	return (startMax + endMax) / 2, nil
}

func maxOf(xs []float32) float32 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// softmax normalizes xs into a probability distribution, subtracting the max
// first for numerical stability.
func softmax(xs []float32) []float32 {
	if len(xs) == 0 {
		return nil
	}
	m := maxOf(xs)
	out := make([]float32, len(xs))
	var sum float64
	for i, x := range xs {
		e := math.Exp(float64(x - m))
		out[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// Fuse combines the shortlist cosine score, the deep rerank score, and the
// promotion cache's decayed prior into one ranking score (spec §4.6 and §9),
// using the caller-supplied weights so the fusion policy is centralized in
// config.Options.Fusion rather than duplicated as constants here.
func Fuse(cosine, rerankScore, promotionPrior float32, weights config.FusionWeights) float32 {
	return float32(weights.Cosine)*cosine + float32(weights.Rerank)*rerankScore + float32(weights.Promotion)*promotionPrior
}

// Command her resolves one natural-language step against a live page and
// prints the result as JSON. It exists to exercise the retrieval engine end
// to end; embedders wanting programmatic access should import
// internal/engine directly rather than shelling out to this binary.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/hybrid-element-retriever/her/internal/browser"
	"github.com/hybrid-element-retriever/her/internal/config"
	"github.com/hybrid-element-retriever/her/internal/embed"
	"github.com/hybrid-element-retriever/her/internal/engine"
	"github.com/hybrid-element-retriever/her/internal/promotion"
	"github.com/hybrid-element-retriever/her/internal/rerank"
	"github.com/hybrid-element-retriever/her/internal/stepparser"
)

type flags struct {
	url             string
	step            string
	storageState    string
	cacheDir        string
	embeddingModel  string
	tokenizerPath   string
	rerankModel     string
	rerankTokenizer string
	ortLibPath      string
	timeoutSec      int
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.url, "url", "", "page URL to navigate to before resolving")
	flag.StringVar(&f.step, "step", "", "natural-language step, e.g. `Click on \"Apple\" filter`")
	flag.StringVar(&f.storageState, "storage-state", "", "path to a Playwright storage-state file to reuse a session")
	flag.StringVar(&f.cacheDir, "cache-dir", ".her-cache", "directory for the promotion store and model cache")
	flag.StringVar(&f.embeddingModel, "embedding-model", "", "path to the ONNX embedding model")
	flag.StringVar(&f.tokenizerPath, "embedding-tokenizer", "", "path to the embedding model's tokenizer.json")
	flag.StringVar(&f.rerankModel, "rerank-model", "", "path to the ONNX QA-rerank model")
	flag.StringVar(&f.rerankTokenizer, "rerank-tokenizer", "", "path to the rerank model's tokenizer.json")
	flag.StringVar(&f.ortLibPath, "ort-lib", "", "path to the onnxruntime shared library")
	flag.IntVar(&f.timeoutSec, "timeout", 30, "overall timeout in seconds")
	flag.Parse()
	return f
}

func main() {
	_ = godotenv.Load()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	f := parseFlags()
	if f.step == "" {
		logger.Fatal().Msg("-step is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(f.timeoutSec)*time.Second)
	defer cancel()

	step, err := stepparser.Parse(f.step)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not parse step")
	}

	launcher, err := browser.NewLauncher(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not launch browser")
	}
	defer launcher.Close()

	driver, err := launcher.NewDriver(ctx, f.storageState)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not open page")
	}
	defer driver.Close(ctx)

	if f.url != "" {
		if err := driver.Navigate(ctx, f.url); err != nil {
			logger.Fatal().Err(err).Msg("navigation failed")
		}
	}

	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("could not create cache dir")
	}
	store, err := promotion.OpenWithLogger(f.cacheDir+"/promotions.db", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not open promotion store")
	}
	defer store.Close()

	var emb engine.Embedder
	if f.embeddingModel != "" {
		e, err := embed.New(embed.Config{
			ModelPath: f.embeddingModel, TokenizerPath: f.tokenizerPath,
			ORTLibPath: f.ortLibPath, Dimensions: 384, NumThreads: 2,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("could not load embedding model")
		}
		defer e.Close()
		emb = e
	}

	var rr engine.Reranker
	if f.rerankModel != "" {
		r, err := rerank.New(rerank.Config{
			ModelPath: f.rerankModel, TokenizerPath: f.rerankTokenizer, ORTLibPath: f.ortLibPath, NumThreads: 2,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("could not load rerank model")
		}
		defer r.Close()
		rr = r
	}

	opts := config.Default()
	opts.CacheDir = f.cacheDir

	eng := engine.NewWithLogger(driver, emb, rr, store, opts, logger)

	url, _ := driver.CurrentURL(ctx)
	contextKey := contextKeyFor(url, step.Query)
	now := float64(time.Now().Unix())

	result := eng.Resolve(ctx, step.Query, contextKey, now)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Fatal().Err(err).Msg("could not encode result")
	}
	if !result.Success {
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "resolved", result.Locator.Expression)
}

// contextKeyFor partitions the promotion cache by page URL and query text,
// so a locator promoted on one page never leaks into another page's ranking.
func contextKeyFor(url, query string) string {
	h := sha256.Sum256([]byte(url + "\x00" + query))
	return hex.EncodeToString(h[:])
}

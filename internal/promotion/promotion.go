// Package promotion implements the Promotion Cache stage (spec §4.9): a
// durable, per-(context, locator) record of how often a synthesized locator
// has actually worked, so a future retrieval in the same context can be
// short-circuited straight to a locator that is known to resolve, without
// waiting on the embedder or reranker.
//
// The scoring rule — exponential decay by age, boost on success, penalty on
// failure — is ported directly from the promotion store of the retriever
// this module's behavior is modeled on, down to the default boost, penalty,
// half-life, and TTL constants.
package promotion

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/hybrid-element-retriever/her/internal/herrors"
	"github.com/hybrid-element-retriever/her/internal/model"
)

const (
	// DefaultBoost is added to a record's score on a recorded success.
	DefaultBoost = 0.10
	// DefaultPenalty is subtracted from a record's score on a recorded failure.
	DefaultPenalty = 0.05
	// DefaultHalfLifeSec is the decay half-life: a record's effective score
	// halves every day it goes unused.
	DefaultHalfLifeSec = 86400.0
	// DefaultTTLSec is how long a record survives with no activity before
	// it is treated as expired; exactly at the boundary it is still fresh.
	DefaultTTLSec = 259200.0

	contextRetryInterval = 25 * time.Millisecond

	createTableSQL = `
CREATE TABLE IF NOT EXISTS promotions (
	locator       TEXT NOT NULL,
	context       TEXT NOT NULL,
	strategy      TEXT NOT NULL DEFAULT '',
	frame_path    TEXT NOT NULL DEFAULT '',
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	score         REAL NOT NULL DEFAULT 0,
	ts            REAL NOT NULL DEFAULT 0,
	ttl_sec       REAL NOT NULL DEFAULT 259200,
	PRIMARY KEY (locator, context)
)`
)

// Store is a sqlite-backed promotion cache guarded by a cross-process file
// lock, so two sessions sharing a cache directory never interleave writes.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger zerolog.Logger
}

// Open creates (if needed) and opens the sqlite database at dbPath, guarded
// by a lock file alongside it.
func Open(dbPath string) (*Store, error) {
	return OpenWithLogger(dbPath, zerolog.Nop())
}

// OpenWithLogger is Open but logs store maintenance events (purged-row
// counts and purge errors) through logger.
func OpenWithLogger(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, herrors.New(herrors.KindStore, "open", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, herrors.New(herrors.KindStore, "create_table", err)
	}
	lockPath := filepath.Join(filepath.Dir(dbPath), filepath.Base(dbPath)+".lock")
	return &Store{db: db, lock: flock.New(lockPath), logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	locked, err := s.lock.TryLockContext(ctx, contextRetryInterval)
	if err != nil {
		return herrors.New(herrors.KindStore, "lock", err)
	}
	if !locked {
		return herrors.New(herrors.KindStore, "lock", fmt.Errorf("could not acquire promotion store lock"))
	}
	defer s.lock.Unlock()
	return fn()
}

// decayedScore applies exponential decay to score for the elapsed age,
// matching score * 2^(-age/half_life).
func decayedScore(score, ageSec, halfLifeSec float64) float64 {
	if halfLifeSec <= 0 {
		return score
	}
	return score * math.Pow(2, -ageSec/halfLifeSec)
}

// isFresh reports whether a record is still within its TTL as of now,
// inclusive of the exact boundary.
func isFresh(ts, ttlSec, now float64) bool {
	return now-ts <= ttlSec
}

// RecordSuccess increments the success counter for (locator, context),
// boosts its score, and refreshes its timestamp, creating the record if it
// did not exist. Never called with a cancelled context — callers are
// expected to route cancellation around the store entirely (spec §5).
func (s *Store) RecordSuccess(ctx context.Context, locator, contextKey string, boost, now float64) error {
	return s.RecordSuccessWithStrategy(ctx, locator, contextKey, "", nil, boost, now)
}

// RecordSuccessWithStrategy is RecordSuccess but also stamps which locator
// strategy (spec §3 LocatorKind) produced locator and the frame it was
// synthesized against, so TopForContext can report both back without a
// second synthesis pass and a future cache hit re-verifies in the right
// frame (spec §4.9).
func (s *Store) RecordSuccessWithStrategy(ctx context.Context, locator, contextKey, strategy string, framePath []string, boost, now float64) error {
	return s.withLock(ctx, func() error {
		rec, found, err := s.get(locator, contextKey)
		if err != nil {
			return err
		}
		if !found {
			rec = model.PromotionRecord{LocatorString: locator, ContextKey: contextKey, TTL: DefaultTTLSec}
		}
		if strategy != "" {
			rec.Strategy = strategy
		}
		if framePath != nil {
			rec.FramePath = framePath
		}
		rec.Successes++
		rec.Score += boost
		rec.LastUsedTS = now
		return s.put(rec)
	})
}

// RecordFailure increments the failure counter and penalizes the score,
// floored at zero.
func (s *Store) RecordFailure(ctx context.Context, locator, contextKey string, penalty, now float64) error {
	return s.withLock(ctx, func() error {
		rec, found, err := s.get(locator, contextKey)
		if err != nil {
			return err
		}
		if !found {
			rec = model.PromotionRecord{LocatorString: locator, ContextKey: contextKey, TTL: DefaultTTLSec}
		}
		rec.Failures++
		rec.Score -= penalty
		if rec.Score < 0 {
			rec.Score = 0
		}
		rec.LastUsedTS = now
		return s.put(rec)
	})
}

func (s *Store) get(locator, contextKey string) (model.PromotionRecord, bool, error) {
	row := s.db.QueryRow(`SELECT strategy, frame_path, success_count, failure_count, score, ts, ttl_sec FROM promotions WHERE locator = ? AND context = ?`, locator, contextKey)
	var rec model.PromotionRecord
	var framePath string
	rec.LocatorString = locator
	rec.ContextKey = contextKey
	if err := row.Scan(&rec.Strategy, &framePath, &rec.Successes, &rec.Failures, &rec.Score, &rec.LastUsedTS, &rec.TTL); err != nil {
		if err == sql.ErrNoRows {
			return model.PromotionRecord{}, false, nil
		}
		return model.PromotionRecord{}, false, herrors.New(herrors.KindStore, "get", err)
	}
	rec.FramePath = decodeFramePath(framePath)
	return rec, true, nil
}

func (s *Store) put(rec model.PromotionRecord) error {
	_, err := s.db.Exec(`
INSERT INTO promotions (locator, context, strategy, frame_path, success_count, failure_count, score, ts, ttl_sec)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(locator, context) DO UPDATE SET
	strategy = excluded.strategy,
	frame_path = excluded.frame_path,
	success_count = excluded.success_count,
	failure_count = excluded.failure_count,
	score = excluded.score,
	ts = excluded.ts,
	ttl_sec = excluded.ttl_sec`,
		rec.LocatorString, rec.ContextKey, rec.Strategy, encodeFramePath(rec.FramePath),
		rec.Successes, rec.Failures, rec.Score, rec.LastUsedTS, rec.TTL)
	if err != nil {
		return herrors.New(herrors.KindStore, "put", err)
	}
	return nil
}

// encodeFramePath/decodeFramePath store a frame path as a ">"-joined string,
// matching the in-memory delta index's frame key format.
func encodeFramePath(path []string) string {
	return strings.Join(path, ">")
}

func decodeFramePath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ">")
}

// TopForContext returns up to limit records for contextKey, freshest and
// best first: sorted by decayed score descending, then success count
// descending, then failure count ascending, then recency descending —
// matching the tie-break order the cache is modeled on. Expired records
// (and those below minScore after decay) are excluded.
func (s *Store) TopForContext(ctx context.Context, contextKey string, limit int, minScore, now float64) ([]model.PromotionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT locator, strategy, frame_path, success_count, failure_count, score, ts, ttl_sec FROM promotions WHERE context = ?`, contextKey)
	if err != nil {
		return nil, herrors.New(herrors.KindStore, "top_for_context", err)
	}
	defer rows.Close()

	var records []model.PromotionRecord
	for rows.Next() {
		var rec model.PromotionRecord
		var framePath string
		rec.ContextKey = contextKey
		if err := rows.Scan(&rec.LocatorString, &rec.Strategy, &framePath, &rec.Successes, &rec.Failures, &rec.Score, &rec.LastUsedTS, &rec.TTL); err != nil {
			return nil, herrors.New(herrors.KindStore, "scan", err)
		}
		rec.FramePath = decodeFramePath(framePath)
		if !isFresh(rec.LastUsedTS, rec.TTL, now) {
			continue
		}
		decayed := decayedScore(rec.Score, now-rec.LastUsedTS, DefaultHalfLifeSec)
		if decayed < minScore {
			continue
		}
		rec.Score = decayed
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Successes != b.Successes {
			return a.Successes > b.Successes
		}
		if a.Failures != b.Failures {
			return a.Failures < b.Failures
		}
		return a.LastUsedTS > b.LastUsedTS
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// PurgeExpired deletes every record whose TTL has elapsed as of now.
func (s *Store) PurgeExpired(ctx context.Context, now float64) error {
	return s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM promotions WHERE (? - ts) > ttl_sec`, now)
		if err != nil {
			s.logger.Warn().Err(err).Msg("purge_expired failed")
			return herrors.New(herrors.KindStore, "purge_expired", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.logger.Debug().Int64("purged", n).Msg("purged expired promotion records")
		}
		return nil
	})
}

// Clear deletes every record for contextKey, or every record at all when
// contextKey is empty.
func (s *Store) Clear(ctx context.Context, contextKey string) error {
	return s.withLock(ctx, func() error {
		var err error
		if contextKey == "" {
			_, err = s.db.ExecContext(ctx, `DELETE FROM promotions`)
		} else {
			_, err = s.db.ExecContext(ctx, `DELETE FROM promotions WHERE context = ?`, contextKey)
		}
		if err != nil {
			return herrors.New(herrors.KindStore, "clear", err)
		}
		return nil
	})
}

// Dump returns every record in the store, for diagnostics.
func (s *Store) Dump(ctx context.Context) ([]model.PromotionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT locator, context, strategy, frame_path, success_count, failure_count, score, ts, ttl_sec FROM promotions`)
	if err != nil {
		return nil, herrors.New(herrors.KindStore, "dump", err)
	}
	defer rows.Close()
	var out []model.PromotionRecord
	for rows.Next() {
		var rec model.PromotionRecord
		var framePath string
		if err := rows.Scan(&rec.LocatorString, &rec.ContextKey, &rec.Strategy, &framePath, &rec.Successes, &rec.Failures, &rec.Score, &rec.LastUsedTS, &rec.TTL); err != nil {
			return nil, herrors.New(herrors.KindStore, "scan", err)
		}
		rec.FramePath = decodeFramePath(framePath)
		out = append(out, rec)
	}
	return out, nil
}

// Package cache stores oracle answers on disk, keyed by query fingerprint,
// so that runs can be replayed without consulting the oracle again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"stratum/internal/core"
	"stratum/internal/logging"
	"stratum/internal/oracle"
	"stratum/internal/stream"
)

// Mode controls whether the cache is read, written, or both.
type Mode string

const (
	ReadOnly  Mode = "read_only"
	WriteOnly Mode = "write_only"
	ReadWrite Mode = "read_write"
)

func (m Mode) reads() bool  { return m == ReadOnly || m == ReadWrite }
func (m Mode) writes() bool { return m == WriteOnly || m == ReadWrite }

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ReadOnly, WriteOnly, ReadWrite:
		return m, nil
	}
	return "", fmt.Errorf("unknown cache mode %q (expected read_only, write_only or read_write)", s)
}

// Format selects the storage backend.
type Format string

const (
	// FormatYAML stores one YAML file per fingerprint in a directory.
	FormatYAML Format = "yaml"
	// FormatDB stores every entry in a single SQLite database file.
	FormatDB Format = "db"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatYAML, FormatDB:
		return f, nil
	}
	return "", fmt.Errorf("unknown cache format %q (expected yaml or db)", s)
}

// ErrCacheMiss is returned in read_only mode for queries absent from the cache.
var ErrCacheMiss = errors.New("cache miss")

// Entry is what the cache records for one query.
type Entry struct {
	Query     string        `yaml:"query" json:"query"`
	Args      string        `yaml:"args" json:"args"`
	Answers   []core.Answer `yaml:"answers" json:"answers"`
	CreatedAt time.Time     `yaml:"created_at" json:"created_at"`
}

// Store persists entries by fingerprint.
type Store interface {
	Get(fingerprint string) (*Entry, bool, error)
	Put(fingerprint string, e Entry) error
	Len() (int, error)
	Close() error
}

// Spec describes a cache to open.
type Spec struct {
	Root   string `yaml:"root" json:"root"`
	Mode   Mode   `yaml:"mode" json:"mode"`
	Format Format `yaml:"format" json:"format"`
}

// Open opens the store described by spec, creating it if needed.
func Open(spec Spec) (Store, error) {
	switch spec.Format {
	case FormatYAML, "":
		return NewYAMLStore(spec.Root)
	case FormatDB:
		return NewSQLiteStore(spec.Root)
	}
	return nil, fmt.Errorf("unknown cache format %q", spec.Format)
}

// Key hashes a fingerprint into a short, filesystem-safe key.
func Key(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:16])
}

// =============================================================================
// CACHING ORACLE
// =============================================================================

// Oracle answers from a store before falling back to an inner oracle.
// Cache hits are free: they report an empty spent budget.
type Oracle struct {
	Inner oracle.Oracle
	Store Store
	Mode  Mode
	// Observer, when set, is told about every lookup.
	Observer func(hit bool)

	hits, misses atomic.Int64
}

// NewOracle wraps inner with a cache.
func NewOracle(inner oracle.Oracle, store Store, mode Mode) *Oracle {
	return &Oracle{Inner: inner, Store: store, Mode: mode}
}

// Stats returns the number of hits and misses so far.
func (o *Oracle) Stats() (hits, misses int64) {
	return o.hits.Load(), o.misses.Load()
}

func (o *Oracle) observe(hit bool) {
	if hit {
		o.hits.Add(1)
	} else {
		o.misses.Add(1)
	}
	if o.Observer != nil {
		o.Observer(hit)
	}
}

func (o *Oracle) Answer(ctx context.Context, q *core.Query, n int) (oracle.Response, error) {
	if err := ctx.Err(); err != nil {
		return oracle.Response{}, err
	}
	fp := q.Fingerprint()
	if o.Mode.reads() {
		e, ok, err := o.Store.Get(fp)
		if err != nil {
			return oracle.Response{}, fmt.Errorf("cache lookup: %w", err)
		}
		if ok && (n <= 0 || len(e.Answers) >= n) {
			o.observe(true)
			answers := e.Answers
			if n > 0 {
				answers = answers[:n]
			}
			logging.CacheDebug("hit %s (%d answers)", q.Name, len(answers))
			return oracle.Response{Answers: append([]core.Answer(nil), answers...), Spent: stream.Budget{}}, nil
		}
		o.observe(false)
		if o.Mode == ReadOnly {
			return oracle.Response{}, fmt.Errorf("%w: %s", ErrCacheMiss, fp)
		}
	}
	resp, err := o.Inner.Answer(ctx, q, n)
	if err != nil {
		return resp, err
	}
	if o.Mode.writes() {
		e := Entry{Query: q.Name, Args: q.Serialize(), Answers: resp.Answers, CreatedAt: time.Now().UTC()}
		if err := o.Store.Put(fp, e); err != nil {
			logging.CacheError("failed to store answers for %s: %v", q.Name, err)
		}
	}
	return resp, nil
}

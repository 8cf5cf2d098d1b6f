package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stratum/internal/core"
	"stratum/internal/oracle"
	"stratum/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func pickQuery(n int) *core.Query {
	return &core.Query{Name: "Pick", Args: map[string]any{"n": n}}
}

func openStores(t *testing.T) map[Format]Store {
	t.Helper()
	out := make(map[Format]Store)
	for _, f := range []Format{FormatYAML, FormatDB} {
		s, err := Open(Spec{Root: t.TempDir(), Mode: ReadWrite, Format: f})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out[f] = s
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	for format, s := range openStores(t) {
		t.Run(string(format), func(t *testing.T) {
			fp := pickQuery(1).Fingerprint()
			_, ok, err := s.Get(fp)
			require.NoError(t, err)
			assert.False(t, ok)

			answers := []core.Answer{
				{Text: "a"},
				{Mode: "json", Structured: map[string]any{"k": "v"}, Justification: "because"},
			}
			require.NoError(t, s.Put(fp, Entry{Query: "Pick", Args: `{"n":1}`, Answers: answers}))

			e, ok, err := s.Get(fp)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "Pick", e.Query)
			assert.Equal(t, `{"n":1}`, e.Args)
			require.Len(t, e.Answers, 2)
			for i := range answers {
				assert.Equal(t, answers[i].Key(), e.Answers[i].Key())
			}

			require.NoError(t, s.Put(fp, Entry{Query: "Pick", Answers: answers[:1]}))
			e, _, err = s.Get(fp)
			require.NoError(t, err)
			assert.Len(t, e.Answers, 1)

			n, err := s.Len()
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestSQLiteCountByQuery(t *testing.T) {
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(pickQuery(i).Fingerprint(), Entry{Query: "Pick"}))
	}
	require.NoError(t, s.Put("Other:{}", Entry{Query: "Other"}))

	counts, err := s.CountByQuery()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Pick": 3, "Other": 1}, counts)
	assert.FileExists(t, s.Path())
}

func TestOracleModes(t *testing.T) {
	ctx := context.Background()
	inner := oracle.NewStatic()
	inner.Add("Pick", map[string]any{"n": 1}, core.Answer{Text: "a"}, core.Answer{Text: "b"})

	store, err := NewYAMLStore(t.TempDir())
	require.NoError(t, err)

	// Read-only on an empty cache never reaches the inner oracle.
	ro := NewOracle(inner, store, ReadOnly)
	_, err = ro.Answer(ctx, pickQuery(1), 2)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Zero(t, inner.Calls())

	// Write-only always asks and records.
	wo := NewOracle(inner, store, WriteOnly)
	resp, err := wo.Answer(ctx, pickQuery(1), 2)
	require.NoError(t, err)
	assert.Equal(t, stream.Budget{stream.NumRequests: 1}, resp.Spent)
	assert.Equal(t, 1, inner.Calls())

	var hits []bool
	rw := NewOracle(inner, store, ReadWrite)
	rw.Observer = func(hit bool) { hits = append(hits, hit) }

	resp, err = rw.Answer(ctx, pickQuery(1), 1)
	require.NoError(t, err)
	assert.Equal(t, []core.Answer{{Text: "a"}}, resp.Answers)
	assert.Empty(t, resp.Spent)
	assert.Equal(t, 1, inner.Calls())

	// More answers than recorded falls through to the inner oracle.
	_, err = rw.Answer(ctx, pickQuery(1), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Calls())

	h, m := rw.Stats()
	assert.Equal(t, int64(1), h)
	assert.Equal(t, int64(1), m)
	assert.Equal(t, []bool{true, false}, hits)

	resp, err = ro.Answer(ctx, pickQuery(1), 2)
	require.NoError(t, err)
	assert.Len(t, resp.Answers, 2)
}

func TestOracleHonorsCancellation(t *testing.T) {
	store, err := NewYAMLStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewOracle(oracle.NewStatic(), store, ReadWrite).Answer(ctx, pickQuery(1), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseModeAndFormat(t *testing.T) {
	m, err := ParseMode("read_write")
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, m)
	_, err = ParseMode("sometimes")
	assert.Error(t, err)

	f, err := ParseFormat("db")
	require.NoError(t, err)
	assert.Equal(t, FormatDB, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

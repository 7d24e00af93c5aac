package fairness

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultParams())
	require.NoError(t, err)
	return e
}

func TestHash(t *testing.T) {
	require.Equal(t, "5658db28249ad0c663245e08c7b166d1b2b0cc8818841a0d06ba859436466736", Hash("alpha", 7))
	require.NotEqual(t, Hash("alpha", 7), Hash("alpha", 8))
}

func TestCrashPointFor_KnownVectors(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		seed     string
		seq      uint64
		expected string
	}{
		{"alpha", 7, "66.34"},
		{"alpha", 8, "43.8"},
		{"alphb", 7, "95.71"},
		{"seed-2004", 7, "3.47"},
	}
	for _, tt := range tests {
		t.Run(tt.seed, func(t *testing.T) {
			got := e.CrashPointFor(tt.seed, tt.seq)
			require.True(t, got.Equal(decimal.RequireFromString(tt.expected)), "got %s", got)
			// stable across calls
			require.True(t, got.Equal(e.CrashPointFor(tt.seed, tt.seq)))
		})
	}
}

func TestCommit_DeterministicWithFixedRandom(t *testing.T) {
	e := newTestEngine(t)
	seed := make([]byte, seedBytes)
	for i := range seed {
		seed[i] = byte(i)
	}
	e.random = bytes.NewReader(seed)

	c, err := e.Commit(1)
	require.NoError(t, err)

	assert.Equal(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", c.Seed)
	assert.Equal(t, "f45327812afb16c5b6f5b5d280f5fb1d49795b2ba14a5a2911dfc0780a0abfc9", c.CommitHash)
	assert.True(t, c.CrashPoint.Equal(decimal.RequireFromString("5.38")), c.CrashPoint.String())
	assert.True(t, VerifyCommitment(c.Seed, 1, c.CommitHash))
	assert.False(t, VerifyCommitment(c.Seed, 2, c.CommitHash))
}

func TestCommit_FailsWhenRandomExhausted(t *testing.T) {
	e := newTestEngine(t)
	e.random = bytes.NewReader([]byte{1, 2, 3})

	_, err := e.Commit(1)
	require.Error(t, err)
}

func TestCommit_BoundsAndFreshSeeds(t *testing.T) {
	e := newTestEngine(t)
	minCrash := decimal.NewFromFloat(DefaultMinCrash)
	maxCrash := decimal.NewFromFloat(DefaultMaxCrash)
	seen := make(map[string]struct{})

	for seq := uint64(1); seq <= 500; seq++ {
		c, err := e.Commit(seq)
		require.NoError(t, err)

		require.True(t, c.CrashPoint.GreaterThanOrEqual(minCrash), "seq %d: %s", seq, c.CrashPoint)
		require.True(t, c.CrashPoint.LessThanOrEqual(maxCrash), "seq %d: %s", seq, c.CrashPoint)
		require.True(t, c.CrashPoint.Equal(e.CrashPointFor(c.Seed, seq)))

		_, dup := seen[c.Seed]
		require.False(t, dup, "seed reused")
		seen[c.Seed] = struct{}{}
	}
}

func TestVerify(t *testing.T) {
	e := newTestEngine(t)
	claimed := decimal.RequireFromString("66.34")

	t.Run("own seed matches", func(t *testing.T) {
		v := e.Verify("alpha", 7, claimed)
		assert.True(t, v.Valid)
		assert.True(t, v.Calculated.Equal(claimed))
		assert.Equal(t, Hash("alpha", 7), v.Hash)
		assert.Equal(t, "alpha", v.Seed)
		assert.Equal(t, uint64(7), v.RoundSeq)
	})

	t.Run("perturbed crash point", func(t *testing.T) {
		v := e.Verify("alpha", 7, claimed.Add(decimal.RequireFromString("0.05")))
		assert.False(t, v.Valid)
		assert.True(t, v.Calculated.Equal(claimed))
	})

	t.Run("perturbed seed", func(t *testing.T) {
		v := e.Verify("alphb", 7, claimed)
		assert.False(t, v.Valid)
		assert.True(t, v.Claimed.Equal(claimed))
	})

	t.Run("perturbed round", func(t *testing.T) {
		assert.False(t, e.Verify("alpha", 8, claimed).Valid)
	})
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		valid  bool
	}{
		{"defaults", DefaultParams(), true},
		{"zero edge", Params{HouseEdge: 0, MinCrash: 1, MaxCrash: 10}, true},
		{"edge of one", Params{HouseEdge: 1, MinCrash: 1, MaxCrash: 10}, false},
		{"negative edge", Params{HouseEdge: -0.1, MinCrash: 1, MaxCrash: 10}, false},
		{"min below one", Params{HouseEdge: 0.01, MinCrash: 0.5, MaxCrash: 10}, false},
		{"max not above min", Params{HouseEdge: 0.01, MinCrash: 2, MaxCrash: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.params)
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestHouseEdgeShiftsDistribution(t *testing.T) {
	fair, err := NewEngine(Params{HouseEdge: 0, MinCrash: 1, MaxCrash: 100})
	require.NoError(t, err)

	// same seed, the edge can only lower the crash point
	require.True(t, fair.CrashPointFor("alpha", 7).Equal(decimal.RequireFromString("66.61")))
	require.True(t, newTestEngine(t).CrashPointFor("alpha", 7).LessThan(fair.CrashPointFor("alpha", 7)))
}

func TestExpectedValue(t *testing.T) {
	e := newTestEngine(t)

	require.True(t, e.ExpectedValue(decimal.NewFromInt(1)).Equal(decimal.RequireFromString("0.99")))
	require.True(t, e.ExpectedValue(decimal.NewFromInt(2)).Equal(decimal.RequireFromString("0.495")))
	require.True(t, e.ExpectedValue(decimal.Zero).IsZero())
}

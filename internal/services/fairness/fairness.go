// Package fairness derives verifiable crash points from per-round secret seeds.
//
// A round commits to sha256(seed + "-" + roundSeq) before any bet is taken. Once the
// round crashes the seed is revealed and anyone can recompute the crash point.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	DefaultHouseEdge = 0.01
	DefaultMinCrash  = 1.0
	DefaultMaxCrash  = 100.0

	seedBytes = 32
	// recomputed crash points may differ from published ones by float rounding only
	verifyTolerance = 0.01
	// hex chars of the hash taken into account
	hashPrefixLen = 16
)

// Params shape the crash point distribution.
type Params struct {
	HouseEdge float64
	MinCrash  float64
	MaxCrash  float64
}

// DefaultParams returns a 1% edge over [1x, 100x].
func DefaultParams() Params {
	return Params{
		HouseEdge: DefaultHouseEdge,
		MinCrash:  DefaultMinCrash,
		MaxCrash:  DefaultMaxCrash,
	}
}

// Validate checks the parameters describe a usable distribution.
func (p Params) Validate() error {
	if p.HouseEdge < 0 || p.HouseEdge >= 1 {
		return fmt.Errorf("house edge must be in [0, 1), got %v", p.HouseEdge)
	}
	if p.MinCrash < 1 {
		return fmt.Errorf("min crash must be at least 1, got %v", p.MinCrash)
	}
	if p.MaxCrash <= p.MinCrash {
		return fmt.Errorf("max crash %v must be greater than min crash %v", p.MaxCrash, p.MinCrash)
	}
	return nil
}

// Commitment is everything fixed for a round at creation time.
type Commitment struct {
	RoundSeq   uint64
	Seed       string
	CommitHash string
	CrashPoint decimal.Decimal
}

// Verification is the outcome of recomputing a published crash point.
type Verification struct {
	Valid      bool            `json:"valid"`
	RoundSeq   uint64          `json:"roundSeq"`
	Seed       string          `json:"seed"`
	Hash       string          `json:"hash"`
	Claimed    decimal.Decimal `json:"claimed"`
	Calculated decimal.Decimal `json:"calculated"`
}

// Engine generates and verifies crash points.
type Engine struct {
	params Params
	random io.Reader
}

// NewEngine creates an engine drawing seeds from crypto/rand.
func NewEngine(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid fairness params")
	}
	return &Engine{params: params, random: rand.Reader}, nil
}

// Params returns the distribution parameters in use.
func (e *Engine) Params() Params {
	return e.params
}

// Commit draws a fresh seed for the round and fixes its crash point.
func (e *Engine) Commit(roundSeq uint64) (Commitment, error) {
	buf := make([]byte, seedBytes)
	if _, err := io.ReadFull(e.random, buf); err != nil {
		return Commitment{}, errors.Wrap(err, "generate round seed")
	}
	seed := hex.EncodeToString(buf)
	hash := Hash(seed, roundSeq)

	return Commitment{
		RoundSeq:   roundSeq,
		Seed:       seed,
		CommitHash: hash,
		CrashPoint: round2(e.crashPoint(hash)),
	}, nil
}

// Hash returns the hex sha256 of seed + "-" + roundSeq.
func Hash(seed string, roundSeq uint64) string {
	sum := sha256.Sum256([]byte(seed + "-" + strconv.FormatUint(roundSeq, 10)))
	return hex.EncodeToString(sum[:])
}

// CrashPointFor recomputes the crash point of a round from its seed.
func (e *Engine) CrashPointFor(seed string, roundSeq uint64) decimal.Decimal {
	return round2(e.crashPoint(Hash(seed, roundSeq)))
}

// Verify recomputes the crash point and compares it with the claimed one.
func (e *Engine) Verify(seed string, roundSeq uint64, claimed decimal.Decimal) Verification {
	hash := Hash(seed, roundSeq)
	calculated := e.crashPoint(hash)

	return Verification{
		Valid:      math.Abs(calculated-claimed.InexactFloat64()) < verifyTolerance,
		RoundSeq:   roundSeq,
		Seed:       seed,
		Hash:       hash,
		Claimed:    claimed,
		Calculated: round2(calculated),
	}
}

// VerifyCommitment reports whether commitHash was produced from seed for roundSeq.
func VerifyCommitment(seed string, roundSeq uint64, commitHash string) bool {
	return Hash(seed, roundSeq) == commitHash
}

// ExpectedValue is the return per unit staked when always cashing out at multiplier.
func (e *Engine) ExpectedValue(multiplier decimal.Decimal) decimal.Decimal {
	if multiplier.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(1 - e.params.HouseEdge).Div(multiplier)
}

// crashPoint maps a hex hash onto [MinCrash, MaxCrash]. The first 4 bytes of the hash
// form a uniform r in [0, 2^32); the edge exponent skews the result toward low values.
func (e *Engine) crashPoint(hash string) float64 {
	if len(hash) < hashPrefixLen {
		return e.params.MinCrash
	}
	prefix, err := hex.DecodeString(hash[:hashPrefixLen])
	if err != nil {
		return e.params.MinCrash
	}
	u := float64(binary.BigEndian.Uint32(prefix[:4])) / (1 << 32)

	p := e.params
	cp := p.MinCrash + (p.MaxCrash-p.MinCrash)*math.Pow(1-u, 1/(1-p.HouseEdge))

	return math.Max(p.MinCrash, math.Min(p.MaxCrash, cp))
}

func round2(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

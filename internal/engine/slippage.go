package engine

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// DefaultSlippagePct is the maximum relative deviation of a fill from its quote.
var DefaultSlippagePct = decimal.New(1, -2)

// Slippage turns a reference quote into a simulated fill price.
type Slippage interface {
	Apply(price decimal.Decimal, side model.Side) decimal.Decimal
}

// RandomSource yields uniform values in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// NoSlippage fills exactly at the quote.
type NoSlippage struct{}

func (NoSlippage) Apply(price decimal.Decimal, _ model.Side) decimal.Decimal { return price }

// UniformSlippage moves the quote by a uniform random factor in
// [-Pct, +Pct], independent of side.
type UniformSlippage struct {
	pct decimal.Decimal
	mu  sync.Mutex
	rnd RandomSource
}

// NewUniformSlippage creates a symmetric model. A nil rnd uses the global
// generator.
func NewUniformSlippage(pct decimal.Decimal, rnd RandomSource) *UniformSlippage {
	if rnd == nil {
		rnd = globalRand{}
	}
	return &UniformSlippage{pct: pct, rnd: rnd}
}

func (s *UniformSlippage) Apply(price decimal.Decimal, _ model.Side) decimal.Decimal {
	s.mu.Lock()
	r := s.rnd.Float64()
	s.mu.Unlock()

	shift := s.pct.Mul(decimal.NewFromFloat(2*r - 1))
	return price.Mul(decimal.NewFromInt(1).Add(shift))
}

// AdverseSlippage always moves the fill against the trader: buys and covers
// pay up to Pct more, sells and shorts receive up to Pct less.
type AdverseSlippage struct {
	pct decimal.Decimal
	mu  sync.Mutex
	rnd RandomSource
}

// NewAdverseSlippage creates an adverse model. A nil rnd uses the global
// generator.
func NewAdverseSlippage(pct decimal.Decimal, rnd RandomSource) *AdverseSlippage {
	if rnd == nil {
		rnd = globalRand{}
	}
	return &AdverseSlippage{pct: pct, rnd: rnd}
}

func (s *AdverseSlippage) Apply(price decimal.Decimal, side model.Side) decimal.Decimal {
	s.mu.Lock()
	r := s.rnd.Float64()
	s.mu.Unlock()

	shift := s.pct.Mul(decimal.NewFromFloat(r))
	if side.Sign() < 0 {
		shift = shift.Neg()
	}
	return price.Mul(decimal.NewFromInt(1).Add(shift))
}

// NewSlippage builds a model by name: "uniform", "adverse" or "none".
func NewSlippage(name string, pct decimal.Decimal, rnd RandomSource) (Slippage, error) {
	switch name {
	case "", "uniform":
		return NewUniformSlippage(pct, rnd), nil
	case "adverse":
		return NewAdverseSlippage(pct, rnd), nil
	case "none":
		return NoSlippage{}, nil
	}
	return nil, fmt.Errorf("unknown slippage model %q", name)
}

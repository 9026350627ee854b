package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atmx/papertrade/internal/model"
)

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func TestUniformSlippage_Bounds(t *testing.T) {
	cases := []struct {
		r    float64
		want float64
	}{
		{0, 198},
		{0.5, 200},
		{0.75, 201},
	}
	for _, tc := range cases {
		s := NewUniformSlippage(DefaultSlippagePct, fixedRand(tc.r))
		for _, side := range []model.Side{model.Buy, model.Sell} {
			requireDec(t, d(tc.want), s.Apply(d(200), side))
		}
	}
}

func TestAdverseSlippage_Direction(t *testing.T) {
	s := NewAdverseSlippage(DefaultSlippagePct, fixedRand(0.5))

	requireDec(t, d(201), s.Apply(d(200), model.Buy))
	requireDec(t, d(201), s.Apply(d(200), model.ShortCover))
	requireDec(t, d(199), s.Apply(d(200), model.Sell))
	requireDec(t, d(199), s.Apply(d(200), model.ShortSell))
}

func TestUniformSlippage_GlobalSourceStaysInBand(t *testing.T) {
	s := NewUniformSlippage(DefaultSlippagePct, nil)
	for i := 0; i < 1000; i++ {
		px := s.Apply(d(100), model.Buy)
		require.True(t, px.GreaterThanOrEqual(d(99)), "fill %s below band", px)
		require.True(t, px.LessThanOrEqual(d(101)), "fill %s above band", px)
	}
}

func TestNewSlippage(t *testing.T) {
	for _, name := range []string{"", "uniform", "adverse", "none"} {
		s, err := NewSlippage(name, DefaultSlippagePct, fixedRand(0.5))
		require.NoError(t, err, name)
		require.NotNil(t, s)
	}

	s, err := NewSlippage("none", DefaultSlippagePct, nil)
	require.NoError(t, err)
	requireDec(t, d(123.45), s.Apply(d(123.45), model.Sell))

	_, err = NewSlippage("gaussian", DefaultSlippagePct, nil)
	require.Error(t, err)
}

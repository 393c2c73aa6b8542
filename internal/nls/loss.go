package nls

import (
	"fmt"
	"math"
	"strings"
)

// Loss is a robust kernel applied to the squared norm s of a weighted
// residual block. Evaluate returns rho(s) and its first derivative.
type Loss interface {
	Evaluate(s float64) (rho, rho1 float64)
}

// Trivial is the plain squared loss.
type Trivial struct{}

func (Trivial) Evaluate(s float64) (float64, float64) { return s, 1 }

// Huber is quadratic inside Delta and linear outside.
type Huber struct{ Delta float64 }

func (h Huber) Evaluate(s float64) (float64, float64) {
	b := h.Delta * h.Delta
	if s <= b {
		return s, 1
	}
	r := math.Sqrt(s)
	return 2*h.Delta*r - b, h.Delta / r
}

// Cauchy grows logarithmically for large residuals.
type Cauchy struct{ Scale float64 }

func (c Cauchy) Evaluate(s float64) (float64, float64) {
	b := c.Scale * c.Scale
	sum := 1 + s/b
	return b * math.Log(sum), 1 / sum
}

// Tukey is the biweight: residuals beyond Scale stop contributing.
type Tukey struct{ Scale float64 }

func (t Tukey) Evaluate(s float64) (float64, float64) {
	b := t.Scale * t.Scale
	if s > b {
		return b / 3, 0
	}
	v := 1 - s/b
	return b / 3 * (1 - v*v*v), v * v
}

// NewLoss builds a kernel from its configuration name.
func NewLoss(name string, scale float64) (Loss, error) {
	switch strings.ToLower(name) {
	case "", "trivial", "none":
		return Trivial{}, nil
	}
	if scale <= 0 {
		return nil, fmt.Errorf("nls: loss %q requires a positive scale", name)
	}
	switch strings.ToLower(name) {
	case "huber":
		return Huber{Delta: scale}, nil
	case "cauchy":
		return Cauchy{Scale: scale}, nil
	case "tukey":
		return Tukey{Scale: scale}, nil
	default:
		return nil, fmt.Errorf("nls: unknown loss %q", name)
	}
}

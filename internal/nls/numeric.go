package nls

import "math"

// NumericDiff wraps a residual-only function and differentiates it with
// central differences.
type NumericDiff struct {
	Residuals int
	Fn        func(x, residuals []float64) error
	Step      float64 // relative step, defaults to 1e-6
}

func (n NumericDiff) NumResiduals() int { return n.Residuals }

func (n NumericDiff) Evaluate(x, residuals, jacobian []float64) error {
	if err := n.Fn(x, residuals); err != nil {
		return err
	}
	if jacobian == nil {
		return nil
	}
	h := n.Step
	if h <= 0 {
		h = 1e-6
	}
	m := n.Residuals
	nv := len(x)
	xp := make([]float64, nv)
	copy(xp, x)
	rp := make([]float64, m)
	rm := make([]float64, m)
	for k := 0; k < nv; k++ {
		step := h * math.Max(1, math.Abs(x[k]))
		xp[k] = x[k] + step
		if err := n.Fn(xp, rp); err != nil {
			return err
		}
		xp[k] = x[k] - step
		if err := n.Fn(xp, rm); err != nil {
			return err
		}
		xp[k] = x[k]
		for i := 0; i < m; i++ {
			jacobian[i*nv+k] = (rp[i] - rm[i]) / (2 * step)
		}
	}
	return nil
}

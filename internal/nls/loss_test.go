package nls

import (
	"math"
	"testing"
)

func TestLossKernels(t *testing.T) {
	kernels := map[string]Loss{
		"huber":  Huber{Delta: 0.5},
		"cauchy": Cauchy{Scale: 0.5},
		"tukey":  Tukey{Scale: 0.5},
	}
	for name, k := range kernels {
		rho, rho1 := k.Evaluate(1e-8)
		if math.Abs(rho-1e-8) > 1e-12 || math.Abs(rho1-1) > 1e-6 {
			t.Fatalf("%s: expected quadratic behaviour near zero, got rho=%v rho1=%v", name, rho, rho1)
		}
		_, big := k.Evaluate(100)
		if big >= 0.1 {
			t.Fatalf("%s: expected down-weighting of large residuals, got %v", name, big)
		}
	}
	if _, w := (Tukey{Scale: 0.5}).Evaluate(1); w != 0 {
		t.Fatalf("tukey must reject residuals beyond its scale, got weight %v", w)
	}
	// Huber stays continuous across the threshold
	lo, _ := Huber{Delta: 0.5}.Evaluate(0.25 - 1e-9)
	hi, _ := Huber{Delta: 0.5}.Evaluate(0.25 + 1e-9)
	if math.Abs(lo-hi) > 1e-8 {
		t.Fatalf("huber discontinuity %v vs %v", lo, hi)
	}
}

func TestNewLoss(t *testing.T) {
	if l, err := NewLoss("", 0); err != nil || l != (Trivial{}) {
		t.Fatalf("expected trivial loss, got %v %v", l, err)
	}
	if _, err := NewLoss("huber", 0); err == nil {
		t.Fatalf("expected error for zero scale")
	}
	if _, err := NewLoss("l1", 1); err == nil {
		t.Fatalf("expected error for unknown kernel")
	}
	l, err := NewLoss("Cauchy", 0.2)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if _, ok := l.(Cauchy); !ok {
		t.Fatalf("expected Cauchy, got %T", l)
	}
}

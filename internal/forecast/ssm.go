package forecast

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// StateDim is the dimension of the latent state [q, r, t, s]:
// quantity, consumption rate (units/day, positive r reduces q),
// trend (acceleration) and seasonal offset.
const StateDim = 4

const (
	stateQuantity = iota
	stateRate
	stateTrend
	stateSeasonal
)

const (
	ridge      = 1e-6
	runoutEps  = 1e-6
	psdEigTol  = 0.0 // negative eigenvalues are clamped to zero
	zScore95   = 1.96
	maxQFactor = 10.0 // q is bounded to [0, maxQFactor * quantity_max]
)

// Parameters is the tuple (F, B, H, Q, R) of a linear-Gaussian state-space
// model. H is fixed to [1,0,0,0]: only the quantity component is observed.
type Parameters struct {
	F *mat.Dense    // state transition, StateDim x StateDim
	B *mat.Dense    // feature influence, StateDim x FeatureDim
	H *mat.VecDense // observation row, StateDim
	Q *mat.Dense    // process noise covariance, StateDim x StateDim
	R float64       // observation noise variance, > 0
}

// DefaultParameters returns the cold-start parameter set: identity-like F
// with a daily decrement prior (q' = q - r), a random-walk rate and a
// decaying seasonal component. Trend is carried in the state and feature
// influence but kept out of the transition so long-horizon variance stays
// bounded.
func DefaultParameters() Parameters {
	f := mat.NewDense(StateDim, StateDim, []float64{
		1, -1, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 0.95,
	})
	b := mat.NewDense(StateDim, FeatureDim, nil)
	h := mat.NewVecDense(StateDim, []float64{1, 0, 0, 0})
	q := mat.NewDense(StateDim, StateDim, nil)
	q.Set(0, 0, 0.01)
	q.Set(1, 1, 0.001)
	q.Set(2, 2, 0.0001)
	q.Set(3, 3, 0.001)
	return Parameters{F: f, B: b, H: h, Q: q, R: 0.0025}
}

// Clone returns a deep copy. Registry entries and checkpoints must never
// share matrix backing arrays.
func (p Parameters) Clone() Parameters {
	return Parameters{
		F: mat.DenseCopyOf(p.F),
		B: mat.DenseCopyOf(p.B),
		H: mat.VecDenseCopyOf(p.H),
		Q: mat.DenseCopyOf(p.Q),
		R: p.R,
	}
}

// Model evaluates the state-space equations. It is pure: every method
// returns fresh state and covariance, inputs are never mutated.
type Model struct {
	Params Parameters
}

// Predict propagates state and covariance one step:
// state' = F·state + B·f, P' = F·P·Fᵀ + Q, ŷ = H·state'.
func (m *Model) Predict(state *mat.VecDense, cov *mat.Dense, features []float64) (*mat.VecDense, *mat.Dense, float64) {
	next := mat.NewVecDense(StateDim, nil)
	next.MulVec(m.Params.F, state)
	if features != nil {
		fv := mat.NewVecDense(FeatureDim, features)
		drift := mat.NewVecDense(StateDim, nil)
		drift.MulVec(m.Params.B, fv)
		next.AddVec(next, drift)
	}

	var fp, nextCov mat.Dense
	fp.Mul(m.Params.F, cov)
	nextCov.Mul(&fp, m.Params.F.T())
	nextCov.Add(&nextCov, m.Params.Q)

	return next, &nextCov, mat.Dot(m.Params.H, next)
}

// Update folds an observation into a predicted state via the Kalman gain
// K = P'·Hᵀ·S⁻¹ with S = H·P'·Hᵀ + R, then enforces the state invariants:
// P symmetric PSD, r,t ≥ 0, q within [0, 10·quantityMax]. A non-finite
// result is reported as a numerical fault and nothing is returned.
func (m *Model) Update(state *mat.VecDense, cov *mat.Dense, yObs, quantityMax float64) (*mat.VecDense, *mat.Dense, float64, float64, error) {
	h := m.Params.H

	// P'·Hᵀ
	ph := mat.NewVecDense(StateDim, nil)
	ph.MulVec(cov, h)

	s := mat.Dot(h, ph) + m.Params.R
	sInv, err := invertInnovation(s)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	gain := mat.NewVecDense(StateDim, nil)
	gain.ScaleVec(sInv, ph)

	innovation := yObs - mat.Dot(h, state)

	next := mat.NewVecDense(StateDim, nil)
	next.AddScaledVec(state, innovation, gain)

	// P'' = (I − K·H)·P'
	var kh mat.Dense
	kh.Outer(1, gain, h)
	ikh := identity(StateDim)
	ikh.Sub(ikh, &kh)
	var nextCov mat.Dense
	nextCov.Mul(ikh, cov)

	covOut, err := enforcePSD(&nextCov)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	clampState(next, quantityMax)

	if !vecFinite(next) || !denseFinite(covOut) {
		return nil, nil, 0, 0, newError(KindNumericalFault, "", "non-finite state after filter update")
	}
	return next, covOut, innovation, s, nil
}

// Simulate propagates nSteps days with predict only (no observations) and
// returns the expected quantities and their standard deviations
// σ_k = sqrt(H·P_k·Hᵀ). Predicted quantities are non-increasing between
// restocks: the model does not model deliveries.
func (m *Model) Simulate(state *mat.VecDense, cov *mat.Dense, nSteps int, featureSeries [][]float64) ([]float64, []float64) {
	quantities := make([]float64, 0, nSteps)
	sigmas := make([]float64, 0, nSteps)

	cur := mat.VecDenseCopyOf(state)
	curCov := mat.DenseCopyOf(cov)
	prevQ := cur.AtVec(stateQuantity)

	for k := 0; k < nSteps; k++ {
		var features []float64
		if k < len(featureSeries) {
			features = featureSeries[k]
		}
		next, nextCov, _ := m.Predict(cur, curCov, features)

		q := next.AtVec(stateQuantity)
		if q > prevQ {
			rate := math.Max(0.01, next.AtVec(stateRate))
			q = prevQ - rate
			next.SetVec(stateQuantity, q)
		}

		sigma := math.Sqrt(math.Max(nextCov.At(stateQuantity, stateQuantity), 0))
		quantities = append(quantities, q)
		sigmas = append(sigmas, sigma)

		prevQ = q
		cur, curCov = next, nextCov
	}
	return quantities, sigmas
}

// ConfidenceBand returns the band q̂ ± z·σ for the given confidence level,
// with the lower bound clipped at zero.
func ConfidenceBand(quantities, sigmas []float64, confidence float64) ([]float64, []float64) {
	z := zScore95
	if confidence != 0.95 {
		// Two-sided normal quantile via the inverse error function.
		z = math.Sqrt2 * math.Erfinv(confidence)
	}
	lower := make([]float64, len(quantities))
	upper := make([]float64, len(quantities))
	for i := range quantities {
		lower[i] = math.Max(0, quantities[i]-z*sigmas[i])
		upper[i] = quantities[i] + z*sigmas[i]
	}
	return lower, upper
}

// RunoutProbe simulates forward day by day and returns the first day k
// (1-based) with q̂_k ≤ threshold, plus a confidence in [0,1]. The
// confidence at the crossing is 1/(1+σ_k/max(q₀,ε)) with q₀ the stock
// level the probe started from: the crossing quantity sits at the
// threshold by construction, so normalizing by it would collapse the
// score for items with a low threshold regardless of how certain the
// trajectory is. With no crossing within maxDays the confidence is
// 1 − min(q̂_final/threshold,1)/2 and 0 days means no runout.
func (m *Model) RunoutProbe(state *mat.VecDense, cov *mat.Dense, threshold float64, maxDays int, featureSeries [][]float64) (int, float64) {
	q0 := state.AtVec(stateQuantity)
	quantities, sigmas := m.Simulate(state, cov, maxDays, featureSeries)
	for k, q := range quantities {
		if q <= threshold {
			conf := 1.0 / (1.0 + sigmas[k]/math.Max(q0, runoutEps))
			return k + 1, clamp01(conf)
		}
	}
	if len(quantities) == 0 {
		return 0, 0
	}
	final := quantities[len(quantities)-1]
	conf := 1.0 - math.Min(final/math.Max(threshold, runoutEps), 1.0)/2.0
	return 0, clamp01(conf)
}

// Restock resets the quantity component after a delivery while keeping the
// learned consumption dynamics. The quantity variance returns to moderate
// uncertainty and its correlations are cleared; the rate, trend and
// seasonal uncertainties survive the reset.
func (m *Model) Restock(state *mat.VecDense, cov *mat.Dense, newQuantity float64) (*mat.VecDense, *mat.Dense) {
	next := mat.VecDenseCopyOf(state)
	next.SetVec(stateQuantity, newQuantity)
	nextCov := mat.DenseCopyOf(cov)
	for i := 0; i < StateDim; i++ {
		nextCov.Set(0, i, 0)
		nextCov.Set(i, 0, 0)
	}
	nextCov.Set(0, 0, 0.09)
	return next, nextCov
}

// InitializeState builds the initial state and covariance for an item. With
// two or more recent observations the initial rate is the least-squares
// slope per day, sign flipped to positive; otherwise categoryRate applies,
// otherwise zero.
func InitializeState(currentQuantity float64, recent []Observation, categoryRate, quantityMax float64) (*mat.VecDense, *mat.Dense) {
	state := mat.NewVecDense(StateDim, nil)
	state.SetVec(stateQuantity, currentQuantity)

	rate := 0.0
	if len(recent) >= 2 {
		rate = math.Max(0, -slopePerDay(recent))
	} else if categoryRate > 0 {
		rate = categoryRate
	}
	state.SetVec(stateRate, rate)

	cov := mat.NewDense(StateDim, StateDim, nil)
	cov.Set(0, 0, 0.25*quantityMax*quantityMax)
	cov.Set(1, 1, 0.1)
	cov.Set(2, 2, 0.01)
	cov.Set(3, 3, 0.01)
	return state, cov
}

// slopePerDay is the least-squares slope of quantity over days since the
// first observation.
func slopePerDay(obs []Observation) float64 {
	n := float64(len(obs))
	t0 := obs[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, o := range obs {
		x := o.Timestamp.Sub(t0).Hours() / 24.0
		sumX += x
		sumY += o.Quantity
		sumXY += x * o.Quantity
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// invertInnovation inverts the innovation covariance via Cholesky where
// positive-definite, falling back to a ridge of 1e-6 on a singular S.
func invertInnovation(s float64) (float64, error) {
	sym := mat.NewSymDense(1, []float64{s})
	var ch mat.Cholesky
	if ch.Factorize(sym) {
		inv := mat.NewVecDense(1, nil)
		if err := ch.SolveVecTo(inv, mat.NewVecDense(1, []float64{1})); err == nil {
			return inv.AtVec(0), nil
		}
	}
	ridged := s + ridge
	if ridged <= 0 || math.IsNaN(ridged) {
		return 0, newError(KindNumericalFault, "", "innovation covariance not invertible: S=%g", s)
	}
	return 1.0 / ridged, nil
}

// enforcePSD symmetrizes P and clamps negative eigenvalues to zero.
func enforcePSD(p *mat.Dense) (*mat.Dense, error) {
	sym := mat.NewSymDense(StateDim, nil)
	for i := 0; i < StateDim; i++ {
		for j := i; j < StateDim; j++ {
			sym.SetSym(i, j, 0.5*(p.At(i, j)+p.At(j, i)))
		}
	}

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, newError(KindNumericalFault, "", "eigendecomposition of covariance failed")
	}
	vals := es.Values(nil)
	negative := false
	for _, v := range vals {
		if v < psdEigTol {
			negative = true
			break
		}
	}
	if !negative {
		out := mat.NewDense(StateDim, StateDim, nil)
		for i := 0; i < StateDim; i++ {
			for j := 0; j < StateDim; j++ {
				out.Set(i, j, sym.At(i, j))
			}
		}
		return out, nil
	}

	var vecs mat.Dense
	es.VectorsTo(&vecs)
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
	}
	lambda := mat.NewDiagDense(StateDim, vals)
	var vl, out mat.Dense
	vl.Mul(&vecs, lambda)
	out.Mul(&vl, vecs.T())
	// Reconstruction can reintroduce tiny asymmetry; fold it out.
	for i := 0; i < StateDim; i++ {
		for j := i + 1; j < StateDim; j++ {
			avg := 0.5 * (out.At(i, j) + out.At(j, i))
			out.Set(i, j, avg)
			out.Set(j, i, avg)
		}
	}
	return &out, nil
}

// clampState projects r,t to be non-negative and bounds q.
func clampState(state *mat.VecDense, quantityMax float64) {
	if state.AtVec(stateRate) < 0 {
		state.SetVec(stateRate, 0)
	}
	if state.AtVec(stateTrend) < 0 {
		state.SetVec(stateTrend, 0)
	}
	q := state.AtVec(stateQuantity)
	if q < 0 {
		state.SetVec(stateQuantity, 0)
	} else if quantityMax > 0 && q > maxQFactor*quantityMax {
		state.SetVec(stateQuantity, maxQFactor*quantityMax)
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func vecFinite(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if math.IsNaN(v.AtVec(i)) || math.IsInf(v.AtVec(i), 0) {
			return false
		}
	}
	return true
}

func denseFinite(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) || math.IsInf(m.At(i, j), 0) {
				return false
			}
		}
	}
	return true
}

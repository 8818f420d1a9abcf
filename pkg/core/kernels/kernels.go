// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the positive definite kernels used by Stein variational gradient descent
// to weight the gradients of neighboring particles, and to push particles apart.
//
// Kernels are stateless: the matrices are recomputed from the particles on every call.
package kernels

import (
	"math"
	"sort"

	"github.com/gomlx/stein/pkg/core/errs"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Kernel computes the similarity matrix between particles and its repulsive gradient.
type Kernel interface {
	// KernelAndGrad takes the flat particles x, shaped [n, d], and returns the kernel matrix K, shaped [n, n],
	// and dK, shaped [n, d], where dK[i,:] is the sum over j of the gradient of k(x_j, x_i) with respect to x_j.
	KernelAndGrad(x *mat.Dense) (k, dk *mat.Dense, err error)
}

// SquaredExponential is the kernel k(x, y) = exp(-‖x-y‖²/h).
//
// If the bandwidth h is not fixed (see WithBandwidth), it is chosen on every call with the median
// heuristic: h = median(‖x_i-x_j‖², i<j) / ln(n).
type SquaredExponential struct {
	bandwidth float64
}

// NewSquaredExponential returns a squared exponential kernel using the median heuristic for the bandwidth.
func NewSquaredExponential() *SquaredExponential {
	return &SquaredExponential{}
}

// WithBandwidth fixes the bandwidth h. If h <= 0 the median heuristic is used.
func (k *SquaredExponential) WithBandwidth(h float64) *SquaredExponential {
	k.bandwidth = h
	return k
}

// CheckFinite returns an ErrInput if x is empty or any of its values is NaN or infinite.
func CheckFinite(x mat.RawMatrixer, what string) error {
	raw := x.RawMatrix()
	if raw.Rows < 1 {
		return errs.Inputf("%s: requires at least one particle", what)
	}
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		if floats.HasNaN(row) {
			return errs.Inputf("%s: particle #%d has NaN values", what, i)
		}
		for _, v := range row {
			if math.IsInf(v, 0) {
				return errs.Inputf("%s: particle #%d has infinite values", what, i)
			}
		}
	}
	return nil
}

// squaredDistances returns the symmetric matrix of pairwise squared Euclidean distances.
func squaredDistances(x *mat.Dense) *mat.SymDense {
	n, _ := x.Dims()
	dist := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := x.RawRowView(i)
		for j := i + 1; j < n; j++ {
			d := floats.Distance(xi, x.RawRowView(j), 2)
			dist.SetSym(i, j, d*d)
		}
	}
	return dist
}

// median of the values, averaging the two central ones for an even count. values is sorted in place.
func median(values []float64) float64 {
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

// medianBandwidth implements the median heuristic over the upper triangle (i<j) of dist.
func medianBandwidth(dist *mat.SymDense) float64 {
	n := dist.SymmetricDim()
	if n < 2 {
		return 1
	}
	pairs := make([]float64, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, dist.At(i, j))
		}
	}
	h := median(pairs) / math.Log(float64(n))
	if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		klog.Warningf("kernels: degenerate median bandwidth %g with %d particles (coinciding particles?), using 1.0", h, n)
		return 1
	}
	return h
}

// Bandwidth returns the bandwidth that would be used for the particles x.
func (k *SquaredExponential) Bandwidth(x *mat.Dense) (float64, error) {
	if err := CheckFinite(x, "SquaredExponential.Bandwidth"); err != nil {
		return 0, err
	}
	if k.bandwidth > 0 {
		return k.bandwidth, nil
	}
	return medianBandwidth(squaredDistances(x)), nil
}

// KernelAndGrad implements Kernel.
//
// K is symmetric with unit diagonal and all values in (0, 1]: values that would underflow for very distant
// particles are clamped to the smallest positive float64.
// dK[i,:] = Σ_j (2/h) K[i,j] (x_i - x_j), computed as (2/h)(diag(ΣK)·X - K·X).
func (k *SquaredExponential) KernelAndGrad(x *mat.Dense) (kMat, dk *mat.Dense, err error) {
	if err = CheckFinite(x, "SquaredExponential.KernelAndGrad"); err != nil {
		return nil, nil, err
	}
	n, d := x.Dims()
	if n == 1 {
		return mat.NewDense(1, 1, []float64{1}), mat.NewDense(1, d, nil), nil
	}

	dist := squaredDistances(x)
	h := k.bandwidth
	if h <= 0 {
		h = medianBandwidth(dist)
	}
	kMat = mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		kMat.Set(i, i, 1)
		for j := i + 1; j < n; j++ {
			v := max(math.Exp(-dist.At(i, j)/h), math.SmallestNonzeroFloat64)
			kMat.Set(i, j, v)
			kMat.Set(j, i, v)
		}
	}

	// dK = (2/h) * (rowSums(K) ⊙ X - K·X)
	dk = mat.NewDense(n, d, nil)
	dk.Mul(kMat, x)
	for i := 0; i < n; i++ {
		sumK := floats.Sum(kMat.RawRowView(i))
		row := dk.RawRowView(i)
		floats.AddScaledTo(row, row, -sumK, x.RawRowView(i))
		floats.Scale(-2/h, row)
	}
	return kMat, dk, nil
}

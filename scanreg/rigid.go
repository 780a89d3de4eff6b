package scanreg

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// CalculateRigidTransform computes the best rigid transform (rotation + translation, no scale)
// mapping source onto target in the least-squares sense: target ~ T(source).
func CalculateRigidTransform(source, target []Vec) Transform {
	return CalculateWeightedRigidTransform(source, target, nil)
}

// CalculateWeightedRigidTransform is the weighted Kabsch fit.
// A nil weights slice means uniform weights. With fewer than 3 points the rotation is
// underdetermined; the SVD still yields a valid rotation but its precision is undefined.
func CalculateWeightedRigidTransform(source, target []Vec, weights []float64) Transform {
	n := len(source)
	if n == 0 || n != len(target) || (weights != nil && len(weights) != n) {
		return Identity()
	}

	// Weighted centroids
	var srcSum, tgtSum Vec
	totalWeight := 0.0
	for i := range source {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		totalWeight += w
		srcSum = r3.Add(srcSum, r3.Scale(w, source[i]))
		tgtSum = r3.Add(tgtSum, r3.Scale(w, target[i]))
	}
	if totalWeight <= 0 {
		return CalculateRigidTransform(source, target)
	}
	srcCentroid := r3.Scale(1/totalWeight, srcSum)
	tgtCentroid := r3.Scale(1/totalWeight, tgtSum)

	if n == 1 {
		d := r3.Sub(tgtCentroid, srcCentroid)
		return Translation(d.X, d.Y, d.Z)
	}

	// Cross-covariance H = sum w * (s - cs)(t - ct)^T
	h := mat.NewDense(3, 3, nil)
	for i := range source {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		s := r3.Sub(source[i], srcCentroid)
		t := r3.Sub(target[i], tgtCentroid)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+w*sv[r]*tv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		d := r3.Sub(tgtCentroid, srcCentroid)
		return Translation(d.X, d.Y, d.Z)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, 1, sign(det(V U^T))) * U^T
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1.0
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, d})
	var rot, tmp mat.Dense
	tmp.Mul(&v, diag)
	rot.Mul(&tmp, u.T())

	out := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*4+c] = rot.At(r, c)
		}
	}
	rc := TransformDirection(srcCentroid, out)
	out[3] = tgtCentroid.X - rc.X
	out[7] = tgtCentroid.Y - rc.Y
	out[11] = tgtCentroid.Z - rc.Z
	return out
}

// SumSquaredDistance returns sum |T(source_i) - target_i|^2.
func SumSquaredDistance(source, target []Vec, m Transform) float64 {
	sum := 0.0
	for i := range source {
		sum += r3.Norm2(r3.Sub(TransformPoint(source[i], m), target[i]))
	}
	return sum
}

package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 voxel-to-world transform stored in row-major order.
// It maps voxel indices (i, j, k, 1) to physical scanner coordinates
// (x, y, z, 1), and therefore encodes orientation and voxel size.
type Affine [16]float64

// Eye returns the identity affine (1mm isotropic voxels, no rotation).
func Eye() Affine {
	return Affine{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Scaled returns a diagonal affine with the given voxel sizes in mm.
// Negative sizes flip the corresponding axis.
func Scaled(sx, sy, sz float64) Affine {
	a := Eye()
	a[0] = sx
	a[5] = sy
	a[10] = sz
	return a
}

// At returns the element at row r, column c.
func (a Affine) At(r, c int) float64 {
	return a[r*4+c]
}

// Set assigns the element at row r, column c.
func (a *Affine) Set(r, c int, v float64) {
	a[r*4+c] = v
}

// Mul returns the matrix product a*b.
func (a Affine) Mul(b Affine) Affine {
	am := mat.NewDense(4, 4, a[:])
	bm := mat.NewDense(4, 4, b[:])
	var out mat.Dense
	out.Mul(am, bm)
	var res Affine
	copy(res[:], out.RawMatrix().Data)
	return res
}

// Inverse returns the inverse transform (world-to-voxel). An affine with
// a singular rotation block cannot be inverted and yields an error.
func (a Affine) Inverse() (Affine, error) {
	am := mat.NewDense(4, 4, a[:])
	var inv mat.Dense
	if err := inv.Inverse(am); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %v", err)
	}
	var res Affine
	copy(res[:], inv.RawMatrix().Data)
	return res, nil
}

// Apply maps a (possibly fractional) voxel coordinate to world coordinates.
func (a Affine) Apply(i, j, k float64) (x, y, z float64) {
	x = a[0]*i + a[1]*j + a[2]*k + a[3]
	y = a[4]*i + a[5]*j + a[6]*k + a[7]
	z = a[8]*i + a[9]*j + a[10]*k + a[11]
	return x, y, z
}

// AxisCodes returns the anatomical orientation of the three voxel axes as a
// three-letter code such as "RAS" or "LPI". For each voxel axis the dominant
// world axis is found and its sign picks the letter: +x=R/-x=L, +y=A/-y=P,
// +z=S/-z=I. Two affines with the same codes store voxels in the same
// anatomical order.
func (a Affine) AxisCodes() string {
	positive := [3]byte{'R', 'A', 'S'}
	negative := [3]byte{'L', 'P', 'I'}

	codes := make([]byte, 3)
	for col := 0; col < 3; col++ {
		best := 0
		bestAbs := math.Abs(a.At(0, col))
		for row := 1; row < 3; row++ {
			if abs := math.Abs(a.At(row, col)); abs > bestAbs {
				best = row
				bestAbs = abs
			}
		}
		if a.At(best, col) >= 0 {
			codes[col] = positive[best]
		} else {
			codes[col] = negative[best]
		}
	}
	return string(codes)
}

// String renders the affine row by row. The textual form doubles as the
// affine component of atlas cache keys, so it must be deterministic.
func (a Affine) String() string {
	return fmt.Sprintf("[[%g %g %g %g] [%g %g %g %g] [%g %g %g %g] [%g %g %g %g]]",
		a[0], a[1], a[2], a[3],
		a[4], a[5], a[6], a[7],
		a[8], a[9], a[10], a[11],
		a[12], a[13], a[14], a[15])
}

// Equal reports whether two affines match element-wise within tol.
func (a Affine) Equal(b Affine, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

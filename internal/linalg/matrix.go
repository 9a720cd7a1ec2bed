package linalg

import "math/big"

// Matrix is a square row-major matrix of scalars.
type Matrix struct {
	n    int
	data []*big.Float
}

// NewMatrix returns the n×n identity.
func (c *Context) NewMatrix(n int) *Matrix {
	m := &Matrix{n: n, data: make([]*big.Float, n*n)}
	for k := range m.data {
		m.data[k] = c.New()
	}
	m.SetIdentity()
	return m
}

// Dim returns the number of rows.
func (m *Matrix) Dim() int { return m.n }

// At returns the entry in row i, column j. The result aliases the matrix.
func (m *Matrix) At(i, j int) *big.Float { return m.data[i*m.n+j] }

// Row returns row i as a vector aliasing the matrix storage.
func (m *Matrix) Row(i int) Vector { return Vector(m.data[i*m.n : (i+1)*m.n]) }

// SetIdentity overwrites m with the identity.
func (m *Matrix) SetIdentity() {
	for i := 0; i < m.n; i++ {
		for j := 0; j < m.n; j++ {
			if i == j {
				m.At(i, j).SetInt64(1)
			} else {
				m.At(i, j).SetInt64(0)
			}
		}
	}
}

// IsSymmetric reports whether |m[i][j] - m[j][i]| <= tol for all i, j.
func (m *Matrix) IsSymmetric(tol *big.Float) bool {
	if m.n == 0 {
		return true
	}
	diff := new(big.Float).SetPrec(m.At(0, 0).Prec() + 1)
	for i := 0; i < m.n; i++ {
		for j := i + 1; j < m.n; j++ {
			diff.Sub(m.At(i, j), m.At(j, i))
			if diff.Abs(diff).Cmp(tol) > 0 {
				return false
			}
		}
	}
	return true
}

// MulVec sets dst = m·v, each row accumulated as in Dot. dst must not alias v.
func (c *Context) MulVec(dst Vector, m *Matrix, v Vector) {
	mustMatch(len(dst), m.n)
	for i := range dst {
		c.Dot(dst[i], m.Row(i), v)
	}
	CheckVector("matrix-vector multiply", dst)
}

package linalg

import (
	"errors"
	"math/big"
)

// ErrNonFinite is matched by every *NonFiniteError.
// Use errors.Is(err, ErrNonFinite) to check for numeric corruption.
var ErrNonFinite = errors.New("linalg: non-finite value")

// NonFiniteError reports an arithmetic operation that produced an infinite or
// undefined result. Op names the primitive, Phase the caller's stage of work
// (filled in by Recover).
type NonFiniteError struct {
	Op    string
	Phase string
}

func (e *NonFiniteError) Error() string {
	msg := "invalid calculation performed in " + e.Op
	if e.Phase != "" {
		msg += " " + e.Phase
	}
	return msg
}

func (e *NonFiniteError) Is(target error) bool {
	return target == ErrNonFinite
}

// fail raises the non-finite condition. It is converted back into an error by
// Recover at the API boundary of the calling package.
func fail(op string) {
	panic(&NonFiniteError{Op: op})
}

func checked(op string, z *big.Float) *big.Float {
	if z.IsInf() {
		fail(op)
	}
	return z
}

// Check raises the non-finite condition for op if z is infinite.
func Check(op string, z *big.Float) {
	checked(op, z)
}

// CheckVector raises the non-finite condition for op if any entry of v is
// infinite.
func CheckVector(op string, v Vector) {
	for _, x := range v {
		checked(op, x)
	}
}

// Recover converts a raised non-finite condition (including big.ErrNaN
// panics from math/big) into an error tagged with phase. It must be called
// directly by a deferred function:
//
//	defer linalg.Recover(&err, func() string { return phase })
//
// Other panics are propagated unchanged.
func Recover(err *error, phase func() string) {
	r := recover()
	if r == nil {
		return
	}
	switch v := r.(type) {
	case *NonFiniteError:
		v.Phase = phase()
		*err = v
	case big.ErrNaN:
		*err = &NonFiniteError{Op: v.Error(), Phase: phase()}
	default:
		panic(r)
	}
}

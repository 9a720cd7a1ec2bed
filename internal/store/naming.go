package store

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// Checkpoint file names have the fixed layout
//
//	FFFF-GGGG-RKTK-XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX-IIIIIIIIIIII.txt
//
// with a 4-digit objective score, a 4-digit gradient score, the marker, the
// run identifier in uppercase hex and a 12-digit iteration counter.
const (
	Marker     = "RKTK"
	Extension  = ".txt"
	NameLength = 68
	MaxScore   = 9999
)

// ErrNotCheckpointName is returned by ParseName for names that do not follow
// the checkpoint layout.
var ErrNotCheckpointName = errors.New("not a checkpoint file name")

// RunID distinguishes independent optimization runs. It is printed as 32
// uppercase hex digits in 8-4-4-4-12 groups.
type RunID uuid.UUID

// NewRunID draws a run identifier from r. Passing the run's seeded random
// source keeps explore runs reproducible. The identifier is a version 4 UUID:
// its version and variant bits are fixed, leaving 122 random bits.
func NewRunID(r io.Reader) (RunID, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return RunID{}, fmt.Errorf("failed to generate run id: %w", err)
	}
	return RunID(id), nil
}

// RandomRunID draws a version 4 run identifier from the system random source.
func RandomRunID() RunID {
	return RunID(uuid.New())
}

// ParseRunID parses the 36-character grouped form in either case.
func ParseRunID(s string) (RunID, error) {
	if len(s) != 36 {
		return RunID{}, fmt.Errorf("invalid run id %q: want 36 characters", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return RunID{}, fmt.Errorf("invalid run id %q: %w", s, err)
	}
	return RunID(id), nil
}

func (id RunID) String() string {
	s := id.Segments()
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X", s[0], s[1], s[2], s[3], s[4])
}

func (id RunID) IsZero() bool {
	return id == RunID{}
}

// Segments splits the identifier into its 8-4-4-4-12 hex digit groups.
func (id RunID) Segments() [5]uint64 {
	be := func(b []byte) uint64 {
		var v uint64
		for _, c := range b {
			v = v<<8 | uint64(c)
		}
		return v
	}
	return [5]uint64{be(id[0:4]), be(id[4:6]), be(id[6:8]), be(id[8:10]), be(id[10:16])}
}

func (id RunID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *RunID) UnmarshalText(b []byte) error {
	parsed, err := ParseRunID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Name is the metadata encoded in a checkpoint file name.
type Name struct {
	FScore    int
	GScore    int
	RunID     RunID
	Iteration uint64
}

func (n Name) String() string {
	return fmt.Sprintf("%04d-%04d-%s-%s-%012d%s",
		n.FScore, n.GScore, Marker, n.RunID, n.Iteration, Extension)
}

// ParseName recognizes a checkpoint base name and recovers its fields. Every
// field must have its exact length and digit class; hex digits may be of
// either case.
func ParseName(base string) (Name, error) {
	bad := func(reason string) (Name, error) {
		return Name{}, fmt.Errorf("%w: %q: %s", ErrNotCheckpointName, base, reason)
	}
	if len(base) != NameLength {
		return bad("wrong length")
	}
	for _, i := range []int{4, 9, 14, 23, 28, 33, 38, 51} {
		if base[i] != '-' {
			return bad("missing separator at " + strconv.Itoa(i))
		}
	}
	if base[10:14] != Marker {
		return bad("missing marker")
	}
	if base[64:] != Extension {
		return bad("wrong extension")
	}
	if !allDigits(base[0:4], isDec) || !allDigits(base[5:9], isDec) || !allDigits(base[52:64], isDec) {
		return bad("expected decimal digits")
	}
	for _, seg := range [][2]int{{15, 23}, {24, 28}, {29, 33}, {34, 38}, {39, 51}} {
		if !allDigits(base[seg[0]:seg[1]], isHex) {
			return bad("expected hex digits")
		}
	}

	fScore, _ := strconv.Atoi(base[0:4])
	gScore, _ := strconv.Atoi(base[5:9])
	iter, _ := strconv.ParseUint(base[52:64], 10, 64)
	id, err := ParseRunID(base[15:51])
	if err != nil {
		return bad(err.Error())
	}
	return Name{FScore: fScore, GScore: gScore, RunID: id, Iteration: iter}, nil
}

func isDec(c byte) bool { return '0' <= c && c <= '9' }

func isHex(c byte) bool {
	return isDec(c) || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func allDigits(s string, class func(byte) bool) bool {
	for i := 0; i < len(s); i++ {
		if !class(s[i]) {
			return false
		}
	}
	return true
}

// Score maps a non-negative quantity to clamp(round(-100·log10(v)), 0, 9999).
// Zero scores 9999; negative or infinite values score 0.
func Score(v *big.Float) int {
	switch {
	case v.Sign() == 0:
		return MaxScore
	case v.Sign() < 0 || v.IsInf():
		return 0
	}
	// v = m·2^e with m in [0.5, 1); log10 stays finite far outside float64 range.
	m := new(big.Float)
	e := v.MantExp(m)
	mf, _ := m.Float64()
	s := math.Round(-100 * (math.Log10(mf) + float64(e)*math.Log10(2)))
	switch {
	case s < 0:
		return 0
	case s > MaxScore:
		return MaxScore
	}
	return int(s)
}

// Package softfloat implements the IEEE-754 binary32/binary64 arithmetic
// RV64GC's F/D extensions need: explicit rounding-mode selection and
// sticky exception flags, neither of which Go's math package exposes.
package softfloat

import "math"

// RoundingMode mirrors the fcsr frm encoding.
type RoundingMode uint8

const (
	RNE RoundingMode = iota // round to nearest, ties to even
	RTZ                     // round toward zero
	RDN                     // round down (toward -inf)
	RUP                     // round up (toward +inf)
	RMM                     // round to nearest, ties to max magnitude
)

// Flags are the sticky fflags bits, OR-accumulated across calls by the
// caller (the interpreter owns fcsr; these are returned per-call so the
// caller can decide whether the instruction actually raised them).
type Flags uint8

const (
	FlagNX Flags = 1 << iota // inexact
	FlagUF                   // underflow
	FlagOF                   // overflow
	FlagDZ                   // divide by zero
	FlagNV                   // invalid operation
)

// defaultNaN32/64 are the canonical quiet NaNs RISC-V produces for invalid
// operations, per the spec's NaN-boxing and canonical-NaN requirements.
const (
	defaultNaN32 uint32 = 0x7fc00000
	defaultNaN64 uint64 = 0x7ff8000000000000
)

// Box32 NaN-boxes a single-precision value for storage in a 64-bit f
// register, per RV64GC's "any operation on an incorrectly-boxed value
// returns the canonical NaN" rule (checked by Unbox32).
func Box32(bits uint32) uint64 {
	return 0xffffffff00000000 | uint64(bits)
}

// Unbox32 reads a single-precision value out of an f register, returning
// the canonical NaN if the upper bits are not all ones (an "improperly
// boxed" value, per spec).
func Unbox32(v uint64) uint32 {
	if v>>32 != 0xffffffff {
		return defaultNaN32
	}
	return uint32(v)
}

func isNaN32(bits uint32) bool { return (bits&0x7f800000) == 0x7f800000 && (bits&0x007fffff) != 0 }
func isNaN64(bits uint64) bool {
	return (bits&0x7ff0000000000000) == 0x7ff0000000000000 && (bits&0x000fffffffffffff) != 0
}
func isSNaN32(bits uint32) bool { return isNaN32(bits) && bits&(1<<22) == 0 }
func isSNaN64(bits uint64) bool { return isNaN64(bits) && bits&(1<<51) == 0 }

// roundWithMode is a no-op: arithmetic goes through Go's native float
// operations, which always round to nearest, ties to even. RTZ/RDN/RUP/RMM
// are honored only by the float-to-int conversions (below), where this
// package does the rounding itself. Every other operation that takes an
// rm (+, -, *, /, sqrt, int-to-float and float64-to-float32 conversions)
// accepts it but rounds as RNE, since Go exposes no rounding-mode control
// for native float arithmetic.
func roundWithMode(_ RoundingMode) {}

// AddF32/SubF32/MulF32/DivF32 operate on raw bit patterns so callers never
// need to juggle Go's float32 NaN payload behavior, which differs from
// RISC-V's canonical-NaN rule.
func AddF32(a, b uint32, rm RoundingMode) (uint32, Flags) {
	roundWithMode(rm)
	if isSNaN32(a) || isSNaN32(b) {
		return defaultNaN32, FlagNV
	}
	if isNaN32(a) || isNaN32(b) {
		return defaultNaN32, 0
	}
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	r := fa + fb
	if math.IsNaN(float64(r)) {
		return defaultNaN32, FlagNV
	}
	return math.Float32bits(r), flagsFromResult32(r)
}

func SubF32(a, b uint32, rm RoundingMode) (uint32, Flags) {
	return AddF32(a, negate32(b), rm)
}

func MulF32(a, b uint32, rm RoundingMode) (uint32, Flags) {
	roundWithMode(rm)
	if isSNaN32(a) || isSNaN32(b) {
		return defaultNaN32, FlagNV
	}
	if isNaN32(a) || isNaN32(b) {
		return defaultNaN32, 0
	}
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	if (isInf32(a) && fb == 0) || (isInf32(b) && fa == 0) {
		return defaultNaN32, FlagNV
	}
	r := fa * fb
	return math.Float32bits(r), flagsFromResult32(r)
}

func DivF32(a, b uint32, rm RoundingMode) (uint32, Flags) {
	roundWithMode(rm)
	if isSNaN32(a) || isSNaN32(b) {
		return defaultNaN32, FlagNV
	}
	if isNaN32(a) || isNaN32(b) {
		return defaultNaN32, 0
	}
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	if fb == 0 {
		if fa == 0 {
			return defaultNaN32, FlagNV
		}
		return math.Float32bits(fa / fb), FlagDZ
	}
	r := fa / fb
	return math.Float32bits(r), flagsFromResult32(r)
}

func SqrtF32(a uint32, rm RoundingMode) (uint32, Flags) {
	roundWithMode(rm)
	if isSNaN32(a) {
		return defaultNaN32, FlagNV
	}
	if isNaN32(a) {
		return defaultNaN32, 0
	}
	fa := math.Float32frombits(a)
	if fa < 0 {
		return defaultNaN32, FlagNV
	}
	r := float32(math.Sqrt(float64(fa)))
	return math.Float32bits(r), flagsFromResult32(r)
}

func MinF32(a, b uint32) (uint32, Flags) {
	if isSNaN32(a) || isSNaN32(b) {
		return pickNonNaN32(a, b), FlagNV
	}
	if isNaN32(a) && isNaN32(b) {
		return defaultNaN32, 0
	}
	if isNaN32(a) {
		return b, 0
	}
	if isNaN32(b) {
		return a, 0
	}
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	if fa == 0 && fb == 0 {
		if math.Signbit(float64(fa)) {
			return a, 0
		}
		return b, 0
	}
	if fa < fb {
		return a, 0
	}
	return b, 0
}

func MaxF32(a, b uint32) (uint32, Flags) {
	if isSNaN32(a) || isSNaN32(b) {
		return pickNonNaN32(a, b), FlagNV
	}
	if isNaN32(a) && isNaN32(b) {
		return defaultNaN32, 0
	}
	if isNaN32(a) {
		return b, 0
	}
	if isNaN32(b) {
		return a, 0
	}
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	if fa == 0 && fb == 0 {
		if math.Signbit(float64(fa)) {
			return b, 0
		}
		return a, 0
	}
	if fa > fb {
		return a, 0
	}
	return b, 0
}

// CompareF32 implements feq/flt/fle, which all signal FlagNV on an
// unordered (NaN) comparison except feq, which only signals on sNaN.
func CompareF32(a, b uint32, quietOnNaN bool) (eq, lt bool, fl Flags) {
	if isSNaN32(a) || isSNaN32(b) || (!quietOnNaN && (isNaN32(a) || isNaN32(b))) {
		return false, false, FlagNV
	}
	if isNaN32(a) || isNaN32(b) {
		return false, false, 0
	}
	fa, fb := math.Float32frombits(a), math.Float32frombits(b)
	return fa == fb, fa < fb, 0
}

func ClassifyF32(a uint32) uint64 {
	sign := a>>31 != 0
	exp := (a >> 23) & 0xff
	mant := a & 0x7fffff
	switch {
	case exp == 0xff && mant == 0 && sign:
		return 1 << 0 // -inf
	case exp == 0xff && mant == 0:
		return 1 << 7 // +inf
	case exp == 0xff && mant != 0:
		if mant&(1<<22) == 0 {
			return 1 << 8 // sNaN
		}
		return 1 << 9 // qNaN
	case exp == 0 && mant == 0 && sign:
		return 1 << 3 // -0
	case exp == 0 && mant == 0:
		return 1 << 4 // +0
	case exp == 0 && sign:
		return 1 << 2 // -subnormal
	case exp == 0:
		return 1 << 5 // +subnormal
	case sign:
		return 1 << 1 // -normal
	default:
		return 1 << 6 // +normal
	}
}

func SignInject32(a, b uint32, negate, xor bool) uint32 {
	mag := a &^ (1 << 31)
	sign := b & (1 << 31)
	if negate {
		sign ^= 1 << 31
	}
	if xor {
		sign = (a & (1 << 31)) ^ (b & (1 << 31))
	}
	return mag | sign
}

// F32ToI64 converts with explicit rounding, returning the saturated result
// and FlagNV when the value is out of range or NaN, matching RISC-V's
// fcvt.l.s semantics exactly (saturate toward the nearer representable
// extreme, NaN saturates to the maximum positive value).
func F32ToI64(a uint32, rm RoundingMode) (int64, Flags) {
	if isNaN32(a) {
		return math.MaxInt64, FlagNV
	}
	f := roundToInt(float64(math.Float32frombits(a)), rm)
	if f >= 9223372036854775808.0 {
		return math.MaxInt64, FlagNV
	}
	if f < -9223372036854775808.0 {
		return math.MinInt64, FlagNV
	}
	r := int64(f)
	fl := Flags(0)
	if float64(r) != float64(math.Float32frombits(a)) {
		fl = FlagNX
	}
	return r, fl
}

func F32ToU64(a uint32, rm RoundingMode) (uint64, Flags) {
	if isNaN32(a) {
		return math.MaxUint64, FlagNV
	}
	f := roundToInt(float64(math.Float32frombits(a)), rm)
	if f < 0 {
		return 0, FlagNV
	}
	if f >= 18446744073709551616.0 {
		return math.MaxUint64, FlagNV
	}
	return uint64(f), 0
}

func I64ToF32(v int64, rm RoundingMode) uint32 {
	roundWithMode(rm)
	return math.Float32bits(float32(v))
}

func U64ToF32(v uint64, rm RoundingMode) uint32 {
	roundWithMode(rm)
	return math.Float32bits(float32(v))
}

func F32ToF64(a uint32) uint64 {
	if isNaN32(a) {
		return defaultNaN64
	}
	return math.Float64bits(float64(math.Float32frombits(a)))
}

func F64ToF32(a uint64, rm RoundingMode) (uint32, Flags) {
	roundWithMode(rm)
	if isSNaN64(a) {
		return defaultNaN32, FlagNV
	}
	if isNaN64(a) {
		return defaultNaN32, 0
	}
	r := float32(math.Float64frombits(a))
	return math.Float32bits(r), flagsFromResult32(r)
}

// --- double-precision mirrors ---

func AddF64(a, b uint64, rm RoundingMode) (uint64, Flags) {
	roundWithMode(rm)
	if isSNaN64(a) || isSNaN64(b) {
		return defaultNaN64, FlagNV
	}
	if isNaN64(a) || isNaN64(b) {
		return defaultNaN64, 0
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	r := fa + fb
	if math.IsNaN(r) {
		return defaultNaN64, FlagNV
	}
	return math.Float64bits(r), flagsFromResult64(r)
}

func SubF64(a, b uint64, rm RoundingMode) (uint64, Flags) { return AddF64(a, negate64(b), rm) }

func MulF64(a, b uint64, rm RoundingMode) (uint64, Flags) {
	roundWithMode(rm)
	if isSNaN64(a) || isSNaN64(b) {
		return defaultNaN64, FlagNV
	}
	if isNaN64(a) || isNaN64(b) {
		return defaultNaN64, 0
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	if (math.IsInf(fa, 0) && fb == 0) || (math.IsInf(fb, 0) && fa == 0) {
		return defaultNaN64, FlagNV
	}
	r := fa * fb
	return math.Float64bits(r), flagsFromResult64(r)
}

func DivF64(a, b uint64, rm RoundingMode) (uint64, Flags) {
	roundWithMode(rm)
	if isSNaN64(a) || isSNaN64(b) {
		return defaultNaN64, FlagNV
	}
	if isNaN64(a) || isNaN64(b) {
		return defaultNaN64, 0
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	if fb == 0 {
		if fa == 0 {
			return defaultNaN64, FlagNV
		}
		return math.Float64bits(fa / fb), FlagDZ
	}
	r := fa / fb
	return math.Float64bits(r), flagsFromResult64(r)
}

func SqrtF64(a uint64, rm RoundingMode) (uint64, Flags) {
	roundWithMode(rm)
	if isSNaN64(a) {
		return defaultNaN64, FlagNV
	}
	if isNaN64(a) {
		return defaultNaN64, 0
	}
	fa := math.Float64frombits(a)
	if fa < 0 {
		return defaultNaN64, FlagNV
	}
	r := math.Sqrt(fa)
	return math.Float64bits(r), flagsFromResult64(r)
}

func MinF64(a, b uint64) (uint64, Flags) {
	if isSNaN64(a) || isSNaN64(b) {
		return pickNonNaN64(a, b), FlagNV
	}
	if isNaN64(a) && isNaN64(b) {
		return defaultNaN64, 0
	}
	if isNaN64(a) {
		return b, 0
	}
	if isNaN64(b) {
		return a, 0
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	if fa == 0 && fb == 0 {
		if math.Signbit(fa) {
			return a, 0
		}
		return b, 0
	}
	if fa < fb {
		return a, 0
	}
	return b, 0
}

func MaxF64(a, b uint64) (uint64, Flags) {
	if isSNaN64(a) || isSNaN64(b) {
		return pickNonNaN64(a, b), FlagNV
	}
	if isNaN64(a) && isNaN64(b) {
		return defaultNaN64, 0
	}
	if isNaN64(a) {
		return b, 0
	}
	if isNaN64(b) {
		return a, 0
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	if fa == 0 && fb == 0 {
		if math.Signbit(fa) {
			return b, 0
		}
		return a, 0
	}
	if fa > fb {
		return a, 0
	}
	return b, 0
}

func CompareF64(a, b uint64, quietOnNaN bool) (eq, lt bool, fl Flags) {
	if isSNaN64(a) || isSNaN64(b) || (!quietOnNaN && (isNaN64(a) || isNaN64(b))) {
		return false, false, FlagNV
	}
	if isNaN64(a) || isNaN64(b) {
		return false, false, 0
	}
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	return fa == fb, fa < fb, 0
}

func ClassifyF64(a uint64) uint64 {
	sign := a>>63 != 0
	exp := (a >> 52) & 0x7ff
	mant := a & 0xfffffffffffff
	switch {
	case exp == 0x7ff && mant == 0 && sign:
		return 1 << 0
	case exp == 0x7ff && mant == 0:
		return 1 << 7
	case exp == 0x7ff && mant != 0:
		if mant&(1<<51) == 0 {
			return 1 << 8
		}
		return 1 << 9
	case exp == 0 && mant == 0 && sign:
		return 1 << 3
	case exp == 0 && mant == 0:
		return 1 << 4
	case exp == 0 && sign:
		return 1 << 2
	case exp == 0:
		return 1 << 5
	case sign:
		return 1 << 1
	default:
		return 1 << 6
	}
}

func SignInject64(a, b uint64, negate, xor bool) uint64 {
	mag := a &^ (1 << 63)
	sign := b & (1 << 63)
	if negate {
		sign ^= 1 << 63
	}
	if xor {
		sign = (a & (1 << 63)) ^ (b & (1 << 63))
	}
	return mag | sign
}

func F64ToI64(a uint64, rm RoundingMode) (int64, Flags) {
	if isNaN64(a) {
		return math.MaxInt64, FlagNV
	}
	f := roundToInt(math.Float64frombits(a), rm)
	if f >= 9223372036854775808.0 {
		return math.MaxInt64, FlagNV
	}
	if f < -9223372036854775808.0 {
		return math.MinInt64, FlagNV
	}
	r := int64(f)
	fl := Flags(0)
	if float64(r) != math.Float64frombits(a) {
		fl = FlagNX
	}
	return r, fl
}

func F64ToU64(a uint64, rm RoundingMode) (uint64, Flags) {
	if isNaN64(a) {
		return math.MaxUint64, FlagNV
	}
	f := roundToInt(math.Float64frombits(a), rm)
	if f < 0 {
		return 0, FlagNV
	}
	if f >= 18446744073709551616.0 {
		return math.MaxUint64, FlagNV
	}
	return uint64(f), 0
}

func I64ToF64(v int64, rm RoundingMode) uint64 {
	roundWithMode(rm)
	return math.Float64bits(float64(v))
}

func U64ToF64(v uint64, rm RoundingMode) uint64 {
	roundWithMode(rm)
	return math.Float64bits(float64(v))
}

// --- helpers ---

func negate32(a uint32) uint32 { return a ^ (1 << 31) }
func negate64(a uint64) uint64 { return a ^ (1 << 63) }
func isInf32(a uint32) bool    { return (a & 0x7fffffff) == 0x7f800000 }

func pickNonNaN32(a, b uint32) uint32 {
	if isNaN32(a) {
		return b
	}
	return a
}
func pickNonNaN64(a, b uint64) uint64 {
	if isNaN64(a) {
		return b
	}
	return a
}

func flagsFromResult32(r float32) Flags {
	switch {
	case math.IsInf(float64(r), 0):
		return FlagOF | FlagNX
	default:
		return 0
	}
}

func flagsFromResult64(r float64) Flags {
	switch {
	case math.IsInf(r, 0):
		return FlagOF | FlagNX
	default:
		return 0
	}
}

func roundToInt(f float64, rm RoundingMode) float64 {
	switch rm {
	case RTZ:
		return math.Trunc(f)
	case RDN:
		return math.Floor(f)
	case RUP:
		return math.Ceil(f)
	case RMM:
		return math.Round(f) // ties away from zero, matches RMM for the common case
	default: // RNE and the dynamic-rm=0b111 case, resolved by the caller before calling in
		return math.RoundToEven(f)
	}
}

package model

import "strconv"

// ElementPosition returns the zero-based position of an element tag: A=0,
// B=1, C=2, and so on. Unrecognized or empty tags return 0 (element A),
// matching the single-element-meter default.
func ElementPosition(tag string) int {
	if len(tag) != 1 {
		return 0
	}
	c := tag[0]
	if c < 'A' || c > 'Z' {
		return 0
	}
	return int(c - 'A')
}

// EffectiveRegister computes the device register to read for a meter at
// element position p and a register with base number b: b unchanged for
// element A (p=0); otherwise the digit p is prepended to b's decimal
// representation, i.e. p*10^ceil(log10(b+1)) + b.
func EffectiveRegister(p, b int) int {
	if p <= 0 {
		return b
	}
	digits := len(strconv.Itoa(b))
	pow := 1
	for i := 0; i < digits; i++ {
		pow *= 10
	}
	return p*pow + b
}

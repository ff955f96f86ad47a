package arena

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// Stride returns the padded per-element size used when writing arrays of
// sizeOne-byte elements into device memory with the provided minimum offset
// alignment. For an alignment of 1 or less there is no padding and the stride
// is exactly sizeOne.
func Stride(sizeOne int, elementAlignment uint) int {
	if elementAlignment <= 1 {
		return sizeOne
	}
	return AlignUp(sizeOne, elementAlignment)
}

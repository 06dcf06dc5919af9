// Package bit holds the register helpers devices share.
package bit

// Word is any unsigned register width.
type Word interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// IsSet reports whether bit index of v is 1.
func IsSet[T Word](index uint8, v T) bool {
	return (v>>index)&1 == 1
}

// Clear returns v with bit index cleared.
func Clear[T Word](index uint8, v T) T {
	return v &^ (1 << index)
}

// Set returns v with bit index set.
func Set[T Word](index uint8, v T) T {
	return v | (1 << index)
}

// Field returns bits high down to low of v, inclusive, shifted down.
// Field(0b11010110, 6, 4) is 0b101.
func Field[T Word](v T, high, low uint8) T {
	width := high - low + 1
	return (v >> low) & (1<<width - 1)
}

// Span clips an access of n bytes at offset against a register file of size
// bytes. It returns how many bytes of the access fall inside the file.
func Span(offset uint64, n, size int) int {
	if offset >= uint64(size) {
		return 0
	}
	if rem := size - int(offset); rem < n {
		return rem
	}
	return n
}

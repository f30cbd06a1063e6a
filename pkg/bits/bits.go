package bits

import "fmt"

// BitField is an ordered set of booleans packed into bytes.
// The first byte holds indices 0-7 from high bit to low bit,
// the next one 8-15, and so on. Spare bits at the end are
// zero.
type BitField []byte

func (bf BitField) Bytes() []byte {
	return []byte(bf)
}

// GetSum returns the total number of set (1) bits
func (bf BitField) GetSum() int {
	var sum int
	for _, b := range bf {
		for i := 0; i < 8; i++ {
			bitMask := byte(128 >> i)
			if (b & bitMask) == bitMask {
				sum++
			}
		}
	}

	return sum
}

// GetOnes returns the indices of the set (1) bits of the
// byte at position offset
//
// Example:
// GetOnes(0, 0b11000000) -> []int{0, 1}
// GetOnes(1, 0b10000000) -> []int{8}
func GetOnes(offset int, b byte) []int {
	var out []int
	startIndex := offset * 8

	for i := 0; i < 8; i++ {
		bitMask := byte(128 >> i)
		if (b & bitMask) == bitMask {
			out = append(out, startIndex+i)
		}
	}

	return out
}

func (bf BitField) Get(index int) bool {
	if !bf.inBounds(index) {
		return false
	}

	offset, bitMask := locate(index)
	return (bf[offset] & bitMask) == bitMask
}

func (bf BitField) Set(index int) error {
	if !bf.inBounds(index) {
		return fmt.Errorf("index %d out of bounds", index)
	}

	offset, bitMask := locate(index)

	bf[offset] |= bitMask

	return nil
}

func (bf BitField) Unset(index int) error {
	if !bf.inBounds(index) {
		return fmt.Errorf("index %d out of bounds", index)
	}

	offset, bitMask := locate(index)

	bf[offset] &^= bitMask
	return nil
}

func (bf BitField) inBounds(index int) bool {
	return index >= 0 && index/8 < len(bf)
}

// locate returns the byte offset and mask of bit index
func locate(index int) (int, byte) {
	return index / 8, byte(128 >> (index % 8))
}

// Len returns the number of bits the bitfield can hold
func (bf BitField) Len() int {
	return len(bf) * 8
}

// Full reports whether the first n bits are all set
func (bf BitField) Full(n int) bool {
	for i := 0; i < n; i++ {
		if !bf.Get(i) {
			return false
		}
	}

	return true
}

// Interesting reports whether other has at least one of the
// first n bits set where bf does not. The whole field is
// scanned on every call.
func (bf BitField) Interesting(other BitField, n int) bool {
	for i := 0; i < n; i++ {
		if other.Get(i) && !bf.Get(i) {
			return true
		}
	}

	return false
}

// Missing returns the indices among the first n bits that
// are set in other but not in bf
func (bf BitField) Missing(other BitField, n int) []int {
	var out []int
	for i := 0; i < n; i++ {
		if other.Get(i) && !bf.Get(i) {
			out = append(out, i)
		}
	}

	return out
}

// Clone returns a copy of the bitfield that shares no
// memory with bf
func (bf BitField) Clone() BitField {
	if bf == nil {
		return nil
	}

	out := make(BitField, len(bf))
	copy(out, bf)
	return out
}

// Ones returns an n-length bitfield with all bits set to 1
func Ones(n int) BitField {
	bf := NewBitField(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}

	return bf
}

// ByteLen returns the number of bytes required to hold n
// bits
func ByteLen(n int) int {
	return (n + 7) / 8
}

func NewBitField(bits int) BitField {
	return make([]byte, ByteLen(bits))
}

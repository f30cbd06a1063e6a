package bits_test

import (
	"testing"

	"github.com/namvu9/bitswarm/pkg/bits"
)

func TestParseBitField(t *testing.T) {
	bitField := byte(0b11001101)

	got := bits.GetOnes(0, bitField)
	got2 := bits.GetOnes(1, bitField)

	want := []int{0, 1, 4, 5, 7}
	want2 := []int{8, 9, 12, 13, 15}

	if len(got) != len(want) {
		t.Fatalf("Want len %d got %d", len(want), len(got))
	}
	if len(got2) != len(want2) {
		t.Fatalf("Want len %d got %d", len(want2), len(got2))
	}

	for i, index := range want {
		if got[i] != index {
			t.Errorf("%d: Want %d got %d", i, index, got[i])
		}
	}

	for i, index := range want2 {
		if got2[i] != index {
			t.Errorf("%d: Want %d got %d", i, index, got2[i])
		}
	}
}

func TestIndexSet(t *testing.T) {
	for i, test := range []struct {
		bitField bits.BitField
		index    int
		want     bool
	}{
		{
			bitField: []byte{0b11111111, 0b10000000},
			index:    8,
			want:     true,
		},
		{
			bitField: []byte{0b11111111, 0b10000000},
			index:    9,
			want:     false,
		},
		{
			bitField: []byte{0b11111110, 0b10000000},
			index:    7,
			want:     false,
		},
		{
			bitField: []byte{0b11111111},
			index:    8,
			want:     false,
		},
		{
			bitField: []byte{0b11111111},
			index:    -1,
			want:     false,
		},
	} {
		got := test.bitField.Get(test.index)

		if got != test.want {
			t.Errorf("%d: Want %v got %v", i, test.want, got)
		}
	}
}

func TestSetUnset(t *testing.T) {
	bf := bits.NewBitField(10)

	if err := bf.Set(9); err != nil {
		t.Fatal(err)
	}
	if err := bf.Set(0); err != nil {
		t.Fatal(err)
	}

	if want := []byte{0b10000000, 0b01000000}; bf[0] != want[0] || bf[1] != want[1] {
		t.Errorf("Want %08b got %08b", want, []byte(bf))
	}

	if err := bf.Unset(0); err != nil {
		t.Fatal(err)
	}
	if bf.Get(0) {
		t.Errorf("Want bit 0 unset")
	}

	for _, index := range []int{16, -1, -9} {
		if err := bf.Set(index); err == nil {
			t.Errorf("Set(%d): want out of bounds error", index)
		}
		if err := bf.Unset(index); err == nil {
			t.Errorf("Unset(%d): want out of bounds error", index)
		}
	}

	if got := bf.GetSum(); got != 1 {
		t.Errorf("GetSum want %d got %d", 1, got)
	}
}

func TestNewBitField(t *testing.T) {
	for i, test := range []struct {
		bits int
		want int // slice length
	}{
		{
			bits: 80,
			want: 10,
		},
		{
			bits: 81,
			want: 11,
		},
		{
			bits: 79,
			want: 10,
		},
		{
			bits: 0,
			want: 0,
		},
	} {
		bf := bits.NewBitField(test.bits)

		if len(bf) != test.want {
			t.Errorf("%d: Want %d got %d", i, test.want, len(bf))
		}
	}
}

func TestInteresting(t *testing.T) {
	for i, test := range []struct {
		local   bits.BitField
		remote  bits.BitField
		n       int
		want    bool
		missing []int
	}{
		{
			local:   []byte{0b11000000},
			remote:  []byte{0b11110000},
			n:       4,
			want:    true,
			missing: []int{2, 3},
		},
		{
			local:  []byte{0b11110000},
			remote: []byte{0b11110000},
			n:      4,
			want:   false,
		},
		{
			local:  []byte{0b11110000},
			remote: []byte{0b00000000},
			n:      4,
			want:   false,
		},
		{
			local:   nil,
			remote:  []byte{0b00000000, 0b10000000},
			n:       9,
			want:    true,
			missing: []int{8},
		},
	} {
		if got := test.local.Interesting(test.remote, test.n); got != test.want {
			t.Errorf("%d: Want %v got %v", i, test.want, got)
		}

		missing := test.local.Missing(test.remote, test.n)
		if len(missing) != len(test.missing) {
			t.Errorf("%d: Missing want %v got %v", i, test.missing, missing)
			continue
		}

		for j := range missing {
			if missing[j] != test.missing[j] {
				t.Errorf("%d: Missing want %v got %v", i, test.missing, missing)
			}
		}
	}
}

func TestOnesAndFull(t *testing.T) {
	bf := bits.Ones(11)

	if len(bf) != 2 {
		t.Fatalf("Want len %d got %d", 2, len(bf))
	}

	if bf[1] != 0b11100000 {
		t.Errorf("Want spare bits unset, got %08b", bf[1])
	}

	if !bf.Full(11) {
		t.Errorf("Want full")
	}

	bf.Unset(10)
	if bf.Full(11) {
		t.Errorf("Want not full")
	}

	clone := bf.Clone()
	clone.Set(10)
	if bf.Get(10) {
		t.Errorf("Want clone to not share memory")
	}
}

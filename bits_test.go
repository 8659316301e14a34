package varquery

import (
	"bytes"
	"testing"
)

func TestBitWriterReadBack(t *testing.T) {
	w := newBitWriter()
	w.WriteUint(0xAB, 8)
	w.WriteUint(0x3, 2)
	w.WriteUint(0x1F, 5)
	packed := w.Bytes()

	r := newBitReader(bytes.NewBuffer(packed))

	got, err := r.ReadUint(8)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xAB {
		t.Errorf("Got %x, expected ab", got)
	}

	got, err = r.ReadUint(2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x3 {
		t.Errorf("Got %x, expected 3", got)
	}

	got, err = r.ReadUint(5)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x1F {
		t.Errorf("Got %x, expected 1f", got)
	}
}

func TestBitWriterPadsTrailingByte(t *testing.T) {
	w := newBitWriter()
	w.WriteUint(0x1, 1)
	packed := w.Bytes()

	if len(packed) != 1 {
		t.Fatalf("Got %d bytes, expected 1", len(packed))
	}
	if packed[0] != 0x80 {
		t.Errorf("Got %x, expected 80 (msb-first with zero padding)", packed[0])
	}
}

func TestChoose(t *testing.T) {
	cases := []struct {
		n, k, want int
	}{
		{3, 1, 3},
		{4, 2, 6},
		{3, 2, 3},
		{5, 1, 5},
		{6, 3, 20},
	}
	for _, c := range cases {
		if got := Choose(c.n, c.k); got != c.want {
			t.Errorf("Choose(%d, %d) = %d, expected %d", c.n, c.k, got, c.want)
		}
	}
}

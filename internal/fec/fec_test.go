package fec

import (
	"bytes"
	"testing"
)

func makeShards(k, size int) [][]byte {
	shards := make([][]byte, k)
	for i := range shards {
		shards[i] = make([]byte, size)
		for j := range shards[i] {
			shards[i][j] = byte(i + j)
		}
	}
	return shards
}

func TestCodec_ParityAndReconstruct(t *testing.T) {
	k, r := 8, 2
	data := makeShards(k, 1024)

	c, err := New(k, r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parity, err := c.Parity(data)
	if err != nil {
		t.Fatalf("Parity: %v", err)
	}
	if len(parity) != r {
		t.Fatalf("got %d parity shards, want %d", len(parity), r)
	}

	all := make([][]byte, k+r)
	copy(all[:k], data)
	copy(all[k:], parity)

	// Lose any r data shards.
	want3 := append([]byte(nil), all[3]...)
	want7 := append([]byte(nil), all[7]...)
	all[3] = nil
	all[7] = nil

	if err := c.Reconstruct(all); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !bytes.Equal(all[3], want3) || !bytes.Equal(all[7], want7) {
		t.Error("reconstructed shards differ from originals")
	}
}

func TestCodec_TooManyMissing(t *testing.T) {
	k, r := 8, 2
	data := makeShards(k, 256)
	c, _ := New(k, r)
	parity, _ := c.Parity(data)

	all := make([][]byte, k+r)
	copy(all[:k], data)
	copy(all[k:], parity)
	all[1], all[3], all[7] = nil, nil, nil

	if err := c.Reconstruct(all); err == nil {
		t.Error("expected error with more than r shards missing")
	}
}

func TestCodec_NothingMissing(t *testing.T) {
	k, r := 4, 1
	data := makeShards(k, 64)
	c, _ := New(k, r)
	parity, _ := c.Parity(data)

	all := make([][]byte, k+r)
	copy(all[:k], data)
	copy(all[k:], parity)

	if err := c.Reconstruct(all); err != nil {
		t.Errorf("Reconstruct with full set: %v", err)
	}
}

func TestCodec_InvalidGeometry(t *testing.T) {
	for _, tc := range [][2]int{{0, 2}, {300, 2}, {8, 0}, {8, 300}} {
		if _, err := New(tc[0], tc[1]); err == nil {
			t.Errorf("New(%d, %d) accepted invalid geometry", tc[0], tc[1])
		}
	}
}

func TestPad(t *testing.T) {
	s := []byte{1, 2, 3}
	p := Pad(s, 6)
	if !bytes.Equal(p, []byte{1, 2, 3, 0, 0, 0}) {
		t.Errorf("Pad = %v", p)
	}
	if got := Pad(s, 2); !bytes.Equal(got, s) {
		t.Errorf("Pad must not truncate: %v", got)
	}
}

// Package fec provides the Reed-Solomon parity codec used to protect
// outbound file transfers: a sender appends r parity chunks per group of k
// data chunks, and a receiver can rebuild up to r missing data chunks at
// assembly time.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Codec is a fixed-geometry k data + r parity Reed-Solomon codec.
type Codec struct {
	k  int
	r  int
	rs reedsolomon.Encoder
}

// New creates a codec. Shard counts follow the library bounds (1..256 each).
func New(k, r int) (*Codec, error) {
	if k < 1 || k > 256 {
		return nil, fmt.Errorf("data shards must be between 1 and 256, got %d", k)
	}
	if r < 1 || r > 256 {
		return nil, fmt.Errorf("parity shards must be between 1 and 256, got %d", r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon init: %w", err)
	}
	return &Codec{k: k, r: r, rs: rs}, nil
}

// Params returns the codec geometry.
func (c *Codec) Params() (k, r int) {
	return c.k, c.r
}

// Parity computes the r parity shards for exactly k equally sized data
// shards. The inputs are not modified.
func (c *Codec) Parity(data [][]byte) ([][]byte, error) {
	if len(data) != c.k {
		return nil, fmt.Errorf("expected %d data shards, got %d", c.k, len(data))
	}
	size := len(data[0])
	for i, s := range data {
		if len(s) != size {
			return nil, fmt.Errorf("shard %d size %d, want %d", i, len(s), size)
		}
	}

	all := make([][]byte, c.k+c.r)
	copy(all, data)
	for i := c.k; i < len(all); i++ {
		all[i] = make([]byte, size)
	}
	if err := c.rs.Encode(all); err != nil {
		return nil, fmt.Errorf("parity encode: %w", err)
	}
	return all[c.k:], nil
}

// Reconstruct fills nil slots of a full k+r shard slice in place. It fails
// when more than r shards are missing.
func (c *Codec) Reconstruct(shards [][]byte) error {
	if len(shards) != c.k+c.r {
		return fmt.Errorf("expected %d shards, got %d", c.k+c.r, len(shards))
	}
	missing := 0
	for _, s := range shards {
		if s == nil {
			missing++
		}
	}
	if missing == 0 {
		return nil
	}
	if missing > c.r {
		return fmt.Errorf("%d shards missing, can recover at most %d", missing, c.r)
	}
	if err := c.rs.Reconstruct(shards); err != nil {
		return fmt.Errorf("reconstruct: %w", err)
	}
	return nil
}

// Pad returns a copy of shard grown to size with zero fill; a shard already
// at least size long is returned as is, neither copied nor truncated. Transfer chunks
// are padded to the nominal chunk size before parity math; the true lengths
// come from the transfer metadata.
func Pad(shard []byte, size int) []byte {
	if len(shard) >= size {
		return shard
	}
	out := make([]byte, size)
	copy(out, shard)
	return out
}

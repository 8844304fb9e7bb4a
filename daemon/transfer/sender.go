package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/portlink/backend/daemon/protocol"
	"github.com/portlink/backend/internal/fec"
)

// DefaultChunkSize is the outbound chunk size.
const DefaultChunkSize = 1 << 20

// PlanOptions tunes the outgoing chunking path.
type PlanOptions struct {
	InfoType     protocol.InfoType
	Priority     protocol.Priority
	SourceID     string
	TargetID     string
	ChunkSize    int
	ParityShards int
}

// Plan is a file split into wire messages: the data chunks, any parity
// chunks, and the terminal FILE_COMPLETE carrying the whole-file MD5.
type Plan struct {
	FileID      string
	FileName    string
	FileSize    int64
	TotalChunks int32
	MD5         string
	Messages    []*protocol.Message
}

// PlanFile reads a file and produces its transfer plan: chunks of
// opts.ChunkSize bytes (1 MiB when unset; last chunk short) with per-chunk
// MD5s under a fresh fileId, optional
// Reed-Solomon parity chunks, then the FILE_COMPLETE control message.
func PlanFile(path string, opts PlanOptions) (*Plan, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.InfoType == 0 || !opts.InfoType.IsFile() {
		opts.InfoType = protocol.InfoCTSFile
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	total := int32((size + int64(opts.ChunkSize) - 1) / int64(opts.ChunkSize))
	if total == 0 {
		return nil, fmt.Errorf("empty file %s", path)
	}

	plan := &Plan{
		FileID:      uuid.NewString(),
		FileName:    filepath.Base(path),
		FileSize:    size,
		TotalChunks: total,
	}

	whole := md5.New()
	var chunks [][]byte
	buf := make([]byte, opts.ChunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			whole.Write(chunk)
			chunks = append(chunks, chunk)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	plan.MD5 = hex.EncodeToString(whole.Sum(nil))

	for i, chunk := range chunks {
		sum := md5.Sum(chunk)
		plan.Messages = append(plan.Messages, &protocol.Message{
			InfoType:    opts.InfoType,
			Priority:    opts.Priority,
			SourceID:    opts.SourceID,
			TargetID:    opts.TargetID,
			FileID:      plan.FileID,
			FileName:    plan.FileName,
			FileSize:    size,
			ChunkIndex:  int32(i),
			TotalChunks: total,
			ChunkData:   chunk,
			ChunkMD5:    hex.EncodeToString(sum[:]),
		})
	}

	if opts.ParityShards > 0 {
		parity, err := parityChunks(chunks, opts.ChunkSize, opts.ParityShards)
		if err != nil {
			return nil, err
		}
		for j, chunk := range parity {
			sum := md5.Sum(chunk)
			plan.Messages = append(plan.Messages, &protocol.Message{
				Message:     fmt.Sprintf("PARITY:%d", opts.ParityShards),
				InfoType:    opts.InfoType,
				Priority:    opts.Priority,
				SourceID:    opts.SourceID,
				TargetID:    opts.TargetID,
				FileID:      plan.FileID,
				FileName:    plan.FileName,
				FileSize:    size,
				ChunkIndex:  total + 1 + int32(j),
				TotalChunks: total,
				ChunkData:   chunk,
				ChunkMD5:    hex.EncodeToString(sum[:]),
			})
		}
	}

	plan.Messages = append(plan.Messages, &protocol.Message{
		InfoType:    opts.InfoType,
		Priority:    opts.Priority,
		SourceID:    opts.SourceID,
		TargetID:    opts.TargetID,
		FileID:      plan.FileID,
		FileName:    plan.FileName,
		FileSize:    size,
		ChunkIndex:  total,
		TotalChunks: total,
		MD5Hash:     plan.MD5,
	})

	return plan, nil
}

// parityChunks pads the data chunks to the nominal size and computes r
// parity shards over the whole file as one group.
func parityChunks(chunks [][]byte, chunkSize, r int) ([][]byte, error) {
	codec, err := fec.New(len(chunks), r)
	if err != nil {
		return nil, err
	}
	padded := make([][]byte, len(chunks))
	for i, c := range chunks {
		padded[i] = fec.Pad(c, chunkSize)
	}
	return codec.Parity(padded)
}

// Package transfer implements the chunked file transfer engine: reassembly
// of inbound chunk streams with per-chunk hash checks and whole-file MD5
// verification, and the outbound chunking path.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// chunkKey identifies a stored chunk by index and content address, so a
// benign retransmit of the same bytes short-circuits without touching the
// reassembly map.
type chunkKey struct {
	index int32
	sum   [32]byte
}

// session is the per-fileId reassembly state. Chunks are owned exclusively
// by the session until assembly.
type session struct {
	fileID      string
	fileName    string
	fileSize    int64
	totalChunks int32
	filePath    string
	started     time.Time

	mu        sync.Mutex
	chunks    map[int32][]byte
	parity    map[int32][]byte
	seen      map[chunkKey]struct{}
	parityCnt int32 // r declared by the sender, 0 when no parity seen
	chunkSize int   // nominal chunk length observed
	assembled bool
}

func newSession(fileID, fileName string, fileSize int64, totalChunks int32, dir string) (*session, error) {
	path, err := resolvePath(dir, fileName)
	if err != nil {
		return nil, err
	}
	return &session{
		fileID:      fileID,
		fileName:    fileName,
		fileSize:    fileSize,
		totalChunks: totalChunks,
		filePath:    path,
		started:     time.Now(),
		chunks:      make(map[int32][]byte),
		parity:      make(map[int32][]byte),
		seen:        make(map[chunkKey]struct{}),
	}, nil
}

// chunkLen returns the true length of a data chunk, trimming the zero
// padding parity math works on.
func (s *session) chunkLen(index int32) int {
	if index == s.totalChunks-1 {
		if rem := int(s.fileSize % int64(s.chunkSize)); rem != 0 {
			return rem
		}
	}
	return s.chunkSize
}

// resolvePath finds a collision-free destination by appending _N before the
// extension, creating the client directory as needed.
func resolvePath(dir, fileName string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(fileName)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("unusable file name %q", fileName)
	}
	candidate := filepath.Join(dir, base)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}
}

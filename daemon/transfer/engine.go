package transfer

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/portlink/backend/daemon/protocol"
	"github.com/portlink/backend/internal/fec"
	"github.com/portlink/backend/internal/observability"
)

var (
	ErrIncompleteFile   = errors.New("incomplete file at assembly")
	ErrFileHashMismatch = errors.New("whole-file hash mismatch")
)

const (
	// assembleBufSize is the write buffer used for final assembly.
	assembleBufSize = 16 << 20

	// maxTotalChunks bounds what a peer may declare.
	maxTotalChunks = 1 << 20

	// completedTTL is how long a finished transfer stays re-ackable for
	// duplicate FILE_COMPLETE frames.
	completedTTL = 10 * time.Minute
)

type completedFile struct {
	path string
	md5  string
	name string
	at   time.Time
}

// Engine reassembles inbound transfers. One engine serves all clients; state
// is keyed by fileId.
type Engine struct {
	mu        sync.Mutex
	sessions  map[string]*session
	completed map[string]completedFile

	logger  *observability.Logger
	metrics *observability.Metrics
	events  chan Event
}

// NewEngine creates an engine. logger and metrics may be nil in tests.
func NewEngine(logger *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		sessions:  make(map[string]*session),
		completed: make(map[string]completedFile),
		logger:    logger,
		metrics:   metrics,
		events:    make(chan Event, 128),
	}
}

// Events exposes the lifecycle event stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// ActiveTransfers returns the number of live reassembly sessions.
func (e *Engine) ActiveTransfers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// HandleFrame processes one inbound file frame for a client whose receive
// directory is dir. It returns the ack to send (nil when the frame is
// silently dropped) and an error for faults the caller should log. Only a
// protocol.ErrProtocolViolation error means the connection must close.
func (e *Engine) HandleFrame(dir string, msg *protocol.Message) (*protocol.Message, error) {
	if msg.FileSize < 0 {
		return nil, fmt.Errorf("%w: negative file size %d", protocol.ErrProtocolViolation, msg.FileSize)
	}
	if msg.TotalChunks <= 0 || msg.TotalChunks > maxTotalChunks {
		return nil, fmt.Errorf("%w: total chunks %d", protocol.ErrProtocolViolation, msg.TotalChunks)
	}
	if msg.FileID == "" {
		return nil, fmt.Errorf("%w: missing file id", protocol.ErrProtocolViolation)
	}

	if msg.IsFileComplete() {
		return e.handleComplete(msg)
	}
	return e.handleChunk(dir, msg)
}

func (e *Engine) handleChunk(dir string, msg *protocol.Message) (*protocol.Message, error) {
	if msg.ChunkIndex < 0 {
		return nil, fmt.Errorf("%w: chunk index %d", protocol.ErrProtocolViolation, msg.ChunkIndex)
	}

	// Per-chunk integrity first; a corrupt chunk is dropped silently and the
	// peer retransmits on ack timeout.
	sum := md5.Sum(msg.ChunkData)
	if hex.EncodeToString(sum[:]) != strings.ToLower(msg.ChunkMD5) {
		if e.metrics != nil {
			e.metrics.ChunksDropped.WithLabelValues("chunk_hash_mismatch").Inc()
		}
		return nil, nil
	}

	s, created, err := e.getOrCreate(dir, msg)
	if err != nil {
		return nil, err
	}
	if created {
		if e.metrics != nil {
			e.metrics.RecordTransferStart()
		}
		if e.logger != nil {
			e.logger.TransferStarted(s.fileID, s.fileName, s.fileSize, s.totalChunks)
		}
		e.publish(Event{Type: EventStarted, FileID: s.fileID, FileName: s.fileName, Path: s.filePath})
	}

	key := chunkKey{index: msg.ChunkIndex, sum: blake3.Sum256(msg.ChunkData)}

	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ChunksDeduplicated.Inc()
		}
		return protocol.NewAck(msg), nil
	}
	s.seen[key] = struct{}{}

	if msg.ChunkIndex < s.totalChunks {
		s.chunks[msg.ChunkIndex] = msg.ChunkData
		if len(msg.ChunkData) > s.chunkSize {
			s.chunkSize = len(msg.ChunkData)
		}
	} else if msg.ChunkIndex == s.totalChunks {
		// The FILE_COMPLETE slot never carries data.
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: data at index %d", protocol.ErrProtocolViolation, msg.ChunkIndex)
	} else {
		// Parity region: indexes one past the FILE_COMPLETE slot. The sender
		// declares its parity count in the message field.
		s.parity[msg.ChunkIndex-s.totalChunks-1] = msg.ChunkData
		if r := parityCount(msg.Message); r > s.parityCnt {
			s.parityCnt = r
		}
		if len(msg.ChunkData) > s.chunkSize {
			s.chunkSize = len(msg.ChunkData)
		}
	}
	complete := int32(len(s.chunks)) == s.totalChunks && !s.assembled
	if complete {
		s.assembled = true
	}
	s.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ChunksReceivedTotal.Inc()
	}

	if complete {
		if err := e.assemble(s); err != nil {
			e.fail(s, "assembly failed", err)
			return nil, err
		}
	}

	return protocol.NewAck(msg), nil
}

func (e *Engine) getOrCreate(dir string, msg *protocol.Message) (*session, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[msg.FileID]; ok {
		return s, false, nil
	}
	s, err := newSession(msg.FileID, msg.FileName, msg.FileSize, msg.TotalChunks, dir)
	if err != nil {
		return nil, false, err
	}
	e.sessions[msg.FileID] = s
	return s, true, nil
}

// assemble writes the data chunks in ascending index order through a large
// buffer and fsyncs on close. Callers hold no session lock across the I/O.
func (e *Engine) assemble(s *session) error {
	s.mu.Lock()
	ordered := make([][]byte, s.totalChunks)
	for i := int32(0); i < s.totalChunks; i++ {
		c, ok := s.chunks[i]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: chunk %d missing", ErrIncompleteFile, i)
		}
		ordered[i] = c
	}
	path := s.filePath
	s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, assembleBufSize)
	for _, c := range ordered {
		if _, err := w.Write(c); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// reconstruct rebuilds missing data chunks from parity when enough shards
// survived. Assembling the file and marking the session assembled are left
// to the caller.
func (e *Engine) reconstruct(s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := s.totalChunks - int32(len(s.chunks))
	if missing == 0 {
		return nil
	}
	r := s.parityCnt
	if r == 0 || missing > int32(len(s.parity)) || missing > r || s.chunkSize == 0 {
		return fmt.Errorf("%w: %d chunks missing, %d parity available", ErrIncompleteFile, missing, len(s.parity))
	}

	codec, err := fec.New(int(s.totalChunks), int(r))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteFile, err)
	}

	shards := make([][]byte, int(s.totalChunks)+int(r))
	for i := int32(0); i < s.totalChunks; i++ {
		if c, ok := s.chunks[i]; ok {
			shards[i] = fec.Pad(c, s.chunkSize)
		}
	}
	for j, c := range s.parity {
		if int(j) < int(r) {
			shards[int(s.totalChunks)+int(j)] = c
		}
	}
	if err := codec.Reconstruct(shards); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteFile, err)
	}
	for i := int32(0); i < s.totalChunks; i++ {
		if _, ok := s.chunks[i]; !ok {
			s.chunks[i] = shards[i][:s.chunkLen(i)]
		}
	}
	return nil
}

func (e *Engine) handleComplete(msg *protocol.Message) (*protocol.Message, error) {
	e.mu.Lock()
	s, live := e.sessions[msg.FileID]
	if !live {
		done, finished := e.completed[msg.FileID]
		e.mu.Unlock()
		if finished && strings.EqualFold(done.md5, msg.MD5Hash) {
			// Duplicate FILE_COMPLETE after success: re-ack, change nothing.
			return protocol.NewFileCompleteAck(msg), nil
		}
		return nil, fmt.Errorf("file complete for unknown transfer %s", msg.FileID)
	}
	e.mu.Unlock()

	s.mu.Lock()
	assembled := s.assembled
	s.mu.Unlock()

	if !assembled {
		if err := e.reconstruct(s); err != nil {
			e.fail(s, "reconstruction failed", err)
			return nil, err
		}
		if err := e.assemble(s); err != nil {
			e.fail(s, "assembly failed", err)
			return nil, err
		}
		s.mu.Lock()
		s.assembled = true
		s.mu.Unlock()
	}

	fileMD5, err := fileMD5Hex(s.filePath)
	if err != nil {
		e.fail(s, "hash of assembled file failed", err)
		return nil, err
	}
	if !strings.EqualFold(fileMD5, msg.MD5Hash) {
		os.Remove(s.filePath)
		e.fail(s, "whole-file hash mismatch", ErrFileHashMismatch)
		// No ack: the peer retries the whole file.
		return nil, nil
	}

	e.mu.Lock()
	delete(e.sessions, s.fileID)
	e.completed[s.fileID] = completedFile{path: s.filePath, md5: fileMD5, name: s.fileName, at: time.Now()}
	e.pruneCompletedLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordTransferComplete(true, time.Since(s.started).Seconds())
	}
	if e.logger != nil {
		e.logger.TransferCompleted(s.fileID, s.filePath, s.fileSize, time.Since(s.started))
	}
	e.publish(Event{Type: EventCompleted, FileID: s.fileID, FileName: s.fileName, Path: s.filePath})

	return protocol.NewFileCompleteAck(msg), nil
}

// fail discards a session, removes any partial artifact and publishes the
// failure.
func (e *Engine) fail(s *session, reason string, err error) {
	e.mu.Lock()
	delete(e.sessions, s.fileID)
	e.mu.Unlock()

	// A partial artifact may exist even when assembly errored midway.
	s.mu.Lock()
	os.Remove(s.filePath)
	s.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordTransferComplete(false, time.Since(s.started).Seconds())
	}
	if e.logger != nil {
		e.logger.TransferFailed(s.fileID, reason, err)
	}
	e.publish(Event{Type: EventFailed, FileID: s.fileID, FileName: s.fileName, Path: s.filePath, Err: err})
}

// Abort discards a live transfer session and its partial artifact.
func (e *Engine) Abort(fileID string) {
	e.mu.Lock()
	s, ok := e.sessions[fileID]
	e.mu.Unlock()
	if ok {
		e.fail(s, "transfer aborted", nil)
	}
}

func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Engine) pruneCompletedLocked() {
	cutoff := time.Now().Add(-completedTTL)
	for id, c := range e.completed {
		if c.at.Before(cutoff) {
			delete(e.completed, id)
		}
	}
}

func fileMD5Hex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parityCount parses the sender's parity declaration ("PARITY:<r>").
func parityCount(s string) int32 {
	const prefix = "PARITY:"
	if !strings.HasPrefix(s, prefix) {
		return 0
	}
	n, err := strconv.Atoi(s[len(prefix):])
	if err != nil || n < 0 {
		return 0
	}
	return int32(n)
}

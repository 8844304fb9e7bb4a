package transfer

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/portlink/backend/daemon/protocol"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func planFor(t *testing.T, size, chunkSize, parity int) (*Plan, []byte) {
	t.Helper()
	path, data := writeTempFile(t, size)
	plan, err := PlanFile(path, PlanOptions{
		Priority:     protocol.PriorityHigh,
		SourceID:     "sender",
		TargetID:     "server",
		ChunkSize:    chunkSize,
		ParityShards: parity,
	})
	if err != nil {
		t.Fatalf("PlanFile: %v", err)
	}
	return plan, data
}

func deliverAll(t *testing.T, e *Engine, dir string, plan *Plan) *protocol.Message {
	t.Helper()
	var last *protocol.Message
	for _, m := range plan.Messages {
		ack, err := e.HandleFrame(dir, m)
		if err != nil {
			t.Fatalf("HandleFrame(idx %d): %v", m.ChunkIndex, err)
		}
		if ack == nil {
			t.Fatalf("missing ack for idx %d", m.ChunkIndex)
		}
		last = ack
	}
	return last
}

func TestEngine_ChunkedFileEndToEnd(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()

	plan, data := planFor(t, 3<<10, 1<<10, 0)
	if plan.TotalChunks != 3 {
		t.Fatalf("TotalChunks = %d", plan.TotalChunks)
	}

	var acks []*protocol.Message
	for _, m := range plan.Messages {
		ack, err := e.HandleFrame(dir, m)
		if err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
		acks = append(acks, ack)
	}

	// Chunk acks echo seq and carry index; last ack is the completion ack.
	for i := 0; i < 3; i++ {
		if acks[i].AckNum != plan.Messages[i].SeqNum || acks[i].ChunkIndex != int32(i) {
			t.Errorf("ack %d malformed: %+v", i, acks[i])
		}
	}
	final := acks[len(acks)-1]
	if final.Message != "FILE_COMPLETE_ACK" || final.FileID != plan.FileID {
		t.Fatalf("final ack malformed: %+v", final)
	}

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil {
		t.Fatalf("assembled file missing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("assembled bytes differ from source")
	}
	sum := md5.Sum(got)
	if hex.EncodeToString(sum[:]) != plan.MD5 {
		t.Fatal("assembled MD5 differs from declared")
	}
	if e.ActiveTransfers() != 0 {
		t.Fatalf("session not removed: %d active", e.ActiveTransfers())
	}
}

func TestEngine_CorruptChunkDroppedThenRetransmitted(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()
	plan, _ := planFor(t, 2<<10, 1<<10, 0)

	// Chunk 1 arrives with a wrong hash: no ack, no state change.
	bad := *plan.Messages[1]
	bad.ChunkMD5 = "00000000000000000000000000000000"
	ack, err := e.HandleFrame(dir, &bad)
	if err != nil {
		t.Fatalf("corrupt chunk must not error: %v", err)
	}
	if ack != nil {
		t.Fatal("corrupt chunk must not be acked")
	}

	// Correct retransmit, then the rest.
	final := deliverAll(t, e, dir, plan)
	if final.Message != "FILE_COMPLETE_ACK" {
		t.Fatalf("completion failed after retransmit: %+v", final)
	}
}

func TestEngine_DuplicateChunkIsIdempotent(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()
	plan, data := planFor(t, 3<<10, 1<<10, 0)

	// Deliver chunk 0 twice before the rest.
	if ack, err := e.HandleFrame(dir, plan.Messages[0]); err != nil || ack == nil {
		t.Fatalf("first delivery: %v %v", ack, err)
	}
	if ack, err := e.HandleFrame(dir, plan.Messages[0]); err != nil || ack == nil {
		t.Fatalf("duplicate delivery must re-ack: %v %v", ack, err)
	}

	deliverAll(t, e, dir, plan)

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatal("re-delivered chunk changed the assembled file")
	}
}

func TestEngine_DuplicateFileCompleteReAcks(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()
	plan, data := planFor(t, 2<<10, 1<<10, 0)

	deliverAll(t, e, dir, plan)

	complete := plan.Messages[len(plan.Messages)-1]
	ack, err := e.HandleFrame(dir, complete)
	if err != nil {
		t.Fatalf("duplicate FILE_COMPLETE errored: %v", err)
	}
	if ack == nil || ack.Message != "FILE_COMPLETE_ACK" {
		t.Fatalf("duplicate FILE_COMPLETE not re-acked: %+v", ack)
	}

	got, _ := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if !bytes.Equal(got, data) {
		t.Fatal("duplicate FILE_COMPLETE changed the file")
	}
}

func TestEngine_WholeFileHashMismatchDeletesArtifact(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()
	plan, _ := planFor(t, 2<<10, 1<<10, 0)

	for _, m := range plan.Messages[:len(plan.Messages)-1] {
		if _, err := e.HandleFrame(dir, m); err != nil {
			t.Fatal(err)
		}
	}
	complete := *plan.Messages[len(plan.Messages)-1]
	complete.MD5Hash = "ffffffffffffffffffffffffffffffff"

	ack, _ := e.HandleFrame(dir, &complete)
	if ack != nil {
		t.Fatal("mismatched completion must not be acked")
	}
	if _, err := os.Stat(filepath.Join(dir, "payload.bin")); !os.IsNotExist(err) {
		t.Fatal("artifact must be deleted on hash mismatch")
	}
	if e.ActiveTransfers() != 0 {
		t.Fatal("failed session must be discarded")
	}
}

func TestEngine_IncompleteFileFailsSession(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()
	plan, _ := planFor(t, 3<<10, 1<<10, 0)

	// Drop chunk 1 entirely, then declare completion.
	for _, m := range plan.Messages {
		if m.ChunkIndex == 1 && len(m.ChunkData) > 0 {
			continue
		}
		if m.IsFileComplete() {
			_, err := e.HandleFrame(dir, m)
			if !errors.Is(err, ErrIncompleteFile) {
				t.Fatalf("expected ErrIncompleteFile, got %v", err)
			}
			continue
		}
		if _, err := e.HandleFrame(dir, m); err != nil {
			t.Fatal(err)
		}
	}
	if e.ActiveTransfers() != 0 {
		t.Fatal("incomplete session must be discarded")
	}
}

func TestEngine_ParityRecoversMissingChunk(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()
	plan, data := planFor(t, 4<<10, 1<<10, 2)

	for _, m := range plan.Messages {
		// Lose data chunks 1 and 2; parity and the rest arrive.
		if len(m.ChunkData) > 0 && (m.ChunkIndex == 1 || m.ChunkIndex == 2) && m.ChunkIndex < plan.TotalChunks {
			continue
		}
		if _, err := e.HandleFrame(dir, m); err != nil {
			t.Fatalf("HandleFrame(idx %d): %v", m.ChunkIndex, err)
		}
	}

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil {
		t.Fatalf("reconstructed file missing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reconstructed bytes differ from source")
	}
}

func TestEngine_NegativeFileSizeIsProtocolViolation(t *testing.T) {
	e := NewEngine(nil, nil)
	m := &protocol.Message{
		InfoType:    protocol.InfoCTSFile,
		FileID:      "x",
		FileName:    "x.bin",
		FileSize:    -1,
		TotalChunks: 1,
		ChunkData:   []byte{1},
	}
	_, err := e.HandleFrame(t.TempDir(), m)
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestEngine_CollisionSuffix(t *testing.T) {
	e := NewEngine(nil, nil)
	dir := t.TempDir()

	first, _ := planFor(t, 1<<10, 1<<10, 0)
	deliverAll(t, e, dir, first)

	second, data := planFor(t, 1<<10, 1<<10, 0)
	deliverAll(t, e, dir, second)

	got, err := os.ReadFile(filepath.Join(dir, "payload_1.bin"))
	if err != nil {
		t.Fatalf("collision suffix path missing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("suffixed file content wrong")
	}
}

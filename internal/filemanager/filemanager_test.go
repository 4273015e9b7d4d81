package filemanager

import (
	"bytes"
	"context"
	"testing"

	"odin-chat-server/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, store.NewFake())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestUploadCommitRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xAB}, ChunkSize+100)
	fileID, err := m.BeginUpload(ctx, "alice", "photo.bin", "", uint64(len(data)))
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}

	if err := m.WriteChunk(fileID, 0, data[:ChunkSize]); err != nil {
		t.Fatalf("WriteChunk 0: %v", err)
	}
	if err := m.WriteChunk(fileID, 1, data[ChunkSize:]); err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}

	complete, err := m.IsComplete(fileID)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if !complete {
		t.Fatal("expected upload complete after both chunks written")
	}

	f, err := m.CommitUpload(ctx, fileID)
	if err != nil {
		t.Fatalf("CommitUpload: %v", err)
	}
	if f.FileName != "photo.bin" {
		t.Fatalf("got filename %q", f.FileName)
	}

	chunk0, last0, err := m.ReadChunk(ctx, f.FileHash, 0)
	if err != nil {
		t.Fatalf("ReadChunk 0: %v", err)
	}
	if last0 {
		t.Fatal("first chunk should not be last")
	}
	if !bytes.Equal(chunk0, data[:ChunkSize]) {
		t.Fatal("chunk 0 round-trip mismatch")
	}

	chunk1, last1, err := m.ReadChunk(ctx, f.FileHash, 1)
	if err != nil {
		t.Fatalf("ReadChunk 1: %v", err)
	}
	if !last1 {
		t.Fatal("second chunk should be last")
	}
	if !bytes.Equal(chunk1, data[ChunkSize:]) {
		t.Fatal("chunk 1 round-trip mismatch")
	}
}

func TestCommitUploadDedupesByHash(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte{0x42}, 10)

	id1, _ := m.BeginUpload(ctx, "alice", "a.bin", "", uint64(len(data)))
	_ = m.WriteChunk(id1, 0, data)
	f1, err := m.CommitUpload(ctx, id1)
	if err != nil {
		t.Fatalf("CommitUpload 1: %v", err)
	}

	id2, _ := m.BeginUpload(ctx, "bob", "a-copy.bin", "", uint64(len(data)))
	_ = m.WriteChunk(id2, 0, data)
	f2, err := m.CommitUpload(ctx, id2)
	if err != nil {
		t.Fatalf("CommitUpload 2: %v", err)
	}

	if f1.FileHash != f2.FileHash {
		t.Fatal("expected identical content to share a hash")
	}
	if f1.FileID != f2.FileID {
		t.Fatal("expected the second upload to be linked to the first file's id, not minted a new one")
	}
}

func TestSecondUploadByUserBlocksUntilFirstReleased(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id1, err := m.BeginUpload(ctx, "alice", "a.bin", "", 4)
	if err != nil {
		t.Fatalf("BeginUpload 1: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 0)
	defer cancel()
	if _, err := m.BeginUpload(ctx2, "alice", "b.bin", "", 4); err == nil {
		t.Fatal("expected second concurrent upload by the same user to block/fail while the first is open")
	}

	m.CancelUpload(id1)

	if _, err := m.BeginUpload(ctx, "alice", "b.bin", "", 4); err != nil {
		t.Fatalf("expected upload to succeed after releasing the first slot: %v", err)
	}
}

func TestCommitUploadRejectsHashMismatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte{0x11}, 10)

	fileID, err := m.BeginUpload(ctx, "alice", "a.bin", "not-the-real-hash", uint64(len(data)))
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	if err := m.WriteChunk(fileID, 0, data); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if _, err := m.CommitUpload(ctx, fileID); err == nil {
		t.Fatal("expected commit to fail on declared-hash mismatch")
	}

	if _, err := m.BeginUpload(ctx, "alice", "b.bin", "", 4); err != nil {
		t.Fatalf("expected upload slot released after failed commit: %v", err)
	}
}

func TestWriteChunkRejectsOutOfRangeIndex(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	fileID, _ := m.BeginUpload(ctx, "alice", "a.bin", "", 4)
	if err := m.WriteChunk(fileID, 7, []byte("x")); err == nil {
		t.Fatal("expected out-of-range chunk index to be rejected")
	}
}

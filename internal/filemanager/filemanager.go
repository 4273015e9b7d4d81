// Package filemanager implements the chunked, content-addressed file
// transfer engine (§4.8): chunks are staged to disk as they arrive, the
// staged blob's SHA-256 is computed only once every chunk has landed,
// and the store is the dedup index keyed by that hash. Grounded on
// original_source/project/global/include/file.hpp's ServerFile
// receive-chunk/bitset/finalize shape, translated from a C++
// vector<char> bitset to a Go []bool.
package filemanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"odin-chat-server/internal/apperr"
	"odin-chat-server/internal/store"
)

const ChunkSize = 4 * 1024 * 1024 // 4MiB, matches the original CHUNK_SIZE

// uploadSession tracks one in-flight upload keyed by its reserved file id.
type uploadSession struct {
	mu            sync.Mutex
	fileID        string
	fileName      string
	fileSize      uint64
	expectedHash  string
	totalChunks   uint32
	uploadedBy    string
	stagingPath   string
	stagingFile   *os.File
	received      []bool
	receivedCount uint32
}

func (s *uploadSession) isComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivedCount == s.totalChunks
}

// Manager coordinates upload/download sessions against a content-addressed
// on-disk store. Per-user semaphores cap concurrent uploads to one at a
// time (§4.8's single-flight rule), so a client can't open two competing
// staging files for the same logical transfer.
type Manager struct {
	storageRoot string
	stagingRoot string
	store       store.Store

	mu       sync.Mutex
	sessions map[string]*uploadSession

	userSemMu sync.Mutex
	userSem   map[string]chan struct{}
}

func New(storageRoot string, st store.Store) (*Manager, error) {
	stagingRoot := filepath.Join(storageRoot, "staging")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("filemanager: create staging dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(storageRoot, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("filemanager: create blob dir: %w", err)
	}
	return &Manager{
		storageRoot: storageRoot,
		stagingRoot: stagingRoot,
		store:       st,
		sessions:    make(map[string]*uploadSession),
		userSem:     make(map[string]chan struct{}),
	}, nil
}

func (m *Manager) semaphoreFor(userID string) chan struct{} {
	m.userSemMu.Lock()
	defer m.userSemMu.Unlock()
	sem, ok := m.userSem[userID]
	if !ok {
		sem = make(chan struct{}, 1)
		m.userSem[userID] = sem
	}
	return sem
}

// BeginUpload reserves a file id and opens a staging file, blocking
// until any prior upload by the same user has finished or been
// abandoned via CancelUpload.
func (m *Manager) BeginUpload(ctx context.Context, userID, fileName, expectedHash string, fileSize uint64) (string, error) {
	sem := m.semaphoreFor(userID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	fileID, err := m.store.ReserveFileID(ctx)
	if err != nil {
		<-sem
		return "", apperr.Wrap(apperr.KindStore, "filemanager.BeginUpload", err)
	}

	totalChunks := uint32((fileSize + ChunkSize - 1) / ChunkSize)
	if fileSize == 0 {
		totalChunks = 1
	}
	stagingPath := filepath.Join(m.stagingRoot, fileID)
	f, err := os.Create(stagingPath)
	if err != nil {
		<-sem
		return "", apperr.Wrap(apperr.KindFatal, "filemanager.BeginUpload", err)
	}
	if fileSize > 0 {
		if err := f.Truncate(int64(fileSize)); err != nil {
			f.Close()
			<-sem
			return "", apperr.Wrap(apperr.KindFatal, "filemanager.BeginUpload", err)
		}
	}

	session := &uploadSession{
		fileID:       fileID,
		fileName:     fileName,
		fileSize:     fileSize,
		expectedHash: expectedHash,
		totalChunks:  totalChunks,
		uploadedBy:   userID,
		stagingPath:  stagingPath,
		stagingFile:  f,
		received:     make([]bool, totalChunks),
	}

	m.mu.Lock()
	m.sessions[fileID] = session
	m.mu.Unlock()
	return fileID, nil
}

// WriteChunk writes one chunk's bytes at its offset and marks it
// received; it is safe to call out of order or with retransmitted
// duplicates (idempotent on the bitset).
func (m *Manager) WriteChunk(fileID string, chunkIndex uint32, data []byte) error {
	session, err := m.sessionFor(fileID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if int(chunkIndex) >= len(session.received) {
		return apperr.New(apperr.KindProtocol, "filemanager.WriteChunk", "chunk index out of range")
	}
	if _, err := session.stagingFile.WriteAt(data, int64(chunkIndex)*ChunkSize); err != nil {
		return apperr.Wrap(apperr.KindFatal, "filemanager.WriteChunk", err)
	}
	if !session.received[chunkIndex] {
		session.received[chunkIndex] = true
		session.receivedCount++
	}
	return nil
}

// IsComplete reports whether every chunk of fileID has been received.
func (m *Manager) IsComplete(fileID string) (bool, error) {
	session, err := m.sessionFor(fileID)
	if err != nil {
		return false, err
	}
	return session.isComplete(), nil
}

// CommitUpload hashes the staged blob, dedupes against any existing file
// with the same hash, and either returns the existing file's record
// (removing the staged copy; the reserved file id is not used) or
// commits the staged file into the content-addressed store by rename. Either way the per-user upload slot is released.
func (m *Manager) CommitUpload(ctx context.Context, fileID string) (*store.File, error) {
	session, err := m.sessionFor(fileID)
	defer m.releaseSession(fileID)
	if err != nil {
		return nil, err
	}
	if !session.isComplete() {
		return nil, apperr.New(apperr.KindProtocol, "filemanager.CommitUpload", "upload incomplete")
	}

	hash, err := hashFile(session.stagingFile)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "filemanager.CommitUpload", err)
	}
	_ = session.stagingFile.Close()

	if session.expectedHash != "" && hash != session.expectedHash {
		_ = os.Remove(session.stagingPath)
		return nil, apperr.New(apperr.KindProtocol, "filemanager.CommitUpload", "end-to-end hash mismatch")
	}

	if existing, err := m.store.GetFileByHash(ctx, hash); err == nil {
		_ = os.Remove(session.stagingPath)
		return existing, nil
	} else if err != store.ErrNotFound {
		return nil, apperr.Wrap(apperr.KindStore, "filemanager.CommitUpload", err)
	}

	finalPath := m.blobPath(hash)
	if err := os.Rename(session.stagingPath, finalPath); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "filemanager.CommitUpload", err)
	}

	f := &store.File{
		FileHash:   hash,
		FileID:     session.fileID,
		FileName:   session.fileName,
		FileSize:   session.fileSize,
		UploadedBy: session.uploadedBy,
	}
	if err := m.store.CreateFile(ctx, f); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "filemanager.CommitUpload", err)
	}
	return f, nil
}

// CancelUpload discards a staging file and releases the user's slot
// without committing anything, e.g. after DENY_FILE or a disconnect
// mid-upload.
func (m *Manager) CancelUpload(fileID string) {
	session, err := m.sessionFor(fileID)
	if err != nil {
		return
	}
	_ = session.stagingFile.Close()
	_ = os.Remove(session.stagingPath)
	m.releaseSession(fileID)
}

func (m *Manager) sessionFor(fileID string) (*uploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[fileID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "filemanager", "unknown upload session")
	}
	return s, nil
}

func (m *Manager) releaseSession(fileID string) {
	m.mu.Lock()
	session, ok := m.sessions[fileID]
	if ok {
		delete(m.sessions, fileID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sem := m.semaphoreFor(session.uploadedBy)
	select {
	case <-sem:
	default:
	}
}

func (m *Manager) blobPath(hash string) string {
	return filepath.Join(m.storageRoot, "blobs", hash)
}

func hashFile(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadChunk returns one chunk of an already-committed file for download
// (§4.8's download path).
func (m *Manager) ReadChunk(ctx context.Context, fileHash string, chunkIndex uint32) ([]byte, bool, error) {
	f, err := m.store.GetFileByHash(ctx, fileHash)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindNotFound, "filemanager.ReadChunk", err)
	}

	blob, err := os.Open(m.blobPath(fileHash))
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindFatal, "filemanager.ReadChunk", err)
	}
	defer blob.Close()

	totalChunks := uint32((f.FileSize + ChunkSize - 1) / ChunkSize)
	if f.FileSize == 0 {
		totalChunks = 1
	}
	buf := make([]byte, ChunkSize)
	n, err := blob.ReadAt(buf, int64(chunkIndex)*ChunkSize)
	if err != nil && err != io.EOF {
		return nil, false, apperr.Wrap(apperr.KindFatal, "filemanager.ReadChunk", err)
	}
	isLast := chunkIndex+1 >= totalChunks
	return buf[:n], isLast, nil
}

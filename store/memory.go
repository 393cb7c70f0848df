package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
)

// Memory is an in-process ObjectStore used by tests and local runs without
// S3 credentials. Objects and open multipart uploads live in maps guarded
// by one mutex; ETags are hex MD5 digests like S3's.
type Memory struct {
	mu      sync.Mutex
	nextID  int
	objects map[string][]byte
	uploads map[string]*memUpload
}

type memUpload struct {
	key   string
	parts map[int32][]byte
	etags map[int32]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		uploads: make(map[string]*memUpload),
	}
}

func (m *Memory) CreateMultipart(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	uploadID := fmt.Sprintf("upload-%d", m.nextID)
	m.uploads[uploadID] = &memUpload{
		key:   key,
		parts: make(map[int32][]byte),
		etags: make(map[int32]string),
	}
	return uploadID, nil
}

func (m *Memory) UploadPart(_ context.Context, key, uploadID string, number int32, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return "", fmt.Errorf("no such upload %s for %s", uploadID, key)
	}
	if number < 1 {
		return "", fmt.Errorf("invalid part number %d", number)
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	sum := md5.Sum(buf)
	etag := hex.EncodeToString(sum[:])
	up.parts[number] = buf
	up.etags[number] = etag
	return etag, nil
}

func (m *Memory) CompleteMultipart(_ context.Context, key, uploadID string, parts []Part) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return "", fmt.Errorf("no such upload %s for %s", uploadID, key)
	}

	var assembled []byte
	last := int32(0)
	for _, p := range parts {
		if p.Number <= last {
			return "", fmt.Errorf("part numbers not ascending: %d after %d", p.Number, last)
		}
		last = p.Number
		data, ok := up.parts[p.Number]
		if !ok {
			return "", fmt.Errorf("part %d was never uploaded", p.Number)
		}
		if up.etags[p.Number] != p.ETag {
			return "", fmt.Errorf("part %d etag mismatch", p.Number)
		}
		assembled = append(assembled, data...)
	}

	m.objects[key] = assembled
	delete(m.uploads, uploadID)
	return "mem://" + key, nil
}

func (m *Memory) AbortMultipart(_ context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return fmt.Errorf("no such upload %s for %s", uploadID, key)
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *Memory) PutObject(_ context.Context, key string, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	m.objects[key] = buf
	return "mem://" + key, nil
}

// Object returns a stored object's bytes, or false if key does not exist.
func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// OpenUploads returns the number of multipart uploads that were begun but
// neither completed nor aborted.
func (m *Memory) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// Package hashstore implements the content-addressed, gzip-compressed
// per-task file cache with SHA-256 keys (4.E). Deduplication is per
// task: identical content within one task's store is written once;
// other tasks' stores are not probed.
package hashstore

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrison/ralphy/internal/atomicfile"
	"github.com/harrison/ralphy/internal/jsonsafe"
	"github.com/harrison/ralphy/internal/model"
)

const (
	gzipThreshold = 1024 // 1 KiB
	gzipLevel     = 6
	streamHashCutoff = 2 * 1024 * 1024 // 2 MiB
	pipelineTimeout  = 30 * time.Second
	indexFileName    = ".ralphy-hashes-ref.json"
	defaultGCMaxAge  = 24 * time.Hour
)

// Store is one task's content-addressed file cache, rooted at
// <projectRoot>/.ralphy-hashes/<taskId>/.
type Store struct {
	mu        sync.Mutex
	root      string // <projectRoot>/.ralphy-hashes
	taskID    string
	taskDir   string
	indexPath string
	index     model.TaskHashIndex
}

// Open loads (or creates) the hash store for taskID under
// <projectRoot>/.ralphy-hashes.
func Open(projectRoot, taskID string) (*Store, error) {
	root := filepath.Join(projectRoot, ".ralphy-hashes")
	taskDir := filepath.Join(root, taskID)
	s := &Store{
		root:      root,
		taskID:    taskID,
		taskDir:   taskDir,
		indexPath: filepath.Join(taskDir, indexFileName),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			now := time.Now().UnixMilli()
			s.index = model.TaskHashIndex{
				TaskID:    s.taskID,
				Files:     make(map[string]model.HashEntry),
				CreatedAt: now,
				UpdatedAt: now,
			}
			return nil
		}
		return fmt.Errorf("hashstore: read index: %w", err)
	}
	if err := jsonsafe.RejectDangerousKeys(data); err != nil {
		return err
	}
	var idx model.TaskHashIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("hashstore: parse index: %w", err)
	}
	if idx.Files == nil {
		idx.Files = make(map[string]model.HashEntry)
	}
	s.index = idx
	return nil
}

func (s *Store) persistLocked() error {
	s.index.UpdatedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("hashstore: marshal index: %w", err)
	}
	return atomicfile.AtomicWrite(s.indexPath, data)
}

func contentDir(taskDir string) string {
	return filepath.Join(taskDir, "content")
}

// AddFile stores content under its content-addressed name, keyed in the
// index by relPath. If the content already exists on disk for this
// task, the write is skipped (dedup) but the index and metadata are
// still updated.
func (s *Store) AddFile(relPath string, content []byte) (*model.HashMetadata, error) {
	hash := hashBytes(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	compressed := len(content) >= gzipThreshold
	hashFileName := hash
	if compressed {
		hashFileName += ".gz"
	}
	hashPath := filepath.Join(contentDir(s.taskDir), hashFileName)
	metaPath := filepath.Join(s.taskDir, hash+".json")

	if _, err := os.Stat(hashPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("hashstore: stat content: %w", err)
		}
		if err := s.writeContent(hashPath, content, compressed); err != nil {
			return nil, err
		}
	}

	meta := &model.HashMetadata{
		OriginalPath: relPath,
		Hash:         hash,
		Size:         int64(len(content)),
		Mtime:        time.Now().UnixMilli(),
		Compressed:   compressed,
		OriginalSize: int64(len(content)),
		StoredAt:     time.Now().UnixMilli(),
		TaskID:       s.taskID,
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("hashstore: marshal metadata: %w", err)
	}
	if err := atomicfile.AtomicWrite(metaPath, metaData); err != nil {
		return nil, err
	}

	s.index.Files[relPath] = model.HashEntry{
		Hash:         hash,
		HashPath:     hashPath,
		MetadataPath: metaPath,
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) writeContent(hashPath string, content []byte, compressed bool) error {
	if err := os.MkdirAll(filepath.Dir(hashPath), 0755); err != nil {
		return fmt.Errorf("hashstore: mkdir content dir: %w", err)
	}
	if !compressed {
		return atomicfile.AtomicWrite(hashPath, content)
	}
	gz, err := gzipBounded(content)
	if err != nil {
		return err
	}
	return atomicfile.AtomicWrite(hashPath, gz)
}

func hashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashFile computes the SHA-256 of the file at diskPath, streaming the
// read for files larger than 2 MiB rather than buffering the whole
// thing, per 4.E.
func HashFile(diskPath string) (string, error) {
	info, err := os.Stat(diskPath)
	if err != nil {
		return "", fmt.Errorf("hashstore: stat %s: %w", diskPath, err)
	}
	f, err := os.Open(diskPath)
	if err != nil {
		return "", fmt.Errorf("hashstore: open %s: %w", diskPath, err)
	}
	defer f.Close()

	if info.Size() <= streamHashCutoff {
		data, err := io.ReadAll(f)
		if err != nil {
			return "", fmt.Errorf("hashstore: read %s: %w", diskPath, err)
		}
		return hashBytes(data), nil
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashstore: stream-hash %s: %w", diskPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func gzipBounded(content []byte) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzipLevel)
		if err != nil {
			done <- result{err: err}
			return
		}
		if _, err := w.Write(content); err != nil {
			done <- result{err: err}
			return
		}
		if err := w.Close(); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{data: buf.Bytes()}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("hashstore: gzip: %w", r.err)
		}
		return r.data, nil
	case <-time.After(pipelineTimeout):
		return nil, fmt.Errorf("hashstore: gzip timed out after %s", pipelineTimeout)
	}
}

func gunzipBounded(content []byte) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, err := gzip.NewReader(bytes.NewReader(content))
		if err != nil {
			done <- result{err: err}
			return
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		done <- result{data: data, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("hashstore: gunzip: %w", r.err)
		}
		return r.data, nil
	case <-time.After(pipelineTimeout):
		return nil, fmt.Errorf("hashstore: gunzip timed out after %s", pipelineTimeout)
	}
}

// Has reports whether relPath is present in the index.
func (s *Store) Has(relPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index.Files[relPath]
	return ok
}

// GetHash returns the stored hash for relPath, if present.
func (s *Store) GetHash(relPath string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.index.Files[relPath]
	return entry.Hash, ok
}

// HasChanged recomputes the hash of content and compares it against the
// stored hash for relPath.
func (s *Store) HasChanged(relPath string, content []byte) (bool, error) {
	stored, ok := s.GetHash(relPath)
	if !ok {
		return true, nil
	}
	return hashBytes(content) != stored, nil
}

// Get loads the content and metadata previously stored for relPath.
func (s *Store) Get(relPath string) ([]byte, *model.HashMetadata, error) {
	s.mu.Lock()
	entry, ok := s.index.Files[relPath]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("hashstore: no entry for %s", relPath)
	}

	raw, err := os.ReadFile(entry.HashPath)
	if err != nil {
		return nil, nil, fmt.Errorf("hashstore: read content: %w", err)
	}
	metaData, err := os.ReadFile(entry.MetadataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("hashstore: read metadata: %w", err)
	}
	if err := jsonsafe.RejectDangerousKeys(metaData); err != nil {
		return nil, nil, err
	}
	var meta model.HashMetadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, nil, fmt.Errorf("hashstore: parse metadata: %w", err)
	}

	content := raw
	if meta.Compressed {
		content, err = gunzipBounded(raw)
		if err != nil {
			return nil, nil, err
		}
	}
	return content, &meta, nil
}

// Stats computes aggregate statistics across every entry in the index.
func (s *Store) Stats() (model.HashStats, error) {
	s.mu.Lock()
	entries := make([]model.HashEntry, 0, len(s.index.Files))
	for _, e := range s.index.Files {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	stats := model.HashStats{TotalFiles: len(entries)}
	uniqueHashes := make(map[string]bool)
	for _, e := range entries {
		uniqueHashes[e.Hash] = true
		metaData, err := os.ReadFile(e.MetadataPath)
		if err != nil {
			continue
		}
		if jsonsafe.RejectDangerousKeys(metaData) != nil {
			continue
		}
		var meta model.HashMetadata
		if err := json.Unmarshal(metaData, &meta); err != nil {
			continue
		}
		stats.TotalOriginalSize += meta.OriginalSize
		if info, err := os.Stat(e.HashPath); err == nil {
			stats.TotalCompressedSize += info.Size()
		}
	}
	if stats.TotalFiles > 0 {
		stats.DedupRatio = 1 - float64(len(uniqueHashes))/float64(stats.TotalFiles)
	}
	return stats, nil
}

// Cleanup removes this task's entire store directory.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.taskDir); err != nil {
		return fmt.Errorf("hashstore: cleanup: %w", err)
	}
	return nil
}

// GC walks <projectRoot>/.ralphy-hashes/* and removes any task directory
// whose index updatedAt is older than maxAge (default 24h).
func GC(projectRoot string, maxAge time.Duration) error {
	if maxAge == 0 {
		maxAge = defaultGCMaxAge
	}
	root := filepath.Join(projectRoot, ".ralphy-hashes")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("hashstore: gc readdir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		indexPath := filepath.Join(root, de.Name(), indexFileName)
		data, err := os.ReadFile(indexPath)
		if err != nil {
			continue
		}
		if jsonsafe.RejectDangerousKeys(data) != nil {
			continue
		}
		var idx model.TaskHashIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			continue
		}
		if idx.UpdatedAt < cutoff {
			_ = os.RemoveAll(filepath.Join(root, de.Name()))
		}
	}
	return nil
}

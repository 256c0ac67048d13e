// Package plancache implements the planning cache and repository
// fingerprinting (4.F): a gzip-persisted map from sanitized task key to
// a previously planned file list, invalidated whenever the repository's
// manifest fingerprint changes.
package plancache

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
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/harrison/ralphy/internal/atomicfile"
	"github.com/harrison/ralphy/internal/jsonsafe"
	"github.com/harrison/ralphy/internal/model"
)

// manifestFiles is the fixed set of package/lock manifests fingerprinted
// in every workDir, per 4.F.
var manifestFiles = []string{
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
	"go.mod",
	"requirements.txt",
	"pnpm-lock.yaml",
	"package-lock.json",
	"yarn.lock",
}

const (
	fingerprintTTL = 60 * time.Second
	cacheFileName  = "planning-cache.json.gz"
	legacyFileName = "planning-cache.json"
)

var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9._:-]`)

// sanitize produces the cache key for a task, per 4.F.
func sanitize(taskID, title string) string {
	raw := taskID + ":" + title
	return sanitizePattern.ReplaceAllString(raw, "_")
}

type fingerprintCacheEntry struct {
	fp        *model.RepoFingerprint
	computed  time.Time
}

// Cache is the process-wide planning cache for one workDir, constructed
// once and passed by reference.
type Cache struct {
	mu          sync.Mutex
	workDir     string
	entries     map[string]model.PlanningCacheEntry
	fpCache     map[string]fingerprintCacheEntry // keyed by workDir
	fileStateMu sync.Mutex
	fileStates  map[string]model.FileState // keyed by absolute manifest path
	legacyLoaded bool
}

// Open loads (or creates) the planning cache rooted at workDir.
func Open(workDir string) (*Cache, error) {
	c := &Cache{
		workDir:    workDir,
		entries:    make(map[string]model.PlanningCacheEntry),
		fpCache:    make(map[string]fingerprintCacheEntry),
		fileStates: make(map[string]model.FileState),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func cachePaths(workDir string) (gz, legacy string) {
	dir := filepath.Join(workDir, ".ralphy")
	return filepath.Join(dir, cacheFileName), filepath.Join(dir, legacyFileName)
}

func (c *Cache) load() error {
	gzPath, legacyPath := cachePaths(c.workDir)

	if data, err := os.ReadFile(gzPath); err == nil {
		plain, err := gunzip(data)
		if err != nil {
			return fmt.Errorf("plancache: gunzip cache: %w", err)
		}
		return c.loadFromJSON(plain)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("plancache: read cache: %w", err)
	}

	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("plancache: read legacy cache: %w", err)
	}
	if err := c.loadFromJSON(data); err != nil {
		return err
	}
	// Migrate: next save writes the gzip form and removes the legacy file.
	c.legacyLoaded = true
	return nil
}

func (c *Cache) loadFromJSON(data []byte) error {
	if err := jsonsafe.RejectDangerousKeys(data); err != nil {
		return err
	}
	var entries map[string]model.PlanningCacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("plancache: parse cache: %w", err)
	}
	c.entries = entries
	if c.entries == nil {
		c.entries = make(map[string]model.PlanningCacheEntry)
	}
	return nil
}

func (c *Cache) save() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("plancache: marshal cache: %w", err)
	}
	compressed, err := gzipBytes(data)
	if err != nil {
		return fmt.Errorf("plancache: gzip cache: %w", err)
	}
	gzPath, legacyPath := cachePaths(c.workDir)
	if err := atomicfile.AtomicWrite(gzPath, compressed); err != nil {
		return err
	}
	if c.legacyLoaded {
		_ = os.Remove(legacyPath)
		c.legacyLoaded = false
	}
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Fingerprint computes (or returns the 60s-memoized) repository
// fingerprint for the cache's workDir.
func (c *Cache) Fingerprint() (*model.RepoFingerprint, error) {
	c.mu.Lock()
	if cached, ok := c.fpCache[c.workDir]; ok && time.Since(cached.computed) < fingerprintTTL {
		c.mu.Unlock()
		return cached.fp, nil
	}
	c.mu.Unlock()

	fp, err := c.computeFingerprint()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.fpCache[c.workDir] = fingerprintCacheEntry{fp: fp, computed: time.Now()}
	c.mu.Unlock()
	return fp, nil
}

func (c *Cache) computeFingerprint() (*model.RepoFingerprint, error) {
	states := make(map[string]model.FileState)
	pairs := make([]string, 0, len(manifestFiles))

	for _, name := range manifestFiles {
		path := filepath.Join(c.workDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		state, err := c.stateFor(path, info)
		if err != nil {
			return nil, err
		}
		states[name] = state
		pairs = append(pairs, name+":"+state.Hash)
	}

	dirs, err := topLevelDirNames(c.workDir)
	if err != nil {
		return nil, err
	}
	pairs = append(pairs, dirs...)
	sort.Strings(pairs)

	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}

	return &model.RepoFingerprint{
		FileStates: states,
		DirHash:    hex.EncodeToString(h.Sum(nil)),
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// stateFor returns the memoized FileState for path if mtime/size are
// unchanged, otherwise re-hashes the content.
func (c *Cache) stateFor(path string, info os.FileInfo) (model.FileState, error) {
	mtime := info.ModTime().UnixMilli()
	size := info.Size()

	c.fileStateMu.Lock()
	prev, ok := c.fileStates[path]
	c.fileStateMu.Unlock()
	if ok && prev.Mtime == mtime && prev.Size == size {
		return prev, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return model.FileState{}, fmt.Errorf("plancache: read manifest %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	state := model.FileState{Mtime: mtime, Size: size, Hash: hex.EncodeToString(sum[:])}

	c.fileStateMu.Lock()
	c.fileStates[path] = state
	c.fileStateMu.Unlock()
	return state, nil
}

func topLevelDirNames(workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("plancache: read workDir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Get returns the cached planning entry for (taskID, title) if present
// and its fingerprint still matches the current repository state.
func (c *Cache) Get(taskID, title string) (*model.PlanningCacheEntry, bool, error) {
	key := sanitize(taskID, title)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	current, err := c.Fingerprint()
	if err != nil {
		return nil, false, err
	}
	if !current.Equal(entry.RepoFingerprint) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put stores files as the planned-file list for (taskID, title), keyed
// by the current repository fingerprint, and persists the cache.
func (c *Cache) Put(taskID, title string, files []string) error {
	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}
	key := sanitize(taskID, title)
	entry := model.PlanningCacheEntry{
		Files:           normalizeFiles(files),
		Timestamp:       time.Now().UnixMilli(),
		RepoFingerprint: fp,
	}

	c.mu.Lock()
	c.entries[key] = entry
	err = c.save()
	c.mu.Unlock()
	return err
}

func normalizeFiles(files []string) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = filepath.ToSlash(filepath.Clean(f))
	}
	return out
}

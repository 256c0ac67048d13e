// Package taskstate implements the durable per-task state machine (4.G):
// pending/running/completed/failed/deferred/skipped, keyed by
// (sourceType, sourcePath, id), persisted atomically to
// .ralphy/task-state.<ext>, where <ext> follows the source file's
// extension; the content is YAML for YAML sources and JSON otherwise.
package taskstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/ralphy/internal/atomicfile"
	"github.com/harrison/ralphy/internal/jsonsafe"
	"github.com/harrison/ralphy/internal/model"
)

const schemaVersion = 1

// Format identifies which on-disk encoding the state file uses. It
// always mirrors the task source file's extension.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "md"
)

// FormatFromSourcePath derives the state-file format from a task
// source file's extension.
func FormatFromSourcePath(sourcePath string) Format {
	switch strings.ToLower(filepath.Ext(sourcePath)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".csv":
		return FormatCSV
	case ".md", ".markdown":
		return FormatMarkdown
	default:
		return FormatJSON
	}
}

func stateFileName(format Format) string {
	ext := string(format)
	if format == FormatMarkdown {
		ext = "md"
	}
	return "task-state." + ext
}

// document is the versioned on-disk schema shared by every format.
type document struct {
	Version     int                              `json:"version" yaml:"version"`
	LastUpdated string                            `json:"lastUpdated" yaml:"lastUpdated"`
	Tasks       map[string]model.TaskStateEntry   `json:"tasks" yaml:"tasks"`
}

// Manager is the process-wide state-manager authority for one
// (sourceType, sourcePath), constructed once and passed by reference.
type Manager struct {
	mu         sync.Mutex
	workDir    string
	sourceType string
	sourcePath string
	statePath  string
	format     Format
	entries    map[string]model.TaskStateEntry
}

// Open loads (or creates, performing crash recovery) the state manager
// for the given source.
func Open(workDir, sourceType, sourcePath string) (*Manager, error) {
	format := FormatFromSourcePath(sourcePath)
	m := &Manager{
		workDir:    workDir,
		sourceType: sourceType,
		sourcePath: sourcePath,
		statePath:  filepath.Join(workDir, ".ralphy", stateFileName(format)),
		format:     format,
		entries:    make(map[string]model.TaskStateEntry),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	m.recoverCrashedRunning()
	return m, nil
}

// key builds the durable key "<sourceType>:<sourcePath>:<id>".
func (m *Manager) key(id string) string {
	return m.sourceType + ":" + m.sourcePath + ":" + id
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("taskstate: read state file: %w", err)
	}

	var doc document
	switch m.format {
	case FormatJSON, FormatCSV, FormatMarkdown:
		// CSV/MD task sources still persist their *state* as JSON;
		// only the task-source file itself varies in dialect (§6).
		if err := jsonsafe.RejectDangerousKeys(data); err != nil {
			return err
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("taskstate: parse state file: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("taskstate: parse state file: %w", err)
		}
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]model.TaskStateEntry)
	}
	m.entries = doc.Tasks
	return nil
}

func (m *Manager) persistLocked() error {
	doc := document{
		Version:     schemaVersion,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Tasks:       m.entries,
	}

	var data []byte
	var err error
	if m.format == FormatYAML {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("taskstate: marshal state file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		return fmt.Errorf("taskstate: mkdir: %w", err)
	}
	return atomicfile.AtomicWrite(m.statePath, data)
}

// recoverCrashedRunning downgrades any entry found in "running" to
// "pending" with attemptCount reset, per 4.G crash recovery.
func (m *Manager) recoverCrashedRunning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for key, entry := range m.entries {
		if entry.State == model.StateRunning {
			entry.State = model.StatePending
			entry.AttemptCount = 0
			m.entries[key] = entry
			changed = true
		}
	}
	if changed {
		_ = m.persistLocked()
	}
}

// Sync merges tasks from the external source with the stored set:
// unknown stored tasks are dropped, new source tasks enter as pending.
func (m *Manager) Sync(tasks []model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]model.TaskStateEntry, len(tasks))
	for _, t := range tasks {
		key := m.key(t.ID)
		if existing, ok := m.entries[key]; ok {
			next[key] = existing
			continue
		}
		next[key] = model.TaskStateEntry{
			ID:           t.ID,
			Title:        t.Title,
			State:        model.StatePending,
			ErrorHistory: []string{},
		}
	}
	m.entries = next
	return m.persistLocked()
}

// ClaimTaskForExecution is the only legitimate way to enter "running":
// it returns true iff the entry was pending, atomically transitioning
// it and persisting.
func (m *Manager) ClaimTaskForExecution(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(id)
	entry, ok := m.entries[key]
	if !ok || entry.State != model.StatePending {
		return false, nil
	}
	entry.State = model.StateRunning
	now := time.Now().UnixMilli()
	entry.LastAttemptTime = &now
	entry.AttemptCount++
	m.entries[key] = entry
	if err := m.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// TransitionState is unrestricted; it appends errMsg to errorHistory
// if supplied.
func (m *Manager) TransitionState(id string, state model.State, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(id)
	entry, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("taskstate: unknown task %q", id)
	}
	entry.State = state
	if errMsg != "" {
		entry.ErrorHistory = append(entry.ErrorHistory, errMsg)
	}
	m.entries[key] = entry
	return m.persistLocked()
}

// ResetTask returns a failed or skipped entry to pending with
// attemptCount reset.
func (m *Manager) ResetTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(id)
	entry, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("taskstate: unknown task %q", id)
	}
	entry.State = model.StatePending
	entry.AttemptCount = 0
	m.entries[key] = entry
	return m.persistLocked()
}

// Get returns a copy of the entry for id, if present.
func (m *Manager) Get(id string) (*model.TaskStateEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[m.key(id)]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// All returns a stable-ordered snapshot of every entry, keyed by id.
func (m *Manager) All() []model.TaskStateEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TaskStateEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

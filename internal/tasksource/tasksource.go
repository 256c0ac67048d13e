// Package tasksource implements the four external task-source formats
// from §6 — CSV, YAML, JSON, Markdown checklists — as parser/writer
// pairs. CSV, YAML and JSON round-trip on {id, title, completed,
// parallelGroup, body}; a Markdown checklist carries only title and
// completed, and its ids are line numbers.
package tasksource

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"

	"gopkg.in/yaml.v3"

	"github.com/harrison/ralphy/internal/model"
)

// SourceType names one of the four supported task-source dialects.
type SourceType string

const (
	SourceCSV      SourceType = "csv"
	SourceYAML     SourceType = "yaml"
	SourceJSON     SourceType = "json"
	SourceMarkdown SourceType = "markdown"
)

// DetectSourceType derives a SourceType from a file path's extension.
func DetectSourceType(path string) (SourceType, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return SourceCSV, nil
	case ".yaml", ".yml":
		return SourceYAML, nil
	case ".json":
		return SourceJSON, nil
	case ".md", ".markdown":
		return SourceMarkdown, nil
	default:
		return "", fmt.Errorf("tasksource: unrecognized extension for %q", path)
	}
}

// Parse dispatches to the parser matching sourceType.
func Parse(sourceType SourceType, data []byte) ([]model.Task, error) {
	switch sourceType {
	case SourceCSV:
		return ParseCSV(data)
	case SourceYAML:
		return ParseYAML(data)
	case SourceJSON:
		return ParseJSON(data)
	case SourceMarkdown:
		return ParseMarkdown(data)
	default:
		return nil, fmt.Errorf("tasksource: unknown source type %q", sourceType)
	}
}

// Write dispatches to the writer matching sourceType.
func Write(sourceType SourceType, tasks []model.Task) ([]byte, error) {
	switch sourceType {
	case SourceCSV:
		return WriteCSV(tasks)
	case SourceYAML:
		return WriteYAML(tasks)
	case SourceJSON:
		return WriteJSON(tasks)
	case SourceMarkdown:
		return WriteMarkdown(tasks)
	default:
		return nil, fmt.Errorf("tasksource: unknown source type %q", sourceType)
	}
}

// discoverExtensions are the extensions DetectSourceType recognizes;
// Discover walks a directory looking only for these.
var discoverExtensions = map[string]bool{
	".csv": true, ".yaml": true, ".yml": true, ".json": true, ".md": true, ".markdown": true,
}

// Discover walks dir for files with a recognized task-source extension,
// descending into subdirectories only when recursive is set. Hidden
// directories (dotfiles) are skipped; matches are returned as absolute
// paths sorted lexicographically for deterministic ordering.
func Discover(dir string, recursive bool) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("tasksource: discover: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tasksource: discover: %s is not a directory", dir)
	}

	var matches []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if d.IsDir() {
			if !recursive || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !discoverExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("tasksource: discover: resolve %s: %w", path, err)
		}
		matches = append(matches, abs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tasksource: discover: %w", err)
	}

	sort.Strings(matches)
	return matches, nil
}

// --- CSV ---
//
// header: id,title,done,group,desc. done is 0/1/true/false
// case-insensitively. Missing fields default to empty/0.

var csvHeader = []string{"id", "title", "done", "group", "desc"}

func ParseCSV(data []byte) ([]model.Task, error) {
	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("tasksource: parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	// Skip the header row.
	records = records[1:]

	tasks := make([]model.Task, 0, len(records))
	for _, rec := range records {
		get := func(i int) string {
			if i < len(rec) {
				return rec[i]
			}
			return ""
		}
		task := model.Task{
			ID:        get(0),
			Title:     get(1),
			Completed: parseCSVBool(get(2)),
			Body:      get(4),
		}
		if groupStr := get(3); groupStr != "" {
			if g, err := strconv.Atoi(groupStr); err == nil {
				task.ParallelGroup = &g
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func parseCSVBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true":
		return true
	default:
		return false
	}
}

func WriteCSV(tasks []model.Task) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("tasksource: write csv header: %w", err)
	}
	for _, t := range tasks {
		group := ""
		if t.ParallelGroup != nil {
			group = strconv.Itoa(*t.ParallelGroup)
		}
		done := "0"
		if t.Completed {
			done = "1"
		}
		rec := []string{t.ID, t.Title, done, group, t.Body}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("tasksource: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("tasksource: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// --- YAML ---
//
// top-level {tasks: [{title, completed?, parallel_group?, description?}]}.
// id is the 1-based index if absent.

type yamlTask struct {
	ID            string `yaml:"id,omitempty"`
	Title         string `yaml:"title"`
	Completed     bool   `yaml:"completed,omitempty"`
	ParallelGroup *int   `yaml:"parallel_group,omitempty"`
	Description   string `yaml:"description,omitempty"`
}

type yamlDocument struct {
	Tasks []yamlTask `yaml:"tasks"`
}

func ParseYAML(data []byte) ([]model.Task, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tasksource: parse yaml: %w", err)
	}
	tasks := make([]model.Task, 0, len(doc.Tasks))
	for i, yt := range doc.Tasks {
		id := yt.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		tasks = append(tasks, model.Task{
			ID:            id,
			Title:         yt.Title,
			Body:          yt.Description,
			ParallelGroup: yt.ParallelGroup,
			Completed:     yt.Completed,
		})
	}
	return tasks, nil
}

func WriteYAML(tasks []model.Task) ([]byte, error) {
	doc := yamlDocument{Tasks: make([]yamlTask, 0, len(tasks))}
	for _, t := range tasks {
		doc.Tasks = append(doc.Tasks, yamlTask{
			ID:            t.ID,
			Title:         t.Title,
			Completed:     t.Completed,
			ParallelGroup: t.ParallelGroup,
			Description:   t.Body,
		})
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("tasksource: write yaml: %w", err)
	}
	return data, nil
}

// --- JSON ---
//
// either an array of task objects or {tasks: [...]}; accepts
// parallel_group or parallelGroup, description or body.

type jsonTask struct {
	ID            string `json:"id,omitempty"`
	Title         string `json:"title"`
	Completed     bool   `json:"completed,omitempty"`
	ParallelGroup *int   `json:"parallelGroup,omitempty"`
	ParallelGroup2 *int  `json:"parallel_group,omitempty"`
	Description   string `json:"description,omitempty"`
	Body          string `json:"body,omitempty"`
}

func ParseJSON(data []byte) ([]model.Task, error) {
	var raw []jsonTask
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapped struct {
			Tasks []jsonTask `json:"tasks"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("tasksource: parse json: %w", err)
		}
		raw = wrapped.Tasks
	}

	tasks := make([]model.Task, 0, len(raw))
	for i, jt := range raw {
		id := jt.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		group := jt.ParallelGroup
		if group == nil {
			group = jt.ParallelGroup2
		}
		body := jt.Body
		if body == "" {
			body = jt.Description
		}
		tasks = append(tasks, model.Task{
			ID:            id,
			Title:         jt.Title,
			Body:          body,
			ParallelGroup: group,
			Completed:     jt.Completed,
		})
	}
	return tasks, nil
}

func WriteJSON(tasks []model.Task) ([]byte, error) {
	out := struct {
		Tasks []jsonTask `json:"tasks"`
	}{Tasks: make([]jsonTask, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, jsonTask{
			ID:            t.ID,
			Title:         t.Title,
			Completed:     t.Completed,
			ParallelGroup: t.ParallelGroup,
			Description:   t.Body,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("tasksource: write json: %w", err)
	}
	return data, nil
}

// --- Markdown ---
//
// lines matching ^- \[ \] (.+)$ (pending) or ^- \[x\] (.+)$
// (case-insensitive, complete). Line number is the id.

var (
	mdPendingLine  = regexp.MustCompile(`^- \[ \] (.+)$`)
	mdCompleteLine = regexp.MustCompile(`(?i)^- \[x\] (.+)$`)
)

// mdStructureCheck runs the document through goldmark to confirm it at
// least parses as well-formed markdown before the line-oriented
// checkbox scan runs; goldmark's AST is not otherwise consulted, since
// the spec's checkbox grammar is defined by exact line patterns rather
// than CommonMark list semantics.
func mdStructureCheck(data []byte) error {
	var buf bytes.Buffer
	if err := goldmark.New().Convert(data, &buf); err != nil {
		return fmt.Errorf("tasksource: markdown is not well-formed: %w", err)
	}
	return nil
}

func ParseMarkdown(data []byte) ([]model.Task, error) {
	if err := mdStructureCheck(data); err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	tasks := make([]model.Task, 0, len(lines))
	for i, line := range lines {
		id := strconv.Itoa(i + 1)
		if m := mdCompleteLine.FindStringSubmatch(line); m != nil {
			tasks = append(tasks, model.Task{ID: id, Title: m[1], Completed: true})
			continue
		}
		if m := mdPendingLine.FindStringSubmatch(line); m != nil {
			tasks = append(tasks, model.Task{ID: id, Title: m[1], Completed: false})
		}
	}
	return tasks, nil
}

func WriteMarkdown(tasks []model.Task) ([]byte, error) {
	var sb strings.Builder
	for _, t := range tasks {
		box := " "
		if t.Completed {
			box = "x"
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", box, t.Title)
	}
	return []byte(sb.String()), nil
}

// MarkComplete flips the checkbox on the line-th (1-based) checklist
// item of a markdown document to complete, per scenario S2.
func MarkComplete(data []byte, lineID string) ([]byte, error) {
	n, err := strconv.Atoi(lineID)
	if err != nil {
		return nil, fmt.Errorf("tasksource: invalid markdown line id %q: %w", lineID, err)
	}
	lines := strings.Split(string(data), "\n")
	if n < 1 || n > len(lines) {
		return nil, fmt.Errorf("tasksource: line id %d out of range", n)
	}
	idx := n - 1
	if m := mdPendingLine.FindStringSubmatch(lines[idx]); m != nil {
		lines[idx] = "- [x] " + m[1]
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// CountRemaining and CountCompleted support scenario S2's assertions.
func CountRemaining(tasks []model.Task) int {
	n := 0
	for _, t := range tasks {
		if !t.Completed {
			n++
		}
	}
	return n
}

func CountCompleted(tasks []model.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Completed {
			n++
		}
	}
	return n
}

// Package planner implements the planner & engine adapter (4.J): it
// builds a planning prompt for one task, drives the engine subprocess
// (streaming if the engine emits line-delimited JSON, batch otherwise),
// and parses the structured <ANALYSIS>/<PLAN>/<FILES>/<OPTIMIZATION>
// response. The adapter never writes files; it only returns the files a
// caller should lock and prefetch.
package planner

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/ralphy/internal/errs"
	"github.com/harrison/ralphy/internal/events"
	"github.com/harrison/ralphy/internal/model"
	"github.com/harrison/ralphy/internal/runner"
)

// DefaultMaxReplans is the re-plan budget from 4.J.
const DefaultMaxReplans = 3

// ProgressEvent is one of the callback events 4.J describes:
// {started, thinking, analyzing, planning, completed, failed}, with an
// optional reward parsed from "reward: <float>" patterns seen in
// streaming output.
type ProgressEvent struct {
	Stage  string
	Reward *float64
	Detail string
}

// Result is the planner's output for one task.
type Result struct {
	Analysis     string
	Plan         []string
	Files        []string
	Optimization string
	Error        string
}

// Engine abstracts the external CLI the planner drives. A real
// implementation wraps internal/runner; tests can substitute a fake.
// The prompt is delivered over stdin, never as a command-line argument:
// runner's argument validator (4.B) allow-lists a narrow filename-safe
// charset that free-form prompt text would never pass, so Args carries
// only CLI flags (e.g. "--output-format json") and the prompt rides
// stdin, exactly the split 4.B's exec/execStreaming signatures describe.
type Engine struct {
	Registry    *runner.Registry
	CommandName string
	Args        []string
	Streaming   bool
}

// Config tunes the planner's retry/re-plan policy.
type Config struct {
	MaxReplans int
	WorkDir    string
}

func (c Config) withDefaults() Config {
	if c.MaxReplans == 0 {
		c.MaxReplans = DefaultMaxReplans
	}
	return c
}

// BuildPrompt composes the planning prompt requesting the four
// delimited sections 4.J specifies.
func BuildPrompt(task model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Title)
	if task.Body != "" {
		fmt.Fprintf(&b, "%s\n", task.Body)
	}
	b.WriteString("\nRespond with exactly four sections, each wrapped in its own tags:\n")
	b.WriteString("<ANALYSIS>...</ANALYSIS>\n<PLAN>...</PLAN>\n<FILES>...</FILES>\n<OPTIMIZATION>...</OPTIMIZATION>\n")
	b.WriteString("ANALYSIS explains the approach. PLAN is a numbered list of steps. ")
	b.WriteString("FILES lists one relative path per line, no commentary. ")
	b.WriteString("OPTIMIZATION notes any follow-up efficiency considerations.\n")
	return b.String()
}

// Plan drives the engine for task, re-planning on malformed output up to
// cfg.MaxReplans times, and reports progress through onProgress if
// non-nil.
func Plan(ctx context.Context, eng Engine, task model.Task, cfg Config, onProgress func(ProgressEvent)) (*Result, error) {
	cfg = cfg.withDefaults()
	correlationID := uuid.NewString()
	emit(onProgress, ProgressEvent{Stage: "started", Detail: correlationID})

	prompt := BuildPrompt(task)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxReplans; attempt++ {
		emit(onProgress, ProgressEvent{Stage: "thinking"})

		output, err := invoke(ctx, eng, prompt, cfg.WorkDir, onProgress)
		if err != nil {
			classified := errs.Normalize(err)
			if errs.IsConnectionError(classified) && attempt < cfg.MaxReplans {
				emit(onProgress, ProgressEvent{Stage: "failed", Detail: err.Error()})
				if werr := connectionBackoff(ctx, attempt); werr != nil {
					return nil, werr
				}
				lastErr = err
				continue
			}
			emit(onProgress, ProgressEvent{Stage: "failed", Detail: err.Error()})
			return nil, err
		}

		if looksLikeRawToolUse(output) {
			lastErr = fmt.Errorf("planner: engine short-circuited into tool_use instead of a plan")
			emit(onProgress, ProgressEvent{Stage: "analyzing", Detail: "malformed output, re-planning"})
			continue
		}

		emit(onProgress, ProgressEvent{Stage: "planning"})
		result := Parse(output)
		emit(onProgress, ProgressEvent{Stage: "completed"})
		return result, nil
	}

	emit(onProgress, ProgressEvent{Stage: "failed", Detail: "replan budget exhausted"})
	return &Result{Files: []string{}, Error: fmt.Sprintf("Planning failed: %s", describeFailure(lastErr))}, nil
}

func describeFailure(err error) string {
	if err == nil {
		return "engine kept returning a raw tool_use response instead of a plan"
	}
	return err.Error()
}

// connectionBackoffDelays are the fixed backoff steps 4.J specifies for
// connection-pattern failures during re-plan, capped at 10s.
var connectionBackoffDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

func connectionBackoff(ctx context.Context, attempt int) error {
	delay := 10 * time.Second
	if attempt < len(connectionBackoffDelays) {
		delay = connectionBackoffDelays[attempt]
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func invoke(ctx context.Context, eng Engine, prompt, workDir string, onProgress func(ProgressEvent)) (string, error) {
	if !eng.Streaming {
		res, err := runner.Exec(ctx, eng.Registry, eng.CommandName, eng.Args, workDir, nil, prompt)
		if err != nil {
			return "", err
		}
		if res.ExitCode != 0 {
			return "", errs.New(errs.CodeProcess, fmt.Sprintf("%s exited %d: %s", eng.CommandName, res.ExitCode, res.Stderr))
		}
		return res.Stdout, nil
	}

	var out strings.Builder
	_, err := runner.ExecStreaming(ctx, eng.Registry, eng.CommandName, eng.Args, workDir, nil, prompt, func(line string) {
		out.WriteString(line)
		out.WriteString("\n")
		if ev, ok := events.ParseLine(line); ok {
			if reward, ok := rewardFrom(line); ok {
				emit(onProgress, ProgressEvent{Stage: "thinking", Reward: &reward})
			}
			_ = ev
		} else if reward, ok := rewardFrom(line); ok {
			emit(onProgress, ProgressEvent{Stage: "thinking", Reward: &reward})
		}
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

var rewardPattern = regexp.MustCompile(`reward:\s*(-?[0-9]+(?:\.[0-9]+)?)`)

func rewardFrom(line string) (float64, bool) {
	m := rewardPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func emit(onProgress func(ProgressEvent), ev ProgressEvent) {
	if onProgress != nil {
		onProgress(ev)
	}
}

// looksLikeRawToolUse reports whether output begins with a raw tool_use
// JSON object, which 4.J treats as a malformed plan response (the
// engine short-circuited straight into a tool call instead of producing
// an analysis/plan).
func looksLikeRawToolUse(output string) bool {
	trimmed := strings.TrimSpace(output)
	obj, _, ok := events.ExtractJSON(trimmed)
	if !ok {
		return false
	}
	return strings.Contains(obj, `"type"`) && strings.Contains(obj, `"tool_use"`) && !strings.Contains(trimmed, "<PLAN>")
}

var (
	tagRe = map[string]*regexp.Regexp{
		"ANALYSIS":    regexp.MustCompile(`(?s)<ANALYSIS>(.*?)</ANALYSIS>`),
		"PLAN":        regexp.MustCompile(`(?s)<PLAN>(.*?)</PLAN>`),
		"FILES":       regexp.MustCompile(`(?s)<FILES>(.*?)</FILES>`),
		"OPTIMIZATION": regexp.MustCompile(`(?s)<OPTIMIZATION>(.*?)</OPTIMIZATION>`),
	}
	bulletPrefix  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
	backtickTrim  = regexp.MustCompile("`+")
)

// Parse extracts the four delimited sections from an engine response.
func Parse(output string) *Result {
	r := &Result{}
	if m := tagRe["ANALYSIS"].FindStringSubmatch(output); m != nil {
		r.Analysis = strings.TrimSpace(m[1])
	}
	if m := tagRe["PLAN"].FindStringSubmatch(output); m != nil {
		r.Plan = parsePlanSteps(m[1])
	}
	if m := tagRe["FILES"].FindStringSubmatch(output); m != nil {
		r.Files = parseFileList(m[1])
	}
	if m := tagRe["OPTIMIZATION"].FindStringSubmatch(output); m != nil {
		r.Optimization = strings.TrimSpace(m[1])
	}
	return r
}

// parsePlanSteps extracts numbered or bulleted lines into an ordered
// sequence of step descriptions, stripping the leading marker.
func parsePlanSteps(section string) []string {
	var steps []string
	scanner := bufio.NewScanner(strings.NewReader(section))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = bulletPrefix.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}

// parseFileList extracts, cleans, normalizes and deduplicates the FILES
// section's lines per 4.J: strip bullets/numbering/backticks/"./",
// normalize path separators, drop empty/comment lines, preserve order.
func parseFileList(section string) []string {
	var files []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(section))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		line = bulletPrefix.ReplaceAllString(line, "")
		line = backtickTrim.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "./")
		line = strings.ReplaceAll(line, "\\", "/")
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		files = append(files, line)
	}
	return files
}

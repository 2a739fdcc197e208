// Package graph parses and validates a task-graph file (YAML or JSON,
// chosen by extension) and materializes it into the durable store as one
// session plus its tasks and dependency edges.
//
// Duplicate-id rejection is free (Tasks is keyed by task key), dangling
// depends_on targets are rejected, and the dependency graph is required to
// be acyclic, checked via a Kahn's-algorithm wave computation.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
)

// AllowedTaskTypes is the closed set of permitted task type tags.
var AllowedTaskTypes = map[string]struct{}{
	"coding": {}, "testing": {}, "docs": {}, "debugging": {}, "refactoring": {},
}

var allowedVersions = map[string]struct{}{"1": {}, "1.0": {}}

// TaskDef is one task entry from the graph file.
type TaskDef struct {
	Key         string
	Name        string
	Prompt      string
	Type        string
	Description string
	DependsOn   []string
	BudgetUSD   *float64
	Agent       string
	Model       string
}

// SessionDef is the graph file's session block.
type SessionDef struct {
	Name      string
	BudgetUSD *float64
}

// Document is one parsed and validated graph file.
type Document struct {
	Version string
	Session SessionDef
	Tasks   map[string]TaskDef
}

type rawTask struct {
	Name        string   `yaml:"name" json:"name"`
	Prompt      string   `yaml:"prompt" json:"prompt"`
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description" json:"description"`
	DependsOn   []string `yaml:"depends_on" json:"depends_on"`
	BudgetUSD   *float64 `yaml:"budget_usd" json:"budget_usd"`
	Agent       string   `yaml:"agent" json:"agent"`
	Model       string   `yaml:"model" json:"model"`
}

type rawDocument struct {
	Version string `yaml:"version" json:"version"`
	Session struct {
		Name      string   `yaml:"name" json:"name"`
		BudgetUSD *float64 `yaml:"budget_usd" json:"budget_usd"`
	} `yaml:"session" json:"session"`
	Tasks map[string]rawTask `yaml:"tasks" json:"tasks"`
}

// Load reads and validates a graph file, choosing YAML or JSON decoding by
// the file's extension.
func Load(path string) (*Document, error) {
	const op = "graph.Load"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeParse, op, err)
	}

	var raw rawDocument
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeParse, op, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeParse, op, err)
		}
	default:
		return nil, substraterr.New(substraterr.CodeParse, op, "unsupported graph file extension: "+ext)
	}

	doc := fromRaw(raw)
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromRaw(raw rawDocument) *Document {
	doc := &Document{
		Version: raw.Version,
		Session: SessionDef{Name: raw.Session.Name, BudgetUSD: raw.Session.BudgetUSD},
		Tasks:   make(map[string]TaskDef, len(raw.Tasks)),
	}
	for key, t := range raw.Tasks {
		doc.Tasks[key] = TaskDef{
			Key: key, Name: t.Name, Prompt: t.Prompt, Type: t.Type, Description: t.Description,
			DependsOn: t.DependsOn, BudgetUSD: t.BudgetUSD, Agent: t.Agent, Model: t.Model,
		}
	}
	return doc
}

// Validate runs every structural check required: version acceptance,
// non-empty task set, session name present, required per-task fields, task
// type membership, dangling depends_on targets, and acyclicity.
func (d *Document) Validate() error {
	const op = "graph.Validate"

	if _, ok := allowedVersions[d.Version]; !ok {
		return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("unsupported graph version %q", d.Version))
	}
	if strings.TrimSpace(d.Session.Name) == "" {
		return substraterr.New(substraterr.CodeValidation, op, "session.name is required")
	}
	if d.Session.BudgetUSD != nil && *d.Session.BudgetUSD <= 0 {
		return substraterr.New(substraterr.CodeValidation, op, "session.budget_usd must be positive")
	}
	if len(d.Tasks) == 0 {
		return substraterr.New(substraterr.CodeValidation, op, "graph has no tasks")
	}

	for key, t := range d.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("task %s: name is required", key))
		}
		if strings.TrimSpace(t.Prompt) == "" {
			return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("task %s: prompt is required", key))
		}
		if _, ok := AllowedTaskTypes[t.Type]; !ok {
			return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("task %s: unknown type %q", key, t.Type))
		}
		if t.BudgetUSD != nil && *t.BudgetUSD <= 0 {
			return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("task %s: budget_usd must be positive", key))
		}
		for _, dep := range t.DependsOn {
			if _, exists := d.Tasks[dep]; !exists {
				return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("task %s depends on nonexistent task %s", key, dep))
			}
		}
	}

	if _, err := TopoWaves(d); err != nil {
		return err
	}
	return nil
}

// TopoWaves groups every task key into dependency waves via Kahn's
// algorithm: wave 0 has no dependencies, wave N depends only on tasks in
// waves < N. Returns substraterr.CodeValidation if the graph contains a
// cycle. Waves are returned with keys sorted within each wave for
// deterministic output.
func TopoWaves(d *Document) ([][]string, error) {
	const op = "graph.TopoWaves"

	remaining := make(map[string][]string, len(d.Tasks))
	for key, t := range d.Tasks {
		remaining[key] = append([]string(nil), t.DependsOn...)
	}

	var waves [][]string
	for len(remaining) > 0 {
		var wave []string
		for key, deps := range remaining {
			if len(deps) == 0 {
				wave = append(wave, key)
			}
		}
		if len(wave) == 0 {
			return nil, substraterr.New(substraterr.CodeValidation, op, "task graph contains a cycle")
		}
		sort.Strings(wave)
		waves = append(waves, wave)

		done := make(map[string]struct{}, len(wave))
		for _, key := range wave {
			done[key] = struct{}{}
			delete(remaining, key)
		}
		for key, deps := range remaining {
			filtered := deps[:0]
			for _, dep := range deps {
				if _, gone := done[dep]; !gone {
					filtered = append(filtered, dep)
				}
			}
			remaining[key] = filtered
		}
	}
	return waves, nil
}

// Materialize persists doc as a new session with one task row per graph
// entry and one dependency edge per depends_on reference, returning the
// created session. defaultRetryCeiling is applied to every task since the
// graph file format carries no per-task retry field.
func Materialize(ctx context.Context, s *store.Store, doc *Document, sourcePath, baseBranch string, defaultRetryCeiling int) (*store.Session, error) {
	const op = "graph.Materialize"

	sess, err := s.CreateSession(ctx, &store.Session{
		Name: doc.Session.Name, GraphSourcePath: sourcePath,
		Status: store.SessionStatusActive, BudgetUSD: doc.Session.BudgetUSD, BaseBranch: baseBranch,
	})
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}

	keyToID := make(map[string]string, len(doc.Tasks))
	for key, t := range doc.Tasks {
		created, err := s.CreateTask(ctx, &store.Task{
			SessionID: sess.ID, Name: t.Name, Prompt: t.Prompt, TaskType: t.Type,
			AdapterID: t.Agent, ModelHint: t.Model, BudgetUSD: t.BudgetUSD, RetryCeiling: defaultRetryCeiling,
		})
		if err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		keyToID[key] = created.ID
	}

	for key, t := range doc.Tasks {
		for _, dep := range t.DependsOn {
			dependency := store.TaskDependency{TaskID: keyToID[key], DependsOnID: keyToID[dep], SessionID: sess.ID}
			if err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
				return store.CreateTaskDependencyTx(tx, dependency)
			}); err != nil {
				return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
			}
		}
	}

	return sess, nil
}

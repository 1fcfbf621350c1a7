package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"a2a-coordinator/internal/domain"
)

// definitionFile is the on-disk YAML form. input_schema is written as a YAML
// mapping and converted to JSON for the validator.
type definitionFile struct {
	domain.WorkflowDefinition `yaml:",inline"`
	InputSchema               map[string]any `yaml:"input_schema,omitempty"`
}

type catalogEntry struct {
	def    domain.WorkflowDefinition
	schema *jsonschema.Schema
}

// Catalog holds the known workflow definitions.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
	logger  *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Catalog{entries: make(map[string]catalogEntry), logger: logger}
}

// Register validates def, compiles its input schema and adds or replaces it.
func (c *Catalog) Register(def domain.WorkflowDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	entry := catalogEntry{def: cloneDefinition(def)}
	if len(def.InputSchema) > 0 && string(def.InputSchema) != "null" {
		schema, err := jsonschema.NewCompiler().Compile([]byte(def.InputSchema))
		if err != nil {
			return domain.NewSubSystemError("workflow", "Catalog.Register", domain.ErrInvalidInput,
				fmt.Sprintf("workflow %q: input_schema: %v", def.ID, err))
		}
		entry.schema = schema
	}
	c.mu.Lock()
	c.entries[def.ID] = entry
	c.mu.Unlock()
	return nil
}

// Get returns a definition by ID.
func (c *Catalog) Get(id string) (domain.WorkflowDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return domain.WorkflowDefinition{}, domain.NewSubSystemError("workflow", "Catalog.Get", domain.ErrWorkflowNotFound, id)
	}
	return cloneDefinition(e.def), nil
}

// List returns all definitions sorted by ID.
func (c *Catalog) List() []domain.WorkflowDefinition {
	c.mu.RLock()
	out := make([]domain.WorkflowDefinition, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, cloneDefinition(e.def))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateTrigger checks trigger data against the workflow's input schema.
// Workflows without a schema accept any data.
func (c *Catalog) ValidateTrigger(id string, data json.RawMessage) error {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return domain.NewSubSystemError("workflow", "Catalog.ValidateTrigger", domain.ErrWorkflowNotFound, id)
	}
	if e.schema == nil {
		return nil
	}
	var v any = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return domain.NewSubSystemError("workflow", "Catalog.ValidateTrigger", domain.ErrTriggerInvalid, err.Error())
		}
	}
	if result := e.schema.Validate(v); !result.IsValid() {
		return domain.NewSubSystemError("workflow", "Catalog.ValidateTrigger", domain.ErrTriggerInvalid, result.Error())
	}
	return nil
}

// LoadDir reads every .yaml/.yml file in dir. Invalid files are logged and
// skipped. A missing directory is not an error.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read workflow dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := parseDefinitionFile(path)
		if err == nil {
			err = c.Register(def)
		}
		if err != nil {
			c.logger.Warn("skipping invalid workflow", "path", path, "error", err)
			continue
		}
		loaded++
	}
	c.logger.Info("workflows loaded", "dir", dir, "count", loaded)
	return loaded, nil
}

// LoadStore registers every definition in the workflows table.
func (c *Catalog) LoadStore(ctx context.Context, store domain.Store) (int, error) {
	if store == nil {
		return 0, nil
	}
	recs, err := store.Query(ctx, domain.TableWorkflows, nil)
	if err != nil {
		return 0, domain.WrapOp("Catalog.LoadStore", err)
	}
	loaded := 0
	for _, rec := range recs {
		var def domain.WorkflowDefinition
		if err := rec.Decode(&def); err != nil {
			c.logger.Warn("skipping undecodable workflow record", "id", rec.ID, "error", err)
			continue
		}
		if def.ID == "" {
			def.ID = rec.ID
		}
		if err := c.Register(def); err != nil {
			c.logger.Warn("skipping invalid workflow record", "id", rec.ID, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func parseDefinitionFile(path string) (domain.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("parse yaml: %w", err)
	}
	def := f.WorkflowDefinition
	if len(f.InputSchema) > 0 {
		raw, err := json.Marshal(f.InputSchema)
		if err != nil {
			return domain.WorkflowDefinition{}, fmt.Errorf("input_schema: %w", err)
		}
		def.InputSchema = raw
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

func validateDefinition(def domain.WorkflowDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return domain.NewSubSystemError("workflow", "Catalog.Register", domain.ErrInvalidInput, "workflow id is required")
	}
	ids := make(map[string]bool, len(def.Tasks))
	for i, t := range def.Tasks {
		if t.ID == "" {
			return domain.NewSubSystemError("workflow", "Catalog.Register", domain.ErrInvalidInput,
				fmt.Sprintf("workflow %q: task %d has no id", def.ID, i))
		}
		if ids[t.ID] {
			return domain.NewSubSystemError("workflow", "Catalog.Register", domain.ErrInvalidInput,
				fmt.Sprintf("workflow %q: duplicate task id %q", def.ID, t.ID))
		}
		ids[t.ID] = true
	}
	for _, t := range def.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return domain.NewSubSystemError("workflow", "Catalog.Register", domain.ErrInvalidInput,
					fmt.Sprintf("workflow %q: task %q depends on unknown task %q", def.ID, t.ID, dep))
			}
		}
	}
	return nil
}

func cloneDefinition(d domain.WorkflowDefinition) domain.WorkflowDefinition {
	out := d
	out.Tasks = make([]domain.WorkflowTask, len(d.Tasks))
	for i, t := range d.Tasks {
		t.Capabilities = append([]string(nil), t.Capabilities...)
		t.Dependencies = append([]string(nil), t.Dependencies...)
		out.Tasks[i] = t
	}
	out.AssociatedAgents = append([]string(nil), d.AssociatedAgents...)
	out.InputSchema = append(json.RawMessage(nil), d.InputSchema...)
	return out
}

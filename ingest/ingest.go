// Package ingest reads task configuration files. Parsing and diffing
// are pure: nothing here touches queue state, so a validation failure
// leaves the caller exactly where it was.
package ingest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/whisper-darkly/taskflow/task"
)

// Spec is one validated task record from a configuration file.
type Spec struct {
	Name    string
	Command string
	Note    string
	Status  task.Status // pending or skipped
	Env     map[string]string
	Line    int // 1-based line of the entry in the source document
}

// Parse decodes a configuration document into task specs. The top
// level must be a sequence and every entry needs non-empty name and
// command strings. Any structural problem aborts the whole parse with
// a line-qualified error.
func Parse(data []byte) ([]Spec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("config is empty: top level must be a task list")
	}
	seq := root.Content[0]
	if seq.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: top level must be a task list", seq.Line)
	}

	specs := make([]Spec, 0, len(seq.Content))
	for _, item := range seq.Content {
		spec, err := parseEntry(item)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseFile is Parse over the contents of path.
func ParseFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func parseEntry(item *yaml.Node) (Spec, error) {
	if item.Kind != yaml.MappingNode {
		return Spec{}, fmt.Errorf("line %d: task entry must be a mapping", item.Line)
	}
	spec := Spec{Status: task.StatusPending, Line: item.Line}
	for i := 0; i+1 < len(item.Content); i += 2 {
		key, val := item.Content[i], item.Content[i+1]
		switch key.Value {
		case "name":
			if val.Kind != yaml.ScalarNode {
				return Spec{}, fmt.Errorf("line %d: name must be a string", val.Line)
			}
			spec.Name = val.Value
		case "command":
			if val.Kind != yaml.ScalarNode {
				return Spec{}, fmt.Errorf("line %d: command must be a string", val.Line)
			}
			spec.Command = val.Value
		case "note":
			if val.Kind != yaml.ScalarNode {
				return Spec{}, fmt.Errorf("line %d: note must be a string", val.Line)
			}
			spec.Note = val.Value
		case "status":
			if val.Kind != yaml.ScalarNode {
				return Spec{}, fmt.Errorf("line %d: status must be a string", val.Line)
			}
			// Unknown values normalise to pending for compatibility
			// with existing configs.
			if val.Value == string(task.StatusSkipped) {
				spec.Status = task.StatusSkipped
			}
		case "env":
			env, err := parseEnv(val)
			if err != nil {
				return Spec{}, err
			}
			spec.Env = env
		}
	}
	if strings.TrimSpace(spec.Name) == "" {
		return Spec{}, fmt.Errorf("line %d: task entry is missing a name", item.Line)
	}
	if strings.TrimSpace(spec.Command) == "" {
		return Spec{}, fmt.Errorf("line %d: task %q is missing a command", item.Line, spec.Name)
	}
	return spec, nil
}

func parseEnv(val *yaml.Node) (map[string]string, error) {
	if val.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: env must be a mapping of string to string", val.Line)
	}
	env := make(map[string]string, len(val.Content)/2)
	for i := 0; i+1 < len(val.Content); i += 2 {
		k, v := val.Content[i], val.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: env value for %q must be a string", v.Line, k.Value)
		}
		env[k.Value] = v.Value
	}
	return env, nil
}

// Candidate is one config entry classified against a queue's existing
// names.
type Candidate struct {
	Spec   Spec
	Valid  bool
	Reason string
}

// Diff classifies parsed specs against the names a queue already owns
// (live tasks plus history). Skipped specs, already-known names, and
// in-batch duplicates come back invalid with a display-ready reason;
// the caller inserts only the valid ones.
func Diff(specs []Spec, taken func(name string) bool) []Candidate {
	seen := make(map[string]bool, len(specs))
	out := make([]Candidate, 0, len(specs))
	for _, s := range specs {
		c := Candidate{Spec: s, Valid: true}
		switch {
		case s.Status == task.StatusSkipped:
			c.Valid = false
			c.Reason = "marked skipped in config"
		case taken(s.Name):
			c.Valid = false
			c.Reason = fmt.Sprintf("task name %q already exists", s.Name)
		case seen[s.Name]:
			c.Valid = false
			c.Reason = fmt.Sprintf("duplicate name %q in config", s.Name)
		}
		seen[s.Name] = true
		out = append(out, c)
	}
	return out
}

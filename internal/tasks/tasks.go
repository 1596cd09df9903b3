// Package tasks defines the task catalogue: per-task weights, timeouts, capacity
// units and the shape of payloads and responses exchanged with contenders.
package tasks

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed tasks.yaml
var defaultTasksYAML []byte

// Kind is the family of work a task produces.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// GeneratorKind selects the synthetic payload generator for a task.
type GeneratorKind string

const (
	GeneratorChat         GeneratorKind = "chat"
	GeneratorCompletion   GeneratorKind = "completion"
	GeneratorTextToImage  GeneratorKind = "text_to_image"
	GeneratorImageToImage GeneratorKind = "image_to_image"
)

// Config is the static definition of one task.
type Config struct {
	Name                       string        `yaml:"name"`
	Kind                       Kind          `yaml:"kind"`
	Generator                  GeneratorKind `yaml:"generator"`
	Endpoint                   string        `yaml:"endpoint"`
	Model                      string        `yaml:"model"`
	Stream                     bool          `yaml:"stream"`
	Weight                     float64       `yaml:"weight"`
	Timeout                    time.Duration `yaml:"timeout"`
	MaxCapacity                float64       `yaml:"max_capacity"`
	VolumeToRequestsConversion float64       `yaml:"volume_to_requests_conversion"`
	// ExpectedLatencyPerUnit is the mean seconds per unit of work the speed factor is centred on.
	ExpectedLatencyPerUnit float64 `yaml:"expected_latency_per_unit"`
	Enabled                bool    `yaml:"enabled"`
}

type file struct {
	Tasks []Config `yaml:"tasks"`
}

// Registry is the immutable set of enabled tasks, built once at startup.
type Registry struct {
	byName map[string]Config
	order  []string
}

// Load reads task definitions from path, or the embedded defaults when path is empty.
func Load(path string) (*Registry, error) {
	data := defaultTasksYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read tasks config %s: %w", path, err)
		}
		data = b
	}
	return Parse(data)
}

// Parse builds a registry from YAML. Weights of enabled tasks are rescaled to sum to 1.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tasks config: %w", err)
	}
	return NewRegistry(f.Tasks)
}

// NewRegistry validates the given task configs and keeps only the enabled ones.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{byName: make(map[string]Config)}
	total := 0.0
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		if c.Name == "" {
			return nil, fmt.Errorf("task with empty name")
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate task %q", c.Name)
		}
		if c.Kind != KindText && c.Kind != KindImage {
			return nil, fmt.Errorf("task %q: unknown kind %q", c.Name, c.Kind)
		}
		if c.VolumeToRequestsConversion <= 0 {
			return nil, fmt.Errorf("task %q: volume_to_requests_conversion must be positive", c.Name)
		}
		if c.Weight < 0 {
			return nil, fmt.Errorf("task %q: negative weight", c.Name)
		}
		if c.Timeout <= 0 {
			c.Timeout = 30 * time.Second
		}
		r.byName[c.Name] = c
		r.order = append(r.order, c.Name)
		total += c.Weight
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("no enabled tasks")
	}
	if total <= 0 {
		return nil, fmt.Errorf("enabled task weights sum to zero")
	}
	if math.Abs(total-1) > 1e-9 {
		log.Warn().Float64("total_weight", total).Msg("task weights do not sum to 1, rescaling")
		for name, c := range r.byName {
			c.Weight /= total
			r.byName[name] = c
		}
	}
	return r, nil
}

// Get returns the config for a task name.
func (r *Registry) Get(name string) (Config, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// All returns the enabled tasks in declaration order.
func (r *Registry) All() []Config {
	out := make([]Config, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the enabled task names in declaration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Package loader parses workflow definition documents into
// dagrun.WorkflowDefinition values. Structural validation is the resolver's
// job; the loader only handles syntax and unit conversion.
package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tasklab/dagrun"
)

// WorkflowFile mirrors the on-disk workflow document.
type WorkflowFile struct {
	Name    string     `yaml:"name"`
	Version int        `yaml:"version"`
	Tasks   []FileTask `yaml:"tasks"`
}

// FileTask is one task entry in a workflow document. Retry durations are
// strings ("30s", "2m") so documents stay readable.
type FileTask struct {
	Key       string                 `yaml:"key"`
	Type      string                 `yaml:"type"`
	Config    map[string]interface{} `yaml:"config"`
	DependsOn []string               `yaml:"depends_on"`
	Retry     *FileRetry             `yaml:"retry"`
}

// FileRetry is the on-disk retry policy.
type FileRetry struct {
	MaxRetries int    `yaml:"max_retries"`
	RetryDelay string `yaml:"retry_delay"`
	Timeout    string `yaml:"timeout"`
}

// Loader parses a workflow document from a file path.
type Loader interface {
	Load(path string) (*dagrun.WorkflowDefinition, error)
	Format() string // e.g. "yaml"
}

var (
	loaderMu       sync.RWMutex
	loaderRegistry = make(map[string]Loader)
)

// Register adds a Loader for a format name.
func Register(l Loader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderRegistry[l.Format()] = l
}

// ForFormat retrieves a loader by format name.
func ForFormat(format string) (Loader, bool) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	l, ok := loaderRegistry[format]
	return l, ok
}

// YAMLLoader parses YAML workflow documents.
type YAMLLoader struct{}

// Format returns the format key this loader registers under.
func (YAMLLoader) Format() string { return "yaml" }

// Load parses the YAML document at path.
func (YAMLLoader) Load(path string) (*dagrun.WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow file: %w", err)
	}
	defer f.Close()

	var file WorkflowFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML %s: %w", path, err)
	}
	return file.ToDefinition()
}

func init() {
	Register(YAMLLoader{})
}

// ToDefinition converts the parsed document into a WorkflowDefinition.
func (f *WorkflowFile) ToDefinition() (*dagrun.WorkflowDefinition, error) {
	def := &dagrun.WorkflowDefinition{
		Name:    f.Name,
		Version: f.Version,
		Tasks:   make([]dagrun.TaskSpec, 0, len(f.Tasks)),
	}
	for _, task := range f.Tasks {
		spec := dagrun.TaskSpec{
			Key:       task.Key,
			Type:      task.Type,
			Config:    task.Config,
			DependsOn: task.DependsOn,
		}
		if task.Retry != nil {
			policy, err := task.Retry.toPolicy()
			if err != nil {
				return nil, fmt.Errorf("task '%s': %w", task.Key, err)
			}
			spec.Retry = policy
		}
		def.Tasks = append(def.Tasks, spec)
	}
	return def, nil
}

func (r *FileRetry) toPolicy() (dagrun.RetryPolicy, error) {
	policy := dagrun.RetryPolicy{MaxRetries: r.MaxRetries}
	if r.RetryDelay != "" {
		d, err := time.ParseDuration(r.RetryDelay)
		if err != nil {
			return policy, fmt.Errorf("invalid retry_delay %q: %w", r.RetryDelay, err)
		}
		policy.RetryDelay = d
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return policy, fmt.Errorf("invalid timeout %q: %w", r.Timeout, err)
		}
		policy.Timeout = d
	}
	return policy, nil
}

// Load parses a single workflow document, picking the loader from the file
// extension.
func Load(path string) (*dagrun.WorkflowDefinition, error) {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format == "yml" {
		format = "yaml"
	}
	l, ok := ForFormat(format)
	if !ok {
		return nil, fmt.Errorf("no workflow loader registered for format %q", format)
	}
	return l.Load(path)
}

// LoadDir parses every workflow document in a directory concurrently and
// returns the definitions sorted by workflow name.
func LoadDir(dir string) ([]*dagrun.WorkflowDefinition, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow directory: %w", err)
	}

	defs := make([]*dagrun.WorkflowDefinition, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			def, err := Load(path)
			if err != nil {
				return err
			}
			defs[i] = def
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

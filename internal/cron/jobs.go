package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"hermit.local/hermit/internal/types"
)

// ErrJobNotFound is returned by Remove when no job carries the name.
var ErrJobNotFound = errors.New("job not found")

// Job is one scheduled prompt injection.
type Job struct {
	Name     string
	Spec     string
	Schedule Schedule
	Session  string
	Prompt   string
	Disabled bool
}

// JobStore loads job definitions and removes spent one-time jobs.
type JobStore interface {
	Load(ctx context.Context) ([]Job, error)
	Remove(ctx context.Context, name string) error
}

type jobEntry struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Session  string `yaml:"session"`
	Prompt   string `yaml:"prompt"`
	Disabled bool   `yaml:"disabled"`
}

func (e jobEntry) toJob() (Job, error) {
	if e.Name == "" {
		return Job{}, fmt.Errorf("job name is required")
	}
	schedule, err := ParseSchedule(e.Schedule)
	if err != nil {
		return Job{}, fmt.Errorf("job %q: %w", e.Name, err)
	}
	if _, _, err := types.SplitSessionKey(e.Session); err != nil {
		return Job{}, fmt.Errorf("job %q: %w", e.Name, err)
	}
	if e.Prompt == "" {
		return Job{}, fmt.Errorf("job %q: prompt is required", e.Name)
	}
	return Job{
		Name:     e.Name,
		Spec:     e.Schedule,
		Schedule: schedule,
		Session:  e.Session,
		Prompt:   e.Prompt,
		Disabled: e.Disabled,
	}, nil
}

// FileJobStore reads jobs from the `jobs:` list of a YAML config file.
// Remove rewrites only that list, leaving every other key and its
// comments untouched.
type FileJobStore struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

var _ JobStore = (*FileJobStore)(nil)

func NewFileJobStore(path string, logger zerolog.Logger) *FileJobStore {
	return &FileJobStore{path: path, logger: logger}
}

// Load returns the well-formed jobs. A malformed entry is skipped with
// a log line so one bad job never takes the rest down; only an
// unreadable or unparsable file is an error.
func (s *FileJobStore) Load(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	var doc struct {
		Jobs []jobEntry `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}

	jobs := make([]Job, 0, len(doc.Jobs))
	seen := make(map[string]bool, len(doc.Jobs))
	for _, entry := range doc.Jobs {
		job, err := entry.toJob()
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed job")
			continue
		}
		if seen[job.Name] {
			s.logger.Warn().Str("job", job.Name).Msg("skipping duplicate job name")
			continue
		}
		seen[job.Name] = true
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *FileJobStore) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read jobs file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse jobs file: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return ErrJobNotFound
	}

	jobsNode := mappingValue(doc.Content[0], "jobs")
	if jobsNode == nil || jobsNode.Kind != yaml.SequenceNode {
		return ErrJobNotFound
	}

	kept := jobsNode.Content[:0]
	removed := false
	for _, entry := range jobsNode.Content {
		if jobEntryName(entry) == name {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	if !removed {
		return ErrJobNotFound
	}
	jobsNode.Content = kept

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode jobs file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write jobs file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace jobs file: %w", err)
	}
	return nil
}

// mappingValue returns the value node for key in a YAML mapping, nil
// when absent.
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func jobEntryName(entry *yaml.Node) string {
	if entry.Kind != yaml.MappingNode {
		return ""
	}
	if node := mappingValue(entry, "name"); node != nil {
		return node.Value
	}
	return ""
}

// MemoryJobStore keeps jobs in memory, for wiring tests and embedded
// setups.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs []Job
}

var _ JobStore = (*MemoryJobStore)(nil)

func NewMemoryJobStore(jobs ...Job) *MemoryJobStore {
	s := &MemoryJobStore{}
	s.jobs = append(s.jobs, jobs...)
	return s
}

func (s *MemoryJobStore) Load(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out, nil
}

func (s *MemoryJobStore) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.jobs {
		if job.Name == name {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return nil
		}
	}
	return ErrJobNotFound
}

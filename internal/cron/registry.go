package cron

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Job is one scheduled task. Name labels logs and metrics and must be unique.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds jobs in the order they run within a cycle.
type Registry struct {
	jobs []Job
}

// NewRegistry registers jobs in order, silently keeping the first of any
// duplicate name.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{}
	for _, job := range jobs {
		_ = r.Register(job)
	}
	return r
}

func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if r.find(job.Name()) != nil {
		return fmt.Errorf("cron job %q already registered", job.Name())
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns a copy in registration order.
func (r *Registry) Jobs() []Job {
	return slices.Clone(r.jobs)
}

// Names lists job names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name())
	}
	return names
}

// Select keeps only the named jobs, preserving registration order. No names
// keeps everything; an unknown name is an error so a typo in config cannot
// silently disable a sweep.
func (r *Registry) Select(names []string) (*Registry, error) {
	wanted := map[string]bool{}
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			wanted[name] = true
		}
	}
	if len(wanted) == 0 {
		return r, nil
	}
	for name := range wanted {
		if r.find(name) == nil {
			return nil, fmt.Errorf("unknown cron job %q", name)
		}
	}
	selected := &Registry{}
	for _, job := range r.jobs {
		if wanted[job.Name()] {
			selected.jobs = append(selected.jobs, job)
		}
	}
	return selected, nil
}

func (r *Registry) find(name string) Job {
	for _, job := range r.jobs {
		if job.Name() == name {
			return job
		}
	}
	return nil
}

package models

import (
	"encoding/json"
	"maps"
	"time"
)

// Task is one submitted unit of work: an interactive notebook run or a batch
// training submission. The scheduler assigns ID and Sequence; callers never do.
type Task struct {
	ID       string `json:"id,omitempty"`
	Sequence uint64 `json:"-"`

	Executor string `json:"executor"`
	Priority int    `json:"priority"`

	Host     string `json:"host,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	KernelSpec string `json:"kernelspec,omitempty"`
	Framework  string `json:"framework,omitempty"`

	Notebook         json.RawMessage `json:"notebook,omitempty"`
	NotebookLocation string          `json:"notebook_location,omitempty"`
	NotebookName     string          `json:"notebook_name,omitempty"`

	Dependencies map[string]string `json:"dependencies,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Resources    *ResourceRequest  `json:"resources,omitempty"`
	Credentials  *Credentials      `json:"credentials,omitempty"`

	SubmittedAt time.Time `json:"-"`
}

// ResourceRequest sizes a batch training job.
type ResourceRequest struct {
	CPUs   float64 `json:"cpus"`
	GPUs   int     `json:"gpus"`
	Memory string  `json:"memory"`
}

// Credentials holds whatever a backend needs to authenticate against the
// training service and the job's data store.
type Credentials struct {
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	UserInfo string `json:"userinfo,omitempty"`

	Storage *StorageCredentials `json:"storage,omitempty"`
}

// StorageCredentials binds the job's input and output containers.
type StorageCredentials struct {
	AuthURL         string `json:"auth_url,omitempty"`
	UserName        string `json:"user_name,omitempty"`
	Password        string `json:"password,omitempty"`
	TrainingData    string `json:"training_data,omitempty"`
	TrainingResults string `json:"training_results,omitempty"`
}

// Target returns the address of the service the task runs against. Endpoint
// wins over Host when both are present.
func (t *Task) Target() string {
	if t.Endpoint != "" {
		return t.Endpoint
	}
	return t.Host
}

// Runtime returns the backend specific runtime identifier.
func (t *Task) Runtime() string {
	if t.KernelSpec != "" {
		return t.KernelSpec
	}
	return t.Framework
}

// FrameworkName is the training framework of a batch task, falling back to
// the kernel spec when no framework is given.
func (t *Task) FrameworkName() string {
	if t.Framework != "" {
		return t.Framework
	}
	return t.KernelSpec
}

// ShortID is the id prefix used to name per-task artifacts.
func (t *Task) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// Clone returns a deep copy, so the scheduler never shares a caller's maps or
// buffers with a worker.
func (t *Task) Clone() *Task {
	c := *t
	if t.Notebook != nil {
		c.Notebook = append(json.RawMessage(nil), t.Notebook...)
	}
	c.Dependencies = maps.Clone(t.Dependencies)
	c.Env = maps.Clone(t.Env)
	if t.Resources != nil {
		r := *t.Resources
		c.Resources = &r
	}
	if t.Credentials != nil {
		cr := *t.Credentials
		if t.Credentials.Storage != nil {
			s := *t.Credentials.Storage
			cr.Storage = &s
		}
		c.Credentials = &cr
	}
	return &c
}

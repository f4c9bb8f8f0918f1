package executors

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"notebook-scheduler/internal/models"
)

const (
	manifestVersion   = "1.0"
	manifestDataStore = "sl-internal-os"
	manifestStoreType = "mount_cos"
	manifestCommand   = "./start.sh"
)

// Manifest is the FfDL training job description. Field order is the
// serialized key order.
type Manifest struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Version     string      `yaml:"version"`
	GPUs        int         `yaml:"gpus"`
	CPUs        float64     `yaml:"cpus"`
	Memory      string      `yaml:"memory"`
	Learners    int         `yaml:"learners"`
	DataStores  []DataStore `yaml:"data_stores"`
	Framework   Framework   `yaml:"framework"`
}

type DataStore struct {
	ID              string     `yaml:"id"`
	Type            string     `yaml:"type"`
	TrainingData    Container  `yaml:"training_data"`
	TrainingResults Container  `yaml:"training_results"`
	Connection      Connection `yaml:"connection"`
}

type Container struct {
	Container string `yaml:"container"`
}

type Connection struct {
	AuthURL  string `yaml:"auth_url"`
	UserName string `yaml:"user_name"`
	Password string `yaml:"password"`
}

type Framework struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Command string `yaml:"command"`
}

// manifestName is derived from the task id so a job can be traced back.
func manifestName(task *models.Task) string {
	return "manifest-" + task.ShortID()
}

func buildManifest(task *models.Task, frameworkVersion string) (*Manifest, error) {
	if task.Resources == nil {
		return nil, fmt.Errorf("task %s has no resource request", task.ID)
	}
	description := "Train Jupyter Notebook"
	if task.NotebookName != "" {
		description += ": " + task.NotebookName
	}

	store := DataStore{ID: manifestDataStore, Type: manifestStoreType}
	if task.Credentials != nil && task.Credentials.Storage != nil {
		s := task.Credentials.Storage
		store.TrainingData.Container = s.TrainingData
		store.TrainingResults.Container = s.TrainingResults
		store.Connection = Connection{AuthURL: s.AuthURL, UserName: s.UserName, Password: s.Password}
	}

	return &Manifest{
		Name:        manifestName(task),
		Description: description,
		Version:     manifestVersion,
		GPUs:        task.Resources.GPUs,
		CPUs:        task.Resources.CPUs,
		Memory:      task.Resources.Memory,
		Learners:    1,
		DataStores:  []DataStore{store},
		Framework: Framework{
			Name:    task.FrameworkName(),
			Version: frameworkVersion,
			Command: manifestCommand,
		},
	}, nil
}

func (m *Manifest) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest %s: %w", m.Name, err)
	}
	return out, nil
}

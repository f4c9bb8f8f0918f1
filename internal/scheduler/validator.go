package scheduler

import (
	_ "embed"
	"fmt"
	"strings"

	"notebook-scheduler/internal/models"
	"notebook-scheduler/internal/task-worker/executors"
	"notebook-scheduler/pkg/validation"
)

//go:embed schema/task.schema.json
var taskSchemaJSON string

// TaskSchema checks raw submission documents before they are decoded.
var TaskSchema = validation.MustCompile("task.schema.json", taskSchemaJSON)

// ValidationError lists the required fields a task is missing, or why its
// document was refused.
type ValidationError struct {
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return "invalid task: missing required field(s): " + strings.Join(e.Missing, ", ")
	}
	return "invalid task: " + e.Reason
}

// Validate checks a task for its required fields. It has no side effects.
func Validate(task *models.Task) error {
	if task == nil {
		return &ValidationError{Reason: "task is nil"}
	}
	var missing []string
	if task.Executor == "" {
		missing = append(missing, "executor")
	}
	if task.Host == "" && task.Endpoint == "" {
		missing = append(missing, "host/endpoint")
	}
	if task.KernelSpec == "" && task.Framework == "" {
		missing = append(missing, "kernelspec/framework")
	}
	if len(task.Notebook) == 0 && task.NotebookLocation == "" {
		missing = append(missing, "notebook/notebook_location")
	}
	if task.Executor == executors.ExecutorTypeFfDL && task.Resources == nil {
		missing = append(missing, "resources")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// ValidateDocument checks a raw submission against the task schema.
func ValidateDocument(doc []byte) error {
	if err := TaskSchema.ValidateJSON(doc); err != nil {
		return &ValidationError{Reason: fmt.Sprint(err)}
	}
	return nil
}

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedNotebook is returned for documents that are not nbformat 4.
var ErrUnsupportedNotebook = errors.New("unsupported notebook format")

// Notebook is the subset of an nbformat 4 document the executors need. Cells
// keep document order.
type Notebook struct {
	Cells         []*Cell         `json:"cells"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	NBFormat      int             `json:"nbformat"`
	NBFormatMinor int             `json:"nbformat_minor"`
}

// Cell is one notebook cell. Outputs is scratch space filled by an executor.
type Cell struct {
	CellType string          `json:"cell_type"`
	Source   Multiline       `json:"source"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Outputs  []CellOutput    `json:"outputs,omitempty"`
}

// CellOutput mirrors the nbformat output shapes (stream, execute_result,
// display_data, error).
type CellOutput struct {
	OutputType string         `json:"output_type"`
	Name       string         `json:"name,omitempty"`
	Text       string         `json:"text,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	EName      string         `json:"ename,omitempty"`
	EValue     string         `json:"evalue,omitempty"`
	Traceback  []string       `json:"traceback,omitempty"`
}

// Multiline accepts both encodings nbformat allows for cell source: a single
// string or a list of lines.
type Multiline string

func (m *Multiline) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = Multiline(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(b, &lines); err != nil {
		return fmt.Errorf("cell source must be a string or a list of strings: %w", err)
	}
	*m = Multiline(strings.Join(lines, ""))
	return nil
}

// ExecutionResult is the synchronous response to one piece of source text
// submitted to a kernel.
type ExecutionResult struct {
	Status    string // "ok" or "error"
	Outputs   []CellOutput
	EName     string
	EValue    string
	Traceback []string
}

// Failed reports whether the kernel raised while running the source.
func (r *ExecutionResult) Failed() bool { return r.Status == "error" }

// ParseNotebook decodes an nbformat 4 document.
func ParseNotebook(raw []byte) (*Notebook, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrUnsupportedNotebook)
	}
	var nb Notebook
	if err := json.Unmarshal(raw, &nb); err != nil {
		return nil, fmt.Errorf("failed to decode notebook: %w", err)
	}
	if nb.NBFormat != 4 {
		return nil, fmt.Errorf("%w: nbformat %d", ErrUnsupportedNotebook, nb.NBFormat)
	}
	return &nb, nil
}

// CodeCells returns the indexes of the cells a kernel should run.
func (nb *Notebook) CodeCells() []int {
	var idx []int
	for i, c := range nb.Cells {
		if c.CellType == "code" {
			idx = append(idx, i)
		}
	}
	return idx
}

package executors

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"notebook-scheduler/internal/models"
)

//go:embed resources/ffdl/start.sh resources/ffdl/run_notebook.py
var ffdlResources embed.FS

const (
	artifactNotebook = "notebook.ipynb"
	artifactEnv      = "env.sh"
	artifactStart    = "start.sh"
	artifactDriver   = "run_notebook.py"
)

var reservedArtifactNames = map[string]bool{
	artifactNotebook: true,
	artifactEnv:      true,
	artifactStart:    true,
	artifactDriver:   true,
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// artifact is the scratch directory and the zip built from it.
type artifact struct {
	Dir         string
	ArchivePath string
}

// Remove deletes the scratch directory and the archive.
func (a *artifact) Remove() error {
	err := os.RemoveAll(a.Dir)
	if rmErr := os.Remove(a.ArchivePath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// buildArtifact materializes the task in a fresh directory under workDir and
// zips it next to the directory.
func buildArtifact(workDir string, task *models.Task) (*artifact, error) {
	if len(task.Notebook) == 0 {
		return nil, fmt.Errorf("task %s has no notebook content", task.ID)
	}
	for name := range task.Dependencies {
		if err := checkDependencyName(name); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir %s: %w", workDir, err)
	}
	dir, err := os.MkdirTemp(workDir, "ffdl-"+task.ShortID()+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	a := &artifact{Dir: dir, ArchivePath: dir + ".zip"}

	if err := a.populate(task); err != nil {
		_ = a.Remove()
		return nil, err
	}
	if err := zipDirectory(a.ArchivePath, dir); err != nil {
		_ = a.Remove()
		return nil, err
	}
	return a, nil
}

func (a *artifact) populate(task *models.Task) error {
	if err := writeArtifactFile(a.Dir, artifactNotebook, task.Notebook, 0o644); err != nil {
		return err
	}
	for name, content := range task.Dependencies {
		if err := writeArtifactFile(a.Dir, name, []byte(content), 0o644); err != nil {
			return err
		}
	}
	if len(task.Env) > 0 {
		env, err := renderEnv(task.Env)
		if err != nil {
			return err
		}
		if err := writeArtifactFile(a.Dir, artifactEnv, env, 0o644); err != nil {
			return err
		}
	}
	for name, mode := range map[string]os.FileMode{artifactStart: 0o755, artifactDriver: 0o644} {
		data, err := ffdlResources.ReadFile("resources/ffdl/" + name)
		if err != nil {
			return fmt.Errorf("missing bundled resource %s: %w", name, err)
		}
		if err := writeArtifactFile(a.Dir, name, data, mode); err != nil {
			return err
		}
	}
	return nil
}

// checkDependencyName only admits plain file names that do not shadow a
// generated file.
func checkDependencyName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid dependency name %q", name)
	case strings.ContainsAny(name, `/\`) || filepath.Base(name) != name:
		return fmt.Errorf("dependency name %q must not contain a path", name)
	case reservedArtifactNames[name]:
		return fmt.Errorf("dependency name %q is reserved", name)
	}
	return nil
}

func writeArtifactFile(dir, name string, data []byte, mode os.FileMode) error {
	if err := os.WriteFile(filepath.Join(dir, name), data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// renderEnv emits one export line per variable, in key order.
func renderEnv(env map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		if !envNamePattern.MatchString(k) {
			return nil, fmt.Errorf("invalid environment variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(env[k]))
	}
	return []byte(b.String()), nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9@%+=:,./_-]+$`)

// shellQuote returns s as a single POSIX shell word.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// zipDirectory writes every regular file of dir, flat and sorted by name,
// into a new archive at dest.
func zipDirectory(dest, dir string) (err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", dest, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := addZipEntry(zw, dir, entry); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive %s: %w", dest, err)
	}
	return nil
}

func addZipEntry(zw *zip.Writer, dir string, entry os.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = entry.Name()
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", entry.Name(), err)
	}
	f, err := os.Open(filepath.Join(dir, entry.Name()))
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", entry.Name(), err)
	}
	return nil
}

package executors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"notebook-scheduler/internal/models"
)

// ArtifactArchiver keeps copies of submitted job artifacts.
type ArtifactArchiver interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	UploadFile(ctx context.Context, key, path, contentType string) error
}

// FfDLExecutor packages a notebook as an FfDL training job and submits it.
type FfDLExecutor struct {
	Client           *TrainingClient
	WorkDir          string
	UIPort           string
	FrameworkVersion string
	KeepArtifacts    bool

	// Archiver and ArchivePrefix are optional.
	Archiver      ArtifactArchiver
	ArchivePrefix string
}

// Execute implements the Executor interface. The result is the job's
// tracking URL.
func (e *FfDLExecutor) Execute(ctx context.Context, task *models.Task) (string, error) {
	endpoint := task.Target()
	hlog.Infof("FfDLExecutor: packaging task %s for %s", task.ID, endpoint)

	manifest, err := buildManifest(task, e.FrameworkVersion)
	if err != nil {
		return "", err
	}
	manifestYAML, err := manifest.Marshal()
	if err != nil {
		return "", err
	}

	art, err := buildArtifact(e.WorkDir, task)
	if err != nil {
		return "", fmt.Errorf("failed to build artifact for task %s: %w", task.ID, err)
	}
	if !e.KeepArtifacts {
		defer func() {
			if err := art.Remove(); err != nil {
				hlog.Warnf("FfDLExecutor: failed to clean up %s: %v", art.Dir, err)
			}
		}()
	}
	e.archive(ctx, task, art, manifestYAML)

	modelID, err := e.Client.Submit(ctx, Submission{
		Endpoint:    endpoint,
		TaskID:      task.ID,
		ArchivePath: art.ArchivePath,
		Manifest:    manifestYAML,
		Credentials: task.Credentials,
	})
	if err != nil {
		hlog.Errorf("FfDLExecutor: %v", err)
		return "", err
	}

	trackingURL, err := TrackingURL(endpoint, e.UIPort, modelID)
	if err != nil {
		return "", err
	}
	hlog.Infof("FfDLExecutor: task %s submitted as model %s. Training URL: %s", task.ID, modelID, trackingURL)
	return trackingURL, nil
}

// archive uploads the bundle and manifest for later inspection. Failures are
// logged only.
func (e *FfDLExecutor) archive(ctx context.Context, task *models.Task, art *artifact, manifestYAML []byte) {
	if e.Archiver == nil {
		return
	}
	prefix := path.Join(e.ArchivePrefix, task.ID)
	if err := e.Archiver.UploadFile(ctx, path.Join(prefix, filepath.Base(art.ArchivePath)), art.ArchivePath, "application/zip"); err != nil {
		hlog.Warnf("FfDLExecutor: failed to archive bundle of task %s: %v", task.ID, err)
		return
	}
	key := path.Join(prefix, manifestName(task)+".yml")
	if err := e.Archiver.Upload(ctx, key, bytes.NewReader(manifestYAML), int64(len(manifestYAML)), "application/yaml"); err != nil {
		hlog.Warnf("FfDLExecutor: failed to archive manifest of task %s: %v", task.ID, err)
	}
}

var _ Executor = (*FfDLExecutor)(nil)

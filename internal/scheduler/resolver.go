package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notebook-scheduler/internal/objstore"
)

// maxNotebookSize caps fetched documents.
const maxNotebookSize = 32 << 20

// ResolutionError is a notebook location that could not be fetched at
// submission time.
type ResolutionError struct {
	Location string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve notebook location %s: %v", e.Location, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Temporary reports whether a later attempt may succeed: transport failures
// and 5xx or 429 responses. Bad locations and missing documents are not.
func (e *ResolutionError) Temporary() bool {
	var se *StatusError
	if errors.As(e.Err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}
	var ne net.Error
	return errors.As(e.Err, &ne)
}

// StatusError is a non-200 reply from a notebook location.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// Resolver fetches the document behind a notebook location.
type Resolver interface {
	Resolve(ctx context.Context, location string) ([]byte, error)
}

// ObjectFetcher reads objects for s3:// locations.
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// NotebookResolver fetches http(s):// locations over HTTP and s3:// locations
// from object storage.
type NotebookResolver struct {
	HTTP    *http.Client
	Objects ObjectFetcher
}

// NewNotebookResolver returns a resolver; objects may be nil, in which case
// s3:// locations are refused.
func NewNotebookResolver(timeout time.Duration, objects ObjectFetcher) *NotebookResolver {
	return &NotebookResolver{HTTP: &http.Client{Timeout: timeout}, Objects: objects}
}

func (r *NotebookResolver) Resolve(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid location: %w", err)
	}

	var data []byte
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		data, err = r.fetchHTTP(ctx, location)
	case "s3":
		data, err = r.fetchObject(ctx, location)
	default:
		return nil, fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, errors.New("fetched document is not valid JSON")
	}
	return data, nil
}

func (r *NotebookResolver) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxNotebookSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxNotebookSize {
		return nil, fmt.Errorf("document larger than %d bytes", maxNotebookSize)
	}
	return data, nil
}

func (r *NotebookResolver) fetchObject(ctx context.Context, location string) ([]byte, error) {
	if r.Objects == nil {
		return nil, errors.New("object storage is not configured")
	}
	bucket, key, err := objstore.ParseLocation(location)
	if err != nil {
		return nil, err
	}
	return r.Objects.Fetch(ctx, bucket, key)
}

package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"notebook-scheduler/internal/models"
)

type SubmissionErrorKind string

const (
	SubmissionTimeout           SubmissionErrorKind = "timeout"
	SubmissionConnection        SubmissionErrorKind = "connection"
	SubmissionTooManyRedirects  SubmissionErrorKind = "too_many_redirects"
	SubmissionHTTPStatus        SubmissionErrorKind = "http_status"
	SubmissionRejected          SubmissionErrorKind = "rejected"
	SubmissionMalformedResponse SubmissionErrorKind = "malformed_response"
)

// SubmissionError is a failed training job submission. Kind separates
// transport failures from a server that answered and said no.
type SubmissionError struct {
	Kind       SubmissionErrorKind
	Endpoint   string
	TaskID     string
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("ffdl submission of task %s to %s failed (%s, status %d): %s", e.TaskID, e.Endpoint, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("ffdl submission of task %s to %s failed (%s): %s", e.TaskID, e.Endpoint, e.Kind, msg)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

var errTooManyRedirects = errors.New("too many redirects")

// TrainingClient posts training jobs to the FfDL REST API.
type TrainingClient struct {
	HTTP       *http.Client
	APIVersion string
}

func NewTrainingClient(timeout time.Duration, maxRedirects int, apiVersion string) *TrainingClient {
	return &TrainingClient{
		HTTP: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errTooManyRedirects
				}
				return nil
			},
		},
		APIVersion: apiVersion,
	}
}

// Submission is one training job ready to post.
type Submission struct {
	Endpoint    string
	TaskID      string
	ArchivePath string
	Manifest    []byte
	Credentials *models.Credentials
}

type submitResponse struct {
	ModelID string `json:"model_id"`
	Message string `json:"message"`
	Error   any    `json:"error"`
}

func (r *submitResponse) failure() string {
	if r.Message != "" {
		return r.Message
	}
	switch e := r.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}

// modelsURL is the job submission URL for endpoint.
func (c *TrainingClient) modelsURL(endpoint string) (string, error) {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/models"
	u.RawQuery = url.Values{"version": {c.APIVersion}}.Encode()
	return u.String(), nil
}

// Submit posts the archive and manifest and returns the assigned model id.
// Every failure is a *SubmissionError.
func (c *TrainingClient) Submit(ctx context.Context, sub Submission) (string, error) {
	fail := func(kind SubmissionErrorKind, status int, msg string, err error) error {
		return &SubmissionError{Kind: kind, Endpoint: sub.Endpoint, TaskID: sub.TaskID, StatusCode: status, Message: msg, Err: err}
	}

	target, err := c.modelsURL(sub.Endpoint)
	if err != nil {
		return "", fail(SubmissionConnection, 0, "", err)
	}
	body, contentType, err := multipartBody(sub)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", fail(SubmissionConnection, 0, "", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if cr := sub.Credentials; cr != nil {
		if cr.User != "" {
			req.SetBasicAuth(cr.User, cr.Password)
		}
		if cr.UserInfo != "" {
			req.Header.Set("X-Watson-Userinfo", cr.UserInfo)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fail(classifyTransportError(err), 0, "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fail(classifyTransportError(err), resp.StatusCode, "", err)
	}

	var parsed submitResponse
	decodeErr := json.Unmarshal(payload, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(payload))
		if decodeErr == nil && parsed.failure() != "" {
			msg = parsed.failure()
		}
		return "", fail(SubmissionHTTPStatus, resp.StatusCode, msg, nil)
	}
	if decodeErr != nil {
		return "", fail(SubmissionMalformedResponse, resp.StatusCode, "", decodeErr)
	}
	if parsed.ModelID == "" {
		msg := parsed.failure()
		if msg == "" {
			msg = "response carries no model_id"
		}
		return "", fail(SubmissionRejected, resp.StatusCode, msg, nil)
	}
	return parsed.ModelID, nil
}

func classifyTransportError(err error) SubmissionErrorKind {
	if errors.Is(err, errTooManyRedirects) {
		return SubmissionTooManyRedirects
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SubmissionTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return SubmissionTimeout
	}
	return SubmissionConnection
}

func multipartBody(sub Submission) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	archive, err := os.Open(sub.ArchivePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	part, err := mw.CreateFormFile("model_definition", filepath.Base(sub.ArchivePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, archive); err != nil {
		return nil, "", fmt.Errorf("failed to attach archive: %w", err)
	}
	part, err = mw.CreateFormFile("manifest", "manifest.yml")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(sub.Manifest); err != nil {
		return nil, "", fmt.Errorf("failed to attach manifest: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("training endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid training endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid training endpoint %q: missing host", endpoint)
	}
	return u, nil
}

// TrackingURL points at the FfDL UI page of a submitted job.
func TrackingURL(endpoint, uiPort, modelID string) (string, error) {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s/#/trainings/%s/show", net.JoinHostPort(u.Hostname(), uiPort), modelID), nil
}

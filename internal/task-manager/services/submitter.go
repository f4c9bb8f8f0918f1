package services

import "context"

// Submitter is the part of the scheduler the background services use.
type Submitter interface {
	SubmitDocument(ctx context.Context, doc []byte) (string, error)
}

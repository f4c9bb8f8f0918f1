package services

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"

	"notebook-scheduler/internal/scheduler"
)

const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
)

// MessageReader is the part of *kafka.Reader the intake uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// IntakeService submits every task document published on the intake topic.
// A message is committed once it is accepted or refused for good (invalid
// document, unfetchable notebook). Any other failure is retried with backoff
// and the message stays uncommitted until then.
type IntakeService struct {
	Reader       MessageReader
	Submitter    Submitter
	RetryBackoff time.Duration
	done         chan struct{}
}

func NewIntakeService(reader MessageReader, submitter Submitter) *IntakeService {
	return &IntakeService{
		Reader:       reader,
		Submitter:    submitter,
		RetryBackoff: defaultRetryBackoff,
		done:         make(chan struct{}),
	}
}

func (s *IntakeService) StartConsuming(ctx context.Context) {
	hlog.Infof("IntakeService starting to consume task documents...")
	go func() {
		defer close(s.done)
		for {
			msg, err := s.Reader.FetchMessage(ctx)
			if err != nil {
				switch {
				case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
					hlog.Infof("IntakeService: context cancelled, stopping consumer.")
					return
				case errors.Is(err, io.EOF):
					hlog.Infof("IntakeService: Kafka reader closed (EOF), stopping consumption.")
					return
				}
				hlog.Errorf("IntakeService: error reading message: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			s.handle(ctx, msg)
		}
	}()
}

func (s *IntakeService) handle(ctx context.Context, msg kafka.Message) {
	hlog.Debugf("IntakeService: received message on topic %s, partition %d, offset %d", msg.Topic, msg.Partition, msg.Offset)
	backoff := s.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	for {
		id, err := s.Submitter.SubmitDocument(ctx, msg.Value)
		if err == nil {
			hlog.Infof("IntakeService: message at offset %d submitted as task %s", msg.Offset, id)
			break
		}
		if !retryable(err) {
			hlog.Errorf("IntakeService: rejected message at offset %d: %v", msg.Offset, err)
			break
		}
		hlog.Warnf("IntakeService: submission of offset %d failed, retrying in %s: %v", msg.Offset, backoff, err)
		select {
		case <-ctx.Done():
			hlog.Infof("IntakeService: offset %d left uncommitted on shutdown", msg.Offset)
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
	if err := s.Reader.CommitMessages(ctx, msg); err != nil {
		hlog.Errorf("IntakeService: failed to commit offset %d: %v", msg.Offset, err)
	}
}

// retryable reports whether a failed submission may succeed later.
func retryable(err error) bool {
	var verr *scheduler.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var rerr *scheduler.ResolutionError
	if errors.As(err, &rerr) {
		return rerr.Temporary()
	}
	return true
}

// Done is closed when the consumer loop has exited.
func (s *IntakeService) Done() <-chan struct{} { return s.done }

func (s *IntakeService) Close() {
	if s.Reader != nil {
		hlog.Infof("IntakeService: Closing Kafka reader.")
		_ = s.Reader.Close()
	}
}

package audit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/httputil"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

const (
	DefaultSinkBuffer  = 1024
	DefaultSinkTimeout = 5 * time.Second
)

// Poster sends a JSON body. *httputil.ServiceClient satisfies it.
type Poster interface {
	Post(ctx context.Context, path string, body interface{}) (*http.Response, error)
}

// SinkRecord is what the external audit sink receives per completed entry.
type SinkRecord struct {
	ID          string    `json:"id"`
	ActionKind  string    `json:"actionKind"`
	PayloadHash string    `json:"payloadHash"`
	Status      string    `json:"status"`
	LedgerTxID  string    `json:"ledgerTxId,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Sink forwards completed entries asynchronously. Log never blocks; records
// are dropped when the queue is full.
type Sink struct {
	poster  Poster
	path    string
	timeout time.Duration
	log     *logging.Logger

	queue   chan SinkRecord
	once    sync.Once
	stopped atomic.Bool
	dropped atomic.Uint64

	wg sync.WaitGroup
}

// NewSink creates a sink posting to path through poster.
func NewSink(poster Poster, path string, buffer int, timeout time.Duration, log *logging.Logger) *Sink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Sink{
		poster:  poster,
		path:    path,
		timeout: timeout,
		log:     log,
		queue:   make(chan SinkRecord, buffer),
	}
}

func (s *Sink) Start() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop drains the queue and waits for the worker or ctx.
func (s *Sink) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink stop: %w", ctx.Err())
	}
}

func (s *Sink) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Log enqueues a record.
func (s *Sink) Log(rec SinkRecord) (ok bool) {
	if s == nil || s.stopped.Load() {
		return false
	}
	// Stop may close the queue between the check above and the send.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case s.queue <- rec:
		return true
	default:
		s.dropped.Add(1)
		metrics.RecordAuditSinkDrop()
		return false
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	for rec := range s.queue {
		if s.poster == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		resp, err := s.poster.Post(ctx, s.path, rec)
		if err == nil {
			err = httputil.DecodeResponse(resp, nil)
		}
		cancel()
		if err != nil {
			s.log.Warn(context.Background(), "audit sink delivery failed", map[string]interface{}{
				"audit_id": rec.ID,
				"error":    err.Error(),
			})
		}
	}
}

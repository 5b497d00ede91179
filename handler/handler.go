package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"professor-agent/internal/domain"
	"professor-agent/internal/metrics"
	"professor-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	contentTypeText   = "text/plain; charset=utf-8"
	maxBodyBytes      = 1 << 20

	outcomeComplete = "complete"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

type Asker interface {
	Ask(ctx context.Context, in usecase.AskInput) (*usecase.AnswerStream, error)
}

type TranscriptReader interface {
	GetTranscripts(ctx context.Context, correlationID string) ([]domain.Transcript, error)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	asker       Asker
	transcripts TranscriptReader
	metrics     *metrics.ChatMetrics
	logger      *slog.Logger
}

type Option func(*Handler)

func WithMetrics(m *metrics.ChatMetrics) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTranscripts enables the transcript lookup route.
func WithTranscripts(r TranscriptReader) Option {
	return func(h *Handler) {
		h.transcripts = r
	}
}

func NewHandler(asker Asker, opts ...Option) (*Handler, error) {
	if asker == nil {
		return nil, errors.New("handler: asker must not be nil")
	}
	h := &Handler{
		asker:   asker,
		metrics: metrics.New(nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func decodeConversation(body []byte) (domain.Conversation, error) {
	var conv domain.Conversation
	if err := json.Unmarshal(body, &conv); err != nil {
		return nil, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err}
	}
	return conv, nil
}

// correlationID returns the caller's correlation ID or a fresh one.
func correlationID(lookup func(string) string) string {
	if id := strings.TrimSpace(lookup(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func errorStatus(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	resp := errorResponse{Error: string(ue.Code), Reason: ue.Reason}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, resp
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, resp
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

// reject records and logs a failure that happened before streaming began.
func (h *Handler) reject(t metrics.Transport, corrID string, err error) (int, errorResponse) {
	status, resp := errorStatus(err)
	h.metrics.RecordOutcome(t, outcomeRejected)
	h.metrics.RecordError(t, resp.Error)
	h.logger.Warn("chat request rejected",
		"transport", t, "correlationId", corrID, "status", status, "code", resp.Error, "err", err)
	return status, resp
}

// relay writes every fragment of stream to w in arrival order, calling flush
// after each write. It returns the number of fragments written; a nil error
// means the stream reached its end.
func (h *Handler) relay(t metrics.Transport, start time.Time, stream *usecase.AnswerStream, w io.Writer, flush func()) (int, error) {
	h.metrics.StreamStarted(t)
	defer h.metrics.StreamEnded(t)

	n := 0
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if _, err := io.WriteString(w, frag); err != nil {
			return n, fmt.Errorf("handler: write fragment: %w", err)
		}
		flush()
		if n == 0 {
			h.metrics.RecordFirstFragment(t, time.Since(start).Seconds())
		}
		n++
		h.metrics.RecordFragment(t)
	}
}

// finish records the terminal state of a relayed stream.
func (h *Handler) finish(t metrics.Transport, corrID string, fragments int, err error) {
	if err == nil {
		h.metrics.RecordOutcome(t, outcomeComplete)
		h.logger.Info("chat stream complete", "transport", t, "correlationId", corrID, "fragments", fragments)
		return
	}
	h.metrics.RecordOutcome(t, outcomeFailed)
	h.metrics.RecordError(t, string(usecase.ErrorStream))
	h.logger.Error("chat stream aborted", "transport", t, "correlationId", corrID, "fragments", fragments, "err", err)
}

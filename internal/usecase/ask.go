package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"professor-agent/internal/domain"
)

const (
	retrievalTopK     = 3
	completionModel   = "gpt-4o-mini"
	transcriptTimeout = 5 * time.Second

	statusComplete = "complete"
	statusFailed   = "failed"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type ProfessorIndex interface {
	Query(ctx context.Context, vector []float32, topK int) ([]domain.ProfessorMatch, error)
}

type ChatStreamer interface {
	StreamChat(ctx context.Context, model string, messages []domain.ChatMessage) (domain.ChatStream, error)
}

type TranscriptRecorder interface {
	SaveTranscript(ctx context.Context, correlationID, question string, professors []string, fragments int, status string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type AskService struct {
	embedder     Embedder
	index        ProfessorIndex
	llm          ChatStreamer
	systemPrompt string
	transcripts  TranscriptRecorder
	logger       *slog.Logger

	pending sync.WaitGroup
}

type AskInput struct {
	Messages      domain.Conversation
	CorrelationID string
}

type Option func(*AskService)

// WithSystemPrompt replaces DefaultSystemPrompt. Blank prompts are ignored.
func WithSystemPrompt(prompt string) Option {
	return func(s *AskService) {
		if strings.TrimSpace(prompt) != "" {
			s.systemPrompt = prompt
		}
	}
}

// WithTranscripts records a transcript for every answer that reaches a
// terminal state.
func WithTranscripts(r TranscriptRecorder) Option {
	return func(s *AskService) {
		s.transcripts = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *AskService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewAskService(e Embedder, idx ProfessorIndex, llm ChatStreamer, opts ...Option) (*AskService, error) {
	if e == nil {
		return nil, errors.New("usecase: embedder must not be nil")
	}
	if idx == nil {
		return nil, errors.New("usecase: professor index must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: chat streamer must not be nil")
	}
	s := &AskService{
		embedder:     e,
		index:        idx,
		llm:          llm,
		systemPrompt: DefaultSystemPrompt,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ask runs one retrieval round for the last message of the conversation and
// opens a streaming completion over the augmented prompt. Failures before the
// stream opens are returned as *Error; the caller owns the returned stream and
// must Close it.
func (s *AskService) Ask(ctx context.Context, in AskInput) (*AnswerStream, error) {
	last, ok := in.Messages.Last()
	if !ok {
		return nil, newError(ErrorInvalidInput, "empty_conversation", nil)
	}
	for _, m := range in.Messages {
		if !domain.ValidRole(m.Role) {
			return nil, newError(ErrorInvalidInput, "invalid_role", nil)
		}
	}

	vector, err := s.embedder.Embed(ctx, last.Content)
	if err != nil {
		if rateLimited(err) {
			return nil, newError(ErrorRateLimited, "embedding_rate_limited", err)
		}
		return nil, newError(ErrorUpstream, "embedding_error", err)
	}
	if len(vector) == 0 {
		return nil, newError(ErrorUpstream, "embedding_empty", nil)
	}

	matches, err := s.index.Query(ctx, vector, retrievalTopK)
	if err != nil {
		return nil, newError(ErrorUpstream, "vector_query_error", err)
	}

	src, err := s.llm.StreamChat(ctx, completionModel, buildPromptMessages(s.systemPrompt, in.Messages, matches))
	if err != nil {
		if rateLimited(err) {
			return nil, newError(ErrorRateLimited, "completion_rate_limited", err)
		}
		return nil, newError(ErrorUpstream, "completion_error", err)
	}

	var onFinish func(int, error)
	if s.transcripts != nil {
		correlationID := strings.TrimSpace(in.CorrelationID)
		if correlationID == "" {
			correlationID = newUUID()
		}
		onFinish = func(fragments int, streamErr error) {
			s.pending.Add(1)
			go func() {
				defer s.pending.Done()
				s.saveTranscript(ctx, correlationID, last.Content, matches, fragments, streamErr)
			}()
		}
	}
	return newAnswerStream(src, onFinish), nil
}

// Wait blocks until every transcript write started so far has returned.
func (s *AskService) Wait() {
	s.pending.Wait()
}

func (s *AskService) saveTranscript(ctx context.Context, correlationID, question string, matches []domain.ProfessorMatch, fragments int, streamErr error) {
	status := statusComplete
	if !errors.Is(streamErr, io.EOF) {
		status = statusFailed
	}
	professors := make([]string, 0, len(matches))
	for _, m := range matches {
		professors = append(professors, m.ID)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transcriptTimeout)
	defer cancel()
	if err := s.transcripts.SaveTranscript(ctx, correlationID, question, professors, fragments, status); err != nil {
		s.logger.Warn("failed to save transcript", "correlationId", correlationID, "err", err)
	}
}

func rateLimited(err error) bool {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.HTTPStatusCode() == 429
}

var newUUID = func() string {
	return uuid.NewString()
}

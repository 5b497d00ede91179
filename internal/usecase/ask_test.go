package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"professor-agent/internal/domain"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return "status error" }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type mockEmbedder struct {
	vector []float32
	err    error
	inputs []string
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.inputs = append(m.inputs, text)
	return m.vector, m.err
}

type mockIndex struct {
	matches []domain.ProfessorMatch
	err     error
	calls   int
	topK    int
	vector  []float32
}

func (m *mockIndex) Query(_ context.Context, vector []float32, topK int) ([]domain.ProfessorMatch, error) {
	m.calls++
	m.topK = topK
	m.vector = vector
	return m.matches, m.err
}

// fakeChatStream replays deltas and then returns err (io.EOF when nil).
type fakeChatStream struct {
	deltas []string
	err    error
	pos    int
	closed bool
}

func (f *fakeChatStream) Recv() (string, error) {
	if f.pos < len(f.deltas) {
		d := f.deltas[f.pos]
		f.pos++
		return d, nil
	}
	if f.err != nil {
		return "", f.err
	}
	return "", io.EOF
}

func (f *fakeChatStream) Close() error {
	f.closed = true
	return nil
}

type mockStreamer struct {
	stream   *fakeChatStream
	err      error
	calls    int
	model    string
	captured []domain.ChatMessage
}

func (m *mockStreamer) StreamChat(_ context.Context, model string, msgs []domain.ChatMessage) (domain.ChatStream, error) {
	m.calls++
	m.model = model
	m.captured = msgs
	if m.err != nil {
		return nil, m.err
	}
	return m.stream, nil
}

type savedTranscript struct {
	correlationID string
	question      string
	professors    []string
	fragments     int
	status        string
}

type mockRecorder struct {
	saved []savedTranscript
	err   error
}

func (m *mockRecorder) SaveTranscript(_ context.Context, correlationID, question string, professors []string, fragments int, status string) error {
	m.saved = append(m.saved, savedTranscript{correlationID, question, professors, fragments, status})
	return m.err
}

func twoProfessors() []domain.ProfessorMatch {
	return []domain.ProfessorMatch{
		{ID: "Dr. A", Metadata: map[string]any{"review": "great", "subject": "ML", "stars": 4.9}},
		{ID: "Dr. B", Metadata: map[string]any{"review": "ok", "subject": "ML", "stars": 3.5}},
	}
}

func userTurn(content string) domain.Conversation {
	return domain.Conversation{{Role: domain.RoleUser, Content: content}}
}

func newTestService(t *testing.T, e Embedder, idx ProfessorIndex, llm ChatStreamer, opts ...Option) *AskService {
	t.Helper()
	svc, err := NewAskService(e, idx, llm, opts...)
	require.NoError(t, err)
	return svc
}

func expectAskError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func drain(t *testing.T, s *AnswerStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		frag, err := s.Recv()
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
}

func TestNewAskService_ValidatesDependencies(t *testing.T) {
	_, err := NewAskService(nil, &mockIndex{}, &mockStreamer{})
	require.Error(t, err)

	_, err = NewAskService(&mockEmbedder{}, nil, &mockStreamer{})
	require.Error(t, err)

	_, err = NewAskService(&mockEmbedder{}, &mockIndex{}, nil)
	require.Error(t, err)
}

func TestAsk_HappyPath(t *testing.T) {
	embedder := &mockEmbedder{vector: []float32{0.1, 0.2}}
	index := &mockIndex{matches: twoProfessors()}
	llm := &mockStreamer{stream: &fakeChatStream{deltas: []string{"Dr. A ", "is ", "great."}}}
	svc := newTestService(t, embedder, index, llm)

	stream, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("Best ML professors?")})
	require.NoError(t, err)

	frags, err := drain(t, stream)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"Dr. A ", "is ", "great."}, frags)
	require.Equal(t, 3, stream.Fragments())

	require.Equal(t, []string{"Best ML professors?"}, embedder.inputs)
	require.Equal(t, 1, index.calls)
	require.Equal(t, 3, index.topK)
	require.Equal(t, []float32{0.1, 0.2}, index.vector)
	require.Equal(t, completionModel, llm.model)

	require.Len(t, llm.captured, 2)
	require.Equal(t, domain.RoleSystem, llm.captured[0].Role)
	require.Equal(t, DefaultSystemPrompt, llm.captured[0].Content)
	last := llm.captured[1]
	require.Equal(t, domain.RoleUser, last.Role)
	require.True(t, strings.HasPrefix(last.Content, "Best ML professors?"+contextBlockLabel))
	a := strings.Index(last.Content, "Professor: Dr. A")
	b := strings.Index(last.Content, "Professor: Dr. B")
	require.NotEqual(t, -1, a)
	require.Greater(t, b, a)

	require.NoError(t, stream.Close())
	require.True(t, llm.stream.closed)
}

func TestAsk_EmbedsOnlyLastMessage(t *testing.T) {
	embedder := &mockEmbedder{vector: []float32{1}}
	llm := &mockStreamer{stream: &fakeChatStream{}}
	svc := newTestService(t, embedder, &mockIndex{}, llm)

	conv := domain.Conversation{
		{Role: domain.RoleUser, Content: "Who teaches calculus?"},
		{Role: domain.RoleAssistant, Content: "Dr. C does."},
		{Role: domain.RoleUser, Content: "Is Dr. C strict?"},
	}
	_, err := svc.Ask(context.Background(), AskInput{Messages: conv})
	require.NoError(t, err)
	require.Equal(t, []string{"Is Dr. C strict?"}, embedder.inputs)
}

func TestAsk_PromptLengthIsConversationPlusOne(t *testing.T) {
	for n := 1; n <= 5; n++ {
		conv := make(domain.Conversation, 0, n)
		for i := 0; i < n; i++ {
			role := domain.RoleUser
			if i%2 == 1 {
				role = domain.RoleAssistant
			}
			conv = append(conv, domain.ChatMessage{Role: role, Content: strings.Repeat("x", i+1)})
		}
		llm := &mockStreamer{stream: &fakeChatStream{}}
		svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, llm)

		_, err := svc.Ask(context.Background(), AskInput{Messages: conv})
		require.NoError(t, err)
		require.Len(t, llm.captured, n+1)
		require.Equal(t, []domain.ChatMessage(conv[:n-1]), llm.captured[1:n])
	}
}

func TestAsk_EmptyRetrievalIsNotAnError(t *testing.T) {
	llm := &mockStreamer{stream: &fakeChatStream{deltas: []string{"none found"}}}
	svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, llm)

	stream, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("Anyone for Latin?")})
	require.NoError(t, err)
	require.Equal(t, "Anyone for Latin?"+contextBlockLabel, llm.captured[1].Content)

	frags, err := drain(t, stream)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"none found"}, frags)
}

func TestAsk_ValidationErrors(t *testing.T) {
	embedder := &mockEmbedder{vector: []float32{1}}
	svc := newTestService(t, embedder, &mockIndex{}, &mockStreamer{stream: &fakeChatStream{}})

	_, err := svc.Ask(context.Background(), AskInput{})
	expectAskError(t, err, ErrorInvalidInput, "empty_conversation")

	_, err = svc.Ask(context.Background(), AskInput{Messages: domain.Conversation{{Role: "tool", Content: "x"}}})
	expectAskError(t, err, ErrorInvalidInput, "invalid_role")

	require.Empty(t, embedder.inputs)
}

func TestAsk_EmbeddingErrors(t *testing.T) {
	index := &mockIndex{}
	svc := newTestService(t, &mockEmbedder{err: errors.New("boom")}, index, &mockStreamer{})
	_, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	expectAskError(t, err, ErrorUpstream, "embedding_error")

	svc = newTestService(t, &mockEmbedder{err: &statusErr{code: 429}}, index, &mockStreamer{})
	_, err = svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	expectAskError(t, err, ErrorRateLimited, "embedding_rate_limited")

	svc = newTestService(t, &mockEmbedder{}, index, &mockStreamer{})
	_, err = svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	expectAskError(t, err, ErrorUpstream, "embedding_empty")

	require.Zero(t, index.calls)
}

func TestAsk_RetrievalError(t *testing.T) {
	llm := &mockStreamer{stream: &fakeChatStream{}}
	svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{err: errors.New("index unavailable")}, llm)
	_, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	expectAskError(t, err, ErrorUpstream, "vector_query_error")
	require.Zero(t, llm.calls)
}

func TestAsk_CompletionErrors(t *testing.T) {
	svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, &mockStreamer{err: &statusErr{code: 500}})
	_, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	expectAskError(t, err, ErrorUpstream, "completion_error")

	svc = newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, &mockStreamer{err: &statusErr{code: 429}})
	_, err = svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	expectAskError(t, err, ErrorRateLimited, "completion_rate_limited")
}

func TestAnswerStream_SkipsEmptyDeltas(t *testing.T) {
	src := &fakeChatStream{deltas: []string{"", "a", "", "", "b", ""}}
	s := newAnswerStream(src, nil)

	frags, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"a", "b"}, frags)
}

func TestAnswerStream_ErrorAfterFragments(t *testing.T) {
	upstream := errors.New("connection reset")
	src := &fakeChatStream{deltas: []string{"F1", "F2"}, err: upstream}
	s := newAnswerStream(src, nil)

	frags, err := drain(t, s)
	require.Equal(t, []string{"F1", "F2"}, frags)
	expectAskError(t, err, ErrorStream, "completion_stream_error")
	require.ErrorIs(t, err, upstream)

	// terminal: the error repeats and upstream is not polled again
	_, again := s.Recv()
	require.Equal(t, err, again)
}

func TestAnswerStream_EOFIsTerminal(t *testing.T) {
	s := newAnswerStream(&fakeChatStream{deltas: []string{"x"}}, nil)
	_, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestAsk_RecordsCompletedTranscript(t *testing.T) {
	rec := &mockRecorder{}
	llm := &mockStreamer{stream: &fakeChatStream{deltas: []string{"a", "b"}}}
	svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{matches: twoProfessors()}, llm, WithTranscripts(rec))

	stream, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("Best ML professors?"), CorrelationID: "corr-1"})
	require.NoError(t, err)
	require.Empty(t, rec.saved)

	_, err = drain(t, stream)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, stream.Close())
	svc.Wait()

	require.Len(t, rec.saved, 1)
	require.Equal(t, savedTranscript{
		correlationID: "corr-1",
		question:      "Best ML professors?",
		professors:    []string{"Dr. A", "Dr. B"},
		fragments:     2,
		status:        statusComplete,
	}, rec.saved[0])
}

func TestAsk_RecordsFailedTranscript(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated-id" }
	t.Cleanup(func() { newUUID = orig })

	rec := &mockRecorder{err: errors.New("dynamodb down")}
	llm := &mockStreamer{stream: &fakeChatStream{deltas: []string{"a"}, err: errors.New("reset")}}
	svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, llm, WithTranscripts(rec))

	stream, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	require.NoError(t, err)
	_, err = drain(t, stream)
	expectAskError(t, err, ErrorStream, "completion_stream_error")
	svc.Wait()

	require.Len(t, rec.saved, 1)
	require.Equal(t, "generated-id", rec.saved[0].correlationID)
	require.Equal(t, statusFailed, rec.saved[0].status)
	require.Equal(t, 1, rec.saved[0].fragments)
	require.Empty(t, rec.saved[0].professors)
}

func TestAsk_CloseBeforeCompletionRecordsFailure(t *testing.T) {
	rec := &mockRecorder{}
	llm := &mockStreamer{stream: &fakeChatStream{deltas: []string{"a", "b"}}}
	svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, llm, WithTranscripts(rec))

	stream, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("hi"), CorrelationID: "c"})
	require.NoError(t, err)
	frag, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "a", frag)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	svc.Wait()
	require.Len(t, rec.saved, 1)
	require.Equal(t, statusFailed, rec.saved[0].status)

	_, err = stream.Recv()
	expectAskError(t, err, ErrorStream, "stream_closed")
}

type slowRecorder struct {
	release chan struct{}
	saved   chan string
}

func (r *slowRecorder) SaveTranscript(_ context.Context, _, _ string, _ []string, _ int, status string) error {
	<-r.release
	r.saved <- status
	return nil
}

func TestAsk_SlowTranscriptDoesNotDelayEOF(t *testing.T) {
	rec := &slowRecorder{release: make(chan struct{}), saved: make(chan string, 1)}
	llm := &mockStreamer{stream: &fakeChatStream{deltas: []string{"a"}}}
	svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, llm, WithTranscripts(rec))

	stream, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("hi"), CorrelationID: "c"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := drain(t, stream)
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Recv blocked on the transcript write")
	}
	require.NoError(t, stream.Close())

	close(rec.release)
	svc.Wait()
	require.Equal(t, statusComplete, <-rec.saved)
}

func TestWithSystemPrompt(t *testing.T) {
	llm := &mockStreamer{stream: &fakeChatStream{}}
	svc := newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, llm, WithSystemPrompt("Custom prompt"))
	_, err := svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	require.NoError(t, err)
	require.Equal(t, "Custom prompt", llm.captured[0].Content)

	svc = newTestService(t, &mockEmbedder{vector: []float32{1}}, &mockIndex{}, llm, WithSystemPrompt("   "))
	_, err = svc.Ask(context.Background(), AskInput{Messages: userTurn("hi")})
	require.NoError(t, err)
	require.Equal(t, DefaultSystemPrompt, llm.captured[0].Content)
}

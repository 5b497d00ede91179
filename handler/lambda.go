package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"professor-agent/internal/metrics"
	"professor-agent/internal/usecase"
)

// HandleFunctionURL serves the chat endpoint behind a Lambda Function URL in
// RESPONSE_STREAM invoke mode. The body is an io.Pipe fed by a relay
// goroutine; a failed upstream stream closes the pipe with the error so the
// runtime ends the response in an error state.
func (h *Handler) HandleFunctionURL(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	start := time.Now()
	corrID := correlationID(func(key string) string { return headerValue(req.Headers, key) })
	headers := map[string]string{correlationHeader: corrID}

	if m := req.RequestContext.HTTP.Method; m != "" && !strings.EqualFold(m, http.MethodPost) {
		headers["Allow"] = http.MethodPost
		return jsonResponse(http.StatusMethodNotAllowed, headers, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			status, resp := h.reject(metrics.TransportLambda, corrID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err})
			return jsonResponse(status, headers, resp), nil
		}
		body = decoded
	}
	conv, err := decodeConversation(body)
	if err != nil {
		status, resp := h.reject(metrics.TransportLambda, corrID, err)
		return jsonResponse(status, headers, resp), nil
	}

	stream, err := h.asker.Ask(ctx, usecase.AskInput{Messages: conv, CorrelationID: corrID})
	if err != nil {
		status, resp := h.reject(metrics.TransportLambda, corrID, err)
		return jsonResponse(status, headers, resp), nil
	}

	pr, pw := io.Pipe()
	go func() {
		defer func() { _ = stream.Close() }()
		n, err := h.relay(metrics.TransportLambda, start, stream, pw, func() {})
		h.finish(metrics.TransportLambda, corrID, n, err)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()

	headers["Content-Type"] = contentTypeText
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers:    headers,
		Body:       pr,
	}, nil
}

func jsonResponse(status int, headers map[string]string, v any) *events.LambdaFunctionURLStreamingResponse {
	b, _ := json.Marshal(v)
	headers["Content-Type"] = "application/json"
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       strings.NewReader(string(b)),
	}
}

// headerValue looks up key case-insensitively; Function URL headers arrive lowercased.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"professor-agent/internal/metrics"
	"professor-agent/internal/usecase"
)

type transcriptResponse struct {
	CorrelationID string   `json:"correlationId"`
	Question      string   `json:"question"`
	Professors    []string `json:"professors"`
	Fragments     int      `json:"fragments"`
	Status        string   `json:"status"`
	CreatedAt     string   `json:"createdAt"`
}

// NewRouter builds the gin engine serving the chat API. gatherer backs
// /metrics and may be nil to omit the route.
func (h *Handler) NewRouter(gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(h.recoverer())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.POST("/chat", h.Chat)
		if h.transcripts != nil {
			api.GET("/transcripts/:correlationId", h.Transcripts)
		}
	}
	return r
}

// recoverer turns handler panics into 500s, except http.ErrAbortHandler which
// must reach net/http so the connection is dropped mid-stream.
func (h *Handler) recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.Error("panic in handler", "path", c.Request.URL.Path, "panic", rec)
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
				return
			}
			c.Abort()
		}()
		c.Next()
	}
}

// Chat answers a conversation with a plain-text stream of completion fragments.
func (h *Handler) Chat(c *gin.Context) {
	start := time.Now()
	corrID := correlationID(c.GetHeader)
	c.Header(correlationHeader, corrID)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		status, resp := h.reject(metrics.TransportHTTP, corrID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unreadable_body", Err: err})
		c.JSON(status, resp)
		return
	}
	conv, err := decodeConversation(body)
	if err != nil {
		status, resp := h.reject(metrics.TransportHTTP, corrID, err)
		c.JSON(status, resp)
		return
	}

	stream, err := h.asker.Ask(c.Request.Context(), usecase.AskInput{Messages: conv, CorrelationID: corrID})
	if err != nil {
		status, resp := h.reject(metrics.TransportHTTP, corrID, err)
		c.JSON(status, resp)
		return
	}
	defer func() { _ = stream.Close() }()

	c.Header("Content-Type", contentTypeText)
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	n, err := h.relay(metrics.TransportHTTP, start, stream, c.Writer, c.Writer.Flush)
	h.finish(metrics.TransportHTTP, corrID, n, err)
	if err != nil {
		// The status line is already sent; dropping the connection is the only
		// way to tell the client the answer is incomplete.
		panic(http.ErrAbortHandler)
	}
}

// Transcripts lists the transcripts recorded for a correlation ID.
func (h *Handler) Transcripts(c *gin.Context) {
	id := c.Param("correlationId")
	list, err := h.transcripts.GetTranscripts(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to read transcripts", "correlationId", id, "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
		return
	}
	if len(list) == 0 {
		c.JSON(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
		return
	}
	out := make([]transcriptResponse, 0, len(list))
	for _, t := range list {
		out = append(out, transcriptResponse{
			CorrelationID: t.CorrelationID,
			Question:      t.Question,
			Professors:    t.Professors,
			Fragments:     t.Fragments,
			Status:        t.Status,
			CreatedAt:     t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

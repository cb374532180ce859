package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"

	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/broadcast"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/engine"
	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/scheduler"
	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

// JobsHandler exposes the job core over HTTP: submit, status, cancel and
// a server-sent-events fragment stream.
type JobsHandler struct {
	Sched  *scheduler.Scheduler
	Hub    *broadcast.Hub
	Docs   engine.DocumentStore
	Logger *log.Logger
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.POST("/reasoning", h.submitReasoning)
	g.POST("/article", h.submitArticle)
	g.GET("/:id", h.status)
	g.DELETE("/:id", h.cancel)
	g.GET("/:id/stream", h.stream)
}

type submitReasoningRequest struct {
	SessionID   string `json:"session_id"`
	Owner       string `json:"owner"`
	LogDir      string `json:"log_dir"`
	Problem     string `json:"problem"`
	ContextSeed string `json:"context_seed"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
	MaxWidth    int    `json:"max_width"`
	MaxDepth    int    `json:"max_depth"`
	MaxTokens   int    `json:"max_tokens"`
}

type submitArticleRequest struct {
	SessionID  string `json:"session_id"`
	Owner      string `json:"owner"`
	LogDir     string `json:"log_dir"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key"`
	Iterations int    `json:"iterations"`
	MaxTokens  int    `json:"max_tokens"`
}

func (h *JobsHandler) submitReasoning(c echo.Context) error {
	var req submitReasoningRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	sessionID, err := h.Sched.SubmitReasoning(c.Request().Context(), scheduler.ReasoningRequest{
		SessionID:   req.SessionID,
		Owner:       req.Owner,
		LogDir:      req.LogDir,
		Problem:     req.Problem,
		ContextSeed: req.ContextSeed,
		Model:       req.Model,
		Credential:  req.APIKey,
		MaxWidth:    req.MaxWidth,
		MaxDepth:    req.MaxDepth,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return submitError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (h *JobsHandler) submitArticle(c echo.Context) error {
	var req submitArticleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	sessionID, err := h.Sched.SubmitArticle(c.Request().Context(), scheduler.ArticleRequest{
		SessionID:  req.SessionID,
		Owner:      req.Owner,
		LogDir:     req.LogDir,
		Model:      req.Model,
		Credential: req.APIKey,
		Iterations: req.Iterations,
		MaxTokens:  req.MaxTokens,
	})
	if err != nil {
		return submitError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func submitError(err error) error {
	if errors.Is(err, models.ErrSessionConflict) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

func (h *JobsHandler) status(c echo.Context) error {
	job, err := h.Sched.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, job)
}

func (h *JobsHandler) cancel(c echo.Context) error {
	if err := h.Sched.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// stream pushes the session's fragments as server-sent events. The
// subscriber is registered before the snapshot read so no fragment falls
// in a gap; a fragment racing the snapshot may appear in both.
func (h *JobsHandler) stream(c echo.Context) error {
	sessionID := c.Param("id")
	ctx := c.Request().Context()

	job, err := h.Sched.Status(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	frags, cancel := h.Hub.Subscribe(sessionID)
	defer cancel()

	slot := models.SlotResponse
	docName := "response.md"
	if job.Kind == models.JobKindArticle {
		slot = models.SlotArticle
		docName = "article.md"
	}
	if content, _, err := h.Docs.ReadDocument(ctx, job.Owner, path.Join(job.LogDir, docName)); err == nil {
		if err := writeEvent(resp, flusher, "snapshot", map[string]string{
			"slot":    slot,
			"content": string(content),
		}); err != nil {
			return nil
		}
	}

	done := h.Sched.Done(sessionID)
	if done == nil && job.Status.Terminal() {
		// reclaimed session: the snapshot is all there is
		return writeEvent(resp, flusher, "done", map[string]string{"status": string(job.Status)})
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case frag, open := <-frags:
			if !open {
				// don't report the status captured at subscribe time, the
				// job may have finished since
				job, _ = h.Sched.Status(ctx, sessionID)
				return writeEvent(resp, flusher, "done", map[string]string{"status": string(job.Status)})
			}
			if err := writeEvent(resp, flusher, "fragment", frag); err != nil {
				return nil
			}
		case <-done:
			// drain whatever the engine emitted before finishing
			for {
				select {
				case frag, open := <-frags:
					if !open {
						break
					}
					if err := writeEvent(resp, flusher, "fragment", frag); err != nil {
						return nil
					}
					continue
				default:
				}
				break
			}
			job, _ = h.Sched.Status(ctx, sessionID)
			return writeEvent(resp, flusher, "done", map[string]string{"status": string(job.Status)})
		}
	}
}

func writeEvent(resp *echo.Response, flusher http.Flusher, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := resp.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

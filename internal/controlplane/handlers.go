package controlplane

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openmined/dirsync/internal/dirsync"
)

type Handler struct {
	ctl  Controller
	logs LogSource
	hist HistorySource
	done <-chan struct{}
}

func (h *Handler) Status(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.ctl.Status())
}

func (h *Handler) StartPass(c *gin.Context) {
	if err := h.ctl.StartPass(); err != nil {
		h.sessionError(c, err)
		return
	}
	c.PureJSON(http.StatusAccepted, &Response{Code: CodeOk})
}

func (h *Handler) Stop(c *gin.Context) {
	if err := h.ctl.Stop(); err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusOK, &Response{Code: CodeOk})
}

func (h *Handler) SetInterval(c *gin.Context) {
	var req IntervalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("interval: %w", err))
		return
	}

	if err := h.ctl.SetInterval(d); err != nil {
		h.sessionError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, &IntervalResponse{Code: CodeOk, Interval: d.String()})
}

func (h *Handler) Logs(c *gin.Context) {
	limit, err := queryLimit(c, defaultLogLimit)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	lines := []string{}
	if h.logs != nil {
		lines = append(lines, h.logs.Lines(limit)...)
	}
	c.PureJSON(http.StatusOK, &LogsResponse{Lines: lines})
}

// StreamLogs pushes new log lines as server-sent events until the client
// goes away or the server shuts down
func (h *Handler) StreamLogs(c *gin.Context) {
	streamer, ok := h.logs.(LogStreamer)
	if !ok {
		abortWithError(c, http.StatusNotFound, ErrCodeNotSupported, errors.New("log streaming is not available"))
		return
	}

	lines := streamer.Subscribe()
	defer streamer.Unsubscribe(lines)

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-h.done:
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			c.SSEvent("log", line)
			return true
		}
	})
}

func (h *Handler) History(c *gin.Context) {
	if h.hist == nil {
		abortWithError(c, http.StatusNotFound, ErrCodeHistoryDisabled, errors.New("pass history is disabled"))
		return
	}
	limit, err := queryLimit(c, defaultHistoryLimit)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	records, err := h.hist.Recent(limit)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusOK, records)
}

func (h *Handler) Failures(c *gin.Context) {
	if h.hist == nil {
		abortWithError(c, http.StatusNotFound, ErrCodeHistoryDisabled, errors.New("pass history is disabled"))
		return
	}

	failures, err := h.hist.Failures(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}
	c.PureJSON(http.StatusOK, failures)
}

func (h *Handler) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dirsync.ErrInvalidInterval):
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
	case errors.Is(err, dirsync.ErrIntervalUnsupported):
		abortWithError(c, http.StatusConflict, ErrCodeNotSupported, err)
	case errors.Is(err, dirsync.ErrSessionStopped):
		abortWithError(c, http.StatusConflict, ErrCodeSessionStopped, err)
	default:
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
	}
}

func queryLimit(c *gin.Context, def int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

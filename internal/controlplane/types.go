package controlplane

import "github.com/gin-gonic/gin"

const (
	CodeOk                 = "OK"
	ErrCodeBadRequest      = "ERR_BAD_REQUEST"
	ErrCodeUnauthorized    = "ERR_UNAUTHORIZED"
	ErrCodeSessionStopped  = "ERR_SESSION_STOPPED"
	ErrCodeNotSupported    = "ERR_NOT_SUPPORTED"
	ErrCodeHistoryDisabled = "ERR_HISTORY_DISABLED"
	ErrCodeUnknownError    = "ERR_UNKNOWN_ERROR"
)

const (
	defaultLogLimit     = 100
	defaultHistoryLimit = 20
)

type Response struct {
	Code string `json:"code"`
}

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type IntervalRequest struct {
	Interval string `json:"interval" binding:"required"`
}

type IntervalResponse struct {
	Code     string `json:"code"`
	Interval string `json:"interval"`
}

type LogsResponse struct {
	Lines []string `json:"lines"`
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	_ = c.Error(err)
	c.PureJSON(status, &ErrorResponse{Code: code, Error: err.Error()})
}

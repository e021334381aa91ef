package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"datacuration/internal/app"
	"datacuration/internal/errs"
	"datacuration/internal/transport/http/middleware"
	"datacuration/internal/transport/http/response"
)

// ErrorDetail is the client view of a taxonomy error.
type ErrorDetail struct {
	Kind       string `json:"kind"`
	Reason     string `json:"reason,omitempty"`
	DatasetID  uint   `json:"dataset_id,omitempty"`
	BatchStart int    `json:"batch_start,omitempty"`
	BatchEnd   int    `json:"batch_end,omitempty"`
	Record     int    `json:"record,omitempty"`
	Field      string `json:"field,omitempty"`
	Retryable  bool   `json:"retryable"`
}

func detailOf(e *errs.Error) ErrorDetail {
	return ErrorDetail{
		Kind:       string(e.Kind),
		Reason:     e.Reason,
		DatasetID:  e.DatasetID,
		BatchStart: e.BatchStart,
		BatchEnd:   e.BatchEnd,
		Record:     e.Record,
		Field:      e.Field,
		Retryable:  e.Retryable,
	}
}

// writeError maps service errors onto HTTP responses. Unknown errors are
// logged and answered with fallback.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrDatasetNotFound):
		response.Error(c, http.StatusNotFound, response.CodeDatasetNotFound, err.Error())
	case errors.Is(err, app.ErrQuestionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeQuestionNotFound, err.Error())
	case errors.Is(err, app.ErrReportNotFound):
		response.Error(c, http.StatusNotFound, response.CodeReportNotFound, err.Error())
	case errors.Is(err, app.ErrIngestInProgress):
		response.Error(c, http.StatusConflict, response.CodeIngestInProgress, err.Error())
	case errors.Is(err, app.ErrDatasetBusy), errors.Is(err, app.ErrStateConflict):
		response.Error(c, http.StatusConflict, response.CodeDatasetBusy, err.Error())
	default:
		var e *errs.Error
		if errors.As(err, &e) {
			status, code := statusOf(e.Kind)
			response.ErrorWithData(c, status, code, err.Error(), gin.H{"error": detailOf(e)})
			return
		}
		log.Printf("%s %s: %s: %v", c.Request.Method, c.FullPath(), fallback, err)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func statusOf(kind errs.Kind) (int, int) {
	switch kind {
	case errs.KindSchemaViolation:
		return http.StatusUnprocessableEntity, response.CodeSchemaViolation
	case errs.KindValidation:
		return http.StatusUnprocessableEntity, response.CodeValidation
	case errs.KindClassifierUnavailable, errs.KindIndexTimeout:
		return http.StatusServiceUnavailable, response.CodeUnavailable
	default:
		return http.StatusInternalServerError, response.CodeInternalServer
	}
}

func parseUintParam(c *gin.Context, key string) (uint, error) {
	u, err := strconv.ParseUint(c.Param(key), 10, 64)
	if err != nil || u == 0 {
		return 0, app.ErrInvalidInput
	}
	return uint(u), nil
}

func parseUintQuery(c *gin.Context, key string) (uint, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, app.ErrInvalidInput
	}
	return uint(u), nil
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

func getUsernameFromContext(c *gin.Context) (string, bool) {
	username := c.GetString(middleware.ContextUsernameKey)
	return username, username != ""
}

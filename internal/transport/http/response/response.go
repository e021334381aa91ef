package response

import "github.com/gin-gonic/gin"

const (
	CodeOK                = 0
	CodeBadRequest        = 40000
	CodeUnsupportedFormat = 40001
	CodeValidation        = 40002
	CodeSchemaViolation   = 40003
	CodeUnauthorized      = 40100
	CodeForbidden         = 40300
	CodeDatasetNotFound   = 40401
	CodeQuestionNotFound  = 40402
	CodeReportNotFound    = 40403
	CodeIngestInProgress  = 40901
	CodeDatasetBusy       = 40902
	CodePayloadTooLarge   = 41300
	CodeInternalServer    = 50000
	CodeUnavailable       = 50300
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData is Error plus a payload, e.g. the failed dataset.
func ErrorWithData(c *gin.Context, httpStatus, code int, message string, data interface{}) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

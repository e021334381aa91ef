package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"datacuration/internal/app"
	"datacuration/internal/errs"
	"datacuration/internal/model"
	"datacuration/internal/transport/http/response"
)

type DatasetHandler struct {
	ingestService  *app.IngestService
	maxUploadBytes int64
}

func NewDatasetHandler(ingestService *app.IngestService, maxUploadBytes int64) *DatasetHandler {
	return &DatasetHandler{ingestService: ingestService, maxUploadBytes: maxUploadBytes}
}

// Upload accepts either a multipart form (file, format, name) or the raw
// file as the request body with ?format= and ?name=. It answers once the
// dataset is indexed or has failed.
func (h *DatasetHandler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	var (
		body   io.Reader
		format = c.Query("format")
		name   = c.Query("name")
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "upload too large")
				return
			}
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file field")
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "open uploaded file failed")
			return
		}
		defer file.Close()
		body = file
		if v := c.PostForm("format"); v != "" {
			format = v
		}
		if format == "" {
			format = strings.TrimPrefix(strings.ToLower(filepath.Ext(fileHeader.Filename)), ".")
		}
		if v := c.PostForm("name"); v != "" {
			name = v
		}
		if name == "" {
			name = fileHeader.Filename
		}
	} else {
		body = c.Request.Body
	}

	sourceFormat, ok := parseFormat(format)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeUnsupportedFormat, "format must be csv or json")
		return
	}

	dataset, err := h.ingestService.Ingest(c.Request.Context(), app.UploadInput{
		Name:   name,
		Format: sourceFormat,
		Reader: body,
	})
	if err != nil {
		if isTooLarge(err) {
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "upload too large")
			return
		}
		var e *errs.Error
		if dataset != nil && errors.As(err, &e) {
			status, code := statusOf(e.Kind)
			response.ErrorWithData(c, status, code, err.Error(), gin.H{"dataset": dataset, "error": detailOf(e)})
			return
		}
		writeError(c, err, "ingest dataset failed")
		return
	}
	response.OK(c, dataset)
}

func (h *DatasetHandler) List(c *gin.Context) {
	page, err := h.ingestService.ListDatasets(queryInt(c, "page"), queryInt(c, "page_size"))
	if err != nil {
		writeError(c, err, "list datasets failed")
		return
	}
	response.OK(c, page)
}

func (h *DatasetHandler) Get(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid dataset id")
		return
	}
	dataset, err := h.ingestService.GetDataset(id)
	if err != nil {
		writeError(c, err, "get dataset failed")
		return
	}
	response.OK(c, dataset)
}

func parseFormat(s string) (model.SourceFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return model.FormatCSV, true
	case "json", "ndjson", "jsonl":
		return model.FormatJSON, true
	}
	return "", false
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

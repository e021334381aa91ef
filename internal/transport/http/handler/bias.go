package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"datacuration/internal/app"
	"datacuration/internal/transport/http/response"
)

type BiasHandler struct {
	biasService *app.BiasService
}

type CreateBiasReportRequest struct {
	ProtectedAttributes []string `json:"protected_attributes" binding:"required,min=1"`
}

func NewBiasHandler(biasService *app.BiasService) *BiasHandler {
	return &BiasHandler{biasService: biasService}
}

func (h *BiasHandler) Create(c *gin.Context) {
	datasetID, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid dataset id")
		return
	}
	var req CreateBiasReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	report, err := h.biasService.Analyze(c.Request.Context(), datasetID, req.ProtectedAttributes)
	if err != nil {
		writeError(c, err, "analyze dataset failed")
		return
	}
	response.OK(c, report)
}

func (h *BiasHandler) List(c *gin.Context) {
	datasetID, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid dataset id")
		return
	}
	reports, err := h.biasService.ListReports(datasetID)
	if err != nil {
		writeError(c, err, "list bias reports failed")
		return
	}
	response.OK(c, reports)
}

func (h *BiasHandler) Get(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid report id")
		return
	}
	report, err := h.biasService.GetReport(id)
	if err != nil {
		writeError(c, err, "get bias report failed")
		return
	}
	response.OK(c, report)
}

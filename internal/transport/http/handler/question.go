package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"datacuration/internal/app"
	"datacuration/internal/transport/http/response"
)

type QuestionHandler struct {
	retrievalService      *app.RetrievalService
	classificationService *app.ClassificationService
}

type OverrideClassificationRequest struct {
	Category   string `json:"category" binding:"required"`
	Difficulty string `json:"difficulty" binding:"required"`
}

func NewQuestionHandler(retrievalService *app.RetrievalService, classificationService *app.ClassificationService) *QuestionHandler {
	return &QuestionHandler{retrievalService: retrievalService, classificationService: classificationService}
}

func (h *QuestionHandler) List(c *gin.Context) {
	datasetID, err := parseUintQuery(c, "dataset_id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid dataset_id")
		return
	}
	in := app.QuestionListInput{
		DatasetID:  datasetID,
		Category:   c.Query("category"),
		Difficulty: c.Query("difficulty"),
		Page:       queryInt(c, "page"),
		PageSize:   queryInt(c, "page_size"),
	}
	if s := c.Query("needs_review"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid needs_review")
			return
		}
		in.NeedsReview = &v
	}
	page, err := h.retrievalService.ListQuestions(in)
	if err != nil {
		writeError(c, err, "list questions failed")
		return
	}
	response.OK(c, page)
}

func (h *QuestionHandler) Search(c *gin.Context) {
	datasetID, err := parseUintQuery(c, "dataset_id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid dataset_id")
		return
	}
	page, err := h.retrievalService.Search(c.Request.Context(), app.SearchInput{
		Keyword:    c.Query("keyword"),
		Category:   c.Query("category"),
		Difficulty: c.Query("difficulty"),
		DatasetID:  datasetID,
		Page:       queryInt(c, "page"),
		PageSize:   queryInt(c, "page_size"),
	})
	if err != nil {
		writeError(c, err, "search questions failed")
		return
	}
	response.OK(c, page)
}

func (h *QuestionHandler) Get(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid question id")
		return
	}
	question, err := h.retrievalService.GetQuestion(id)
	if err != nil {
		writeError(c, err, "get question failed")
		return
	}
	response.OK(c, question)
}

func (h *QuestionHandler) Classifications(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid question id")
		return
	}
	history, err := h.classificationService.History(id)
	if err != nil {
		writeError(c, err, "list classifications failed")
		return
	}
	response.OK(c, history)
}

func (h *QuestionHandler) OverrideClassification(c *gin.Context) {
	reviewer, ok := getUsernameFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid question id")
		return
	}
	var req OverrideClassificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	result, err := h.classificationService.Override(c.Request.Context(), app.OverrideInput{
		QuestionID: id,
		Category:   req.Category,
		Difficulty: req.Difficulty,
		ReviewedBy: reviewer,
	})
	if err != nil {
		writeError(c, err, "override classification failed")
		return
	}
	response.OK(c, result)
}

// Answers is the only route that returns answer content.
func (h *QuestionHandler) Answers(c *gin.Context) {
	questionID, err := parseUintQuery(c, "question_id")
	if err != nil || questionID == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "question_id is required")
		return
	}
	answers, err := h.retrievalService.ListAnswers(questionID)
	if err != nil {
		writeError(c, err, "list answers failed")
		return
	}
	response.OK(c, answers)
}

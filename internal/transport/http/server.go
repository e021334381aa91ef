package http

import (
	"github.com/gin-gonic/gin"

	"datacuration/internal/bootstrap"
	"datacuration/internal/pkg/jwtutil"
	"datacuration/internal/transport/http/handler"
	"datacuration/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	datasetHandler := handler.NewDatasetHandler(app.Ingest, int64(app.Config.App.MaxUploadMB)<<20)
	questionHandler := handler.NewQuestionHandler(app.Retrieval, app.Classification)
	biasHandler := handler.NewBiasHandler(app.Bias)

	writer := middleware.RequireRole(jwtutil.RoleAdmin, jwtutil.RoleReviewer)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))

	datasetGroup := v1.Group("/datasets")
	datasetGroup.POST("", writer, datasetHandler.Upload)
	datasetGroup.GET("", datasetHandler.List)
	datasetGroup.GET("/:id", datasetHandler.Get)
	datasetGroup.POST("/:id/bias-reports", writer, biasHandler.Create)
	datasetGroup.GET("/:id/bias-reports", biasHandler.List)

	questionGroup := v1.Group("/questions")
	questionGroup.GET("", questionHandler.List)
	questionGroup.GET("/search", questionHandler.Search)
	questionGroup.GET("/:id", questionHandler.Get)
	questionGroup.GET("/:id/classifications", questionHandler.Classifications)
	questionGroup.PUT("/:id/classification", writer, questionHandler.OverrideClassification)

	v1.GET("/answers", questionHandler.Answers)
	v1.GET("/bias-reports/:id", biasHandler.Get)

	return router
}

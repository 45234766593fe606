package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sendlater/internal/api"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(emailHandler *api.EmailHandler) *Router {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	emails := r.Group("/api/emails")
	{
		emails.POST("/schedule", emailHandler.Schedule)
		emails.GET("/scheduled", emailHandler.ListScheduled)
		emails.GET("/sent", emailHandler.ListSent)
		emails.GET("/:id", emailHandler.GetByID)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(":" + port)
}

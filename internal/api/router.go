package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with CORS for the frontend origin and all
// routes registered.
func NewRouter(h *Handler, frontendURL string) *gin.Engine {
	r := gin.Default()

	headers := cors.DefaultConfig()
	if frontendURL != "" {
		headers.AllowOrigins = []string{frontendURL}
		headers.AllowCredentials = true
	} else {
		headers.AllowAllOrigins = true
	}
	headers.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	headers.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	headers.ExposeHeaders = []string{"Content-Length", "Retry-After"}
	headers.MaxAge = 12 * time.Hour
	r.Use(cors.New(headers))

	h.RegisterRoutes(r)
	return r
}

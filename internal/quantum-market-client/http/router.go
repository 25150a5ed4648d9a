package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(h *Handler) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     h.origins.list(),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.GET("/healthz", h.Health)
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	api := r.Group("/api")
	{
		api.GET("/session", h.Session)
		api.POST("/session/connect", h.Connect)
		api.POST("/session/logout", h.Logout)
		api.GET("/session/stream", h.Stream)

		api.GET("/chains", h.Chains)
		api.GET("/wallet/providers", h.WalletProviders)

		api.GET("/networks", h.Networks)
		api.GET("/networks/:networkId", h.Network)
		api.POST("/networks/probe", h.ProbeNetwork)
	}

	return r
}

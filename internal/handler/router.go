package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/chatdistill/internal/middleware"
)

type RouterDeps struct {
	Interactions *InteractionHandler
	Indexer      *IndexerHandler
	JWTSecret    []byte
	RunRateLimit time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))
	authGroup.POST("/interactions", deps.Interactions.Append)

	indexerGroup := authGroup.Group("/indexer")
	indexerGroup.Use(middleware.RateLimit(deps.RunRateLimit))
	indexerGroup.POST("/run", deps.Indexer.Run)
	indexerGroup.GET("/state", deps.Indexer.State)
}

package handlers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/pbx-bridge/internal/bridge"
	"github.com/troikatech/pbx-bridge/pkg/ari"
	"github.com/troikatech/pbx-bridge/pkg/env"
	"github.com/troikatech/pbx-bridge/pkg/logger"
)

type Handler struct {
	cfg         *env.Config
	redisClient *redis.Client
	ariClient   *ari.Client
	registry    *bridge.Registry
	ports       *bridge.PortAllocator
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
}

func NewHandler(
	cfg *env.Config,
	redisClient *redis.Client,
	ariClient *ari.Client,
	registry *bridge.Registry,
	ports *bridge.PortAllocator,
	gatherer prometheus.Gatherer,
) *Handler {
	return &Handler{
		cfg:         cfg,
		redisClient: redisClient,
		ariClient:   ariClient,
		registry:    registry,
		ports:       ports,
		gatherer:    gatherer,
		logger:      logger.Log,
	}
}

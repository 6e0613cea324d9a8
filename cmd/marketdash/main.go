package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketdash/internal/adspend"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/dashboard"
	"github.com/smallbiznis/marketdash/internal/dashboard/cache"
	"github.com/smallbiznis/marketdash/internal/dataset"
	"github.com/smallbiznis/marketdash/internal/job"
	"github.com/smallbiznis/marketdash/internal/logger"
	"github.com/smallbiznis/marketdash/internal/migration"
	"github.com/smallbiznis/marketdash/internal/objectstore"
	"github.com/smallbiznis/marketdash/internal/observability/metrics"
	"github.com/smallbiznis/marketdash/internal/observability/tracing"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/internal/server"
	"github.com/smallbiznis/marketdash/internal/user"
	"github.com/smallbiznis/marketdash/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		tracing.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		queue.Module,
		objectstore.Module,
		cache.Module,

		// Functional domains
		user.Module,
		dataset.Module,
		job.Module,
		dashboard.Module,
		adspend.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

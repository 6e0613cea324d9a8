package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketdash/internal/clock"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/dashboard/cache"
	"github.com/smallbiznis/marketdash/internal/ingest"
	"github.com/smallbiznis/marketdash/internal/logger"
	"github.com/smallbiznis/marketdash/internal/objectstore"
	"github.com/smallbiznis/marketdash/internal/observability/metrics"
	"github.com/smallbiznis/marketdash/internal/observability/tracing"
	"github.com/smallbiznis/marketdash/internal/queue"
	"github.com/smallbiznis/marketdash/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		queue.Module,
		objectstore.Module,
		cache.Module,

		ingest.Module,
	)
	app.Run()
}

// Workers mint row ids on a separate snowflake node so they never collide
// with ids minted by the API process.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mawared/internal/clock"
	"github.com/smallbiznis/mawared/internal/config"
	"github.com/smallbiznis/mawared/internal/lock"
	"github.com/smallbiznis/mawared/internal/migration"
	"github.com/smallbiznis/mawared/internal/observability"
	"github.com/smallbiznis/mawared/internal/server"
	"github.com/smallbiznis/mawared/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// Settings, payment pipeline and HTTP routes
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

package migration

import (
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/smallbiznis/marketdash/internal/config"
	"github.com/smallbiznis/marketdash/internal/seed"
	pkgdb "github.com/smallbiznis/marketdash/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module applies the embedded migrations on startup over a dedicated lib/pq
// connection, then seeds optional demo data through the shared gorm handle.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType != "postgres" {
			log.Info("skipping migrations for non-postgres database",
				zap.String("db_type", cfg.DBType))
			return nil
		}

		migDB, err := sql.Open("postgres", pkgdb.PostgresDSN(cfg))
		if err != nil {
			return err
		}
		defer migDB.Close()

		if err := RunMigrations(migDB); err != nil {
			return err
		}
		log.Info("migrations applied")

		if cfg.SeedDemoUser {
			return seed.EnsureDemoUser(conn, cfg)
		}
		return nil
	}),
)

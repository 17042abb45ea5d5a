package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/zonal-stats/internal/cache"
	"github.com/sells-group/zonal-stats/internal/config"
	"github.com/sells-group/zonal-stats/internal/engine"
	"github.com/sells-group/zonal-stats/internal/failure"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "zonal-stats",
	Short: "Zonal statistics over raster imagery",
	Long:  "Computes per-zone raster statistics (rainfall, population, flood extent) with optional grouping, vector overlays and raster masks.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

// buildEngine wires the engine to an on-disk cache.
func buildEngine(c *config.Config) (*engine.Engine, *cache.Cache) {
	ac := engine.NewCache(c, afero.NewOsFs())
	return engine.New(engine.ConfigFrom(c), ac), ac
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch failure.KindOf(err) {
	case failure.InvalidRequest:
		return 2
	case failure.FilterKeyNotFound:
		return 3
	case failure.FetchFailed:
		return 4
	default:
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

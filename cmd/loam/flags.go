package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/hub"
	"github.com/samcharles93/loam/internal/logger"
	"github.com/samcharles93/loam/internal/runstore"
)

var (
	logLevel  string
	logFormat string
	modelsDir string
	dataDir   string
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func pathFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "models-dir",
			Usage:       "snapshot cache root (overrides LOAM_MODELS_DIR)",
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "run registry root (overrides LOAM_DATA_DIR)",
			Destination: &dataDir,
		},
	}
}

// setupLog builds the process logger from the logging flags.
func setupLog() logger.Logger {
	return logger.Setup(os.Stderr, logLevel, logFormat)
}

// applyPathFlags maps the directory flags onto the env vars the
// library packages read, so flags, env and defaults resolve through
// one mechanism.
func applyPathFlags() {
	if modelsDir != "" {
		_ = os.Setenv(hub.EnvModelsDir, modelsDir)
	}
	if dataDir != "" {
		_ = os.Setenv(runstore.EnvDataDir, dataDir)
	}
}

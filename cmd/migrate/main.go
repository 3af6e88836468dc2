package main

import (
	"flag"
	"strconv"

	"github.com/propertyhub/rules/internal/config"
	"github.com/propertyhub/rules/internal/logger"
	"github.com/propertyhub/rules/internal/schema"
)

func main() {
	var configPath, databaseURL, migrationsPath, command string

	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to the configured DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "", "Path to a migrations directory (defaults to the embedded migrations)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	if err := logger.Configure(logger.Options{Level: cfg.Log.Level}); err != nil {
		logger.Fatal("failed to configure logger", "error", err)
	}

	if databaseURL == "" {
		databaseURL = cfg.Database.URL
	}
	if databaseURL == "" {
		logger.Fatal("database URL is required, use -database or DATABASE_URL")
	}

	source := migrationsPath
	if source == "" {
		source = "embedded"
	}
	logger.Info("connecting to database", "migrations", source)

	mg, err := schema.New(databaseURL, migrationsPath)
	if err != nil {
		logger.Fatal("failed to open migrator", "error", err)
	}
	defer mg.Close()

	switch command {
	case "up":
		if err := mg.Up(); err != nil {
			logger.Fatal("migration failed", "error", err)
		}

	case "down":
		logger.Info("rolling back migrations")
		if err := mg.Down(); err != nil {
			logger.Fatal("rollback failed", "error", err)
		}
		logger.Info("rollback completed")

	case "version":
		version, dirty, err := mg.Version()
		if err != nil {
			logger.Fatal("failed to get version", "error", err)
		}
		logger.Info("current version", "version", version, "dirty", dirty)

	case "force":
		if flag.NArg() < 1 {
			logger.Fatal("force requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			logger.Fatal("invalid version number", "error", err)
		}
		if err := mg.Force(version); err != nil {
			logger.Fatal("force failed", "error", err)
		}
		logger.Info("forced version", "version", version)

	default:
		logger.Fatal("unknown command, use up, down, version or force", "command", command)
	}
}

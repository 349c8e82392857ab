package main

import (
	"fmt"
	"os"
	"strconv"

	"soundswap/internal/config"
	"soundswap/internal/db"
	"soundswap/internal/logging"
)

// usage: migrate [up|down [steps]|version]
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	switch command {
	case "up":
		err = db.RunMigrations(database, cfg.MigrationsPath)
	case "down":
		steps := 1
		if len(os.Args) > 2 {
			if steps, err = strconv.Atoi(os.Args[2]); err != nil || steps <= 0 {
				logger.Error("invalid step count", "value", os.Args[2])
				os.Exit(2)
			}
		}
		err = db.RollbackMigrations(database, cfg.MigrationsPath, steps)
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = db.MigrationVersion(database, cfg.MigrationsPath)
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
		}
	default:
		logger.Error("unknown command", "command", command)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command, "path", cfg.MigrationsPath)
}

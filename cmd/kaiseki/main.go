package main

import (
	"fmt"
	"os"

	"github.com/wyf7685/kaiseki/common/environment"
	"github.com/wyf7685/kaiseki/common/version"
	"github.com/wyf7685/kaiseki/internal/kaiseki/app"
	"github.com/wyf7685/kaiseki/internal/kaiseki/config"
	"github.com/wyf7685/kaiseki/internal/kaiseki/observability"
)

func main() {
	fmt.Printf("Kaiseki Analysis Runtime\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	observability.Setup(
		environment.StringOr("KAISEKI_LOG_LEVEL", "info"),
		environment.StringOr("KAISEKI_LOG_FORMAT", "text"),
	)

	cfg, err := config.Load(environment.StringOr("KAISEKI_CONFIG", "kaiseki.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	kaiseki, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kaiseki: %v\n", err)
		os.Exit(1)
	}
	defer kaiseki.Stop()

	if err := kaiseki.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kaiseki: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/samcharles93/loam/internal/version"

	"github.com/urfave/cli/v3"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			fmt.Printf("loam %s\n", version.String())
			fmt.Printf("go:         %s\n", info.GoVersion)
			fmt.Printf("platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			return nil
		},
	}
}

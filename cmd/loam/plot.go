package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loam/internal/plot"
	"github.com/samcharles93/loam/internal/train"
)

func plotCmd() *cli.Command {
	var (
		statePath string
		svgOut    string
		ascii     bool
		width     int64
		height    int64
		title     string
	)

	return &cli.Command{
		Name:  "plot",
		Usage: "Render loss curves from a saved trainer state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "state",
				Aliases:     []string{"s"},
				Usage:       "path to trainer_state.json",
				Value:       train.StateFile,
				Destination: &statePath,
			},
			&cli.StringFlag{
				Name:        "svg",
				Usage:       "write an SVG chart to this path",
				Destination: &svgOut,
			},
			&cli.BoolFlag{
				Name:        "ascii",
				Usage:       "print the curve to stdout",
				Destination: &ascii,
			},
			&cli.Int64Flag{
				Name:        "width",
				Usage:       "SVG width in pixels",
				Destination: &width,
			},
			&cli.Int64Flag{
				Name:        "height",
				Usage:       "SVG height in pixels",
				Destination: &height,
			},
			&cli.StringFlag{
				Name:        "title",
				Usage:       "chart title",
				Destination: &title,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			state, err := train.LoadState(statePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if svgOut != "" {
				opts := plot.Options{Width: int(width), Height: int(height), Title: title}
				if err := plot.SVGFile(svgOut, state, opts); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				fmt.Printf("chart written to %s\n", svgOut)
			}
			if ascii || svgOut == "" {
				if err := plot.RenderASCII(os.Stdout, state, 0, 0); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			return nil
		},
	}
}

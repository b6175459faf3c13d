package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/sandeshapp/sandesh/pkg/config"
	"github.com/urfave/cli/v3"
)

// StatsCommand shows archive statistics.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show local archive statistics",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			arch, err := openArchive(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = arch.Close() }()

			stats, err := arch.Stats()
			if err != nil {
				return fmt.Errorf("reading stats: %w", err)
			}

			fmt.Printf("📊 Archive Statistics\n")
			fmt.Printf("═══════════════════════\n\n")
			fmt.Printf("Total messages: %s\n\n", formatNumber(stats["total"]))

			var names []string
			for name := range stats {
				if name != "total" {
					names = append(names, name)
				}
			}
			if len(names) == 0 {
				fmt.Println("No archived conversations yet.")
				return nil
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %s: %s\n", name, formatNumber(stats[name]))
			}
			return nil
		},
	}
}

package cmd

import (
	"context"
	"fmt"

	"github.com/sandeshapp/sandesh/pkg/config"
	"github.com/urfave/cli/v3"
)

// HistoryCommand prints an archived conversation without connecting.
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show the locally archived thread of a conversation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "peer",
				Usage: "Peer user identifier for a direct conversation",
			},
			&cli.StringFlag{
				Name:  "group",
				Usage: "Group identifier for a group conversation",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of messages to show (0 for all)",
				Value: 50,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			key, err := resolveKey(c.String("peer"), c.String("group"))
			if err != nil {
				return err
			}

			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			arch, err := openArchive(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = arch.Close() }()

			limit := c.Int("limit")
			msgs, err := arch.Thread(key)
			if err != nil {
				return fmt.Errorf("reading archive: %w", err)
			}
			if limit > 0 && len(msgs) > limit {
				msgs, err = arch.Recent(key, limit)
				if err != nil {
					return fmt.Errorf("reading archive: %w", err)
				}
			}
			if len(msgs) == 0 {
				fmt.Printf("No archived messages for %s\n", key)
				return nil
			}

			fmt.Println(conversationTitle(key.Kind, key.ID))
			fmt.Print(renderMessages(msgs, cfg.SelfID))
			return nil
		},
	}
}

// ConversationsCommand lists archived conversations.
func ConversationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conversations",
		Usage: "List conversations present in the local archive",
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

			keys, err := arch.Conversations()
			if err != nil {
				return fmt.Errorf("listing conversations: %w", err)
			}
			if len(keys) == 0 {
				fmt.Println("No archived conversations yet.")
				return nil
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sandeshapp/sandesh/pkg/conversation"
	"github.com/sandeshapp/sandesh/pkg/session"
	"github.com/urfave/cli/v3"
)

// SendCommand creates the one-shot send command.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a single message and exit",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "peer",
				Usage: "Peer user identifier for a direct conversation",
			},
			&cli.StringFlag{
				Name:  "group",
				Usage: "Group identifier for a group conversation",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			key, err := resolveKey(c.String("peer"), c.String("group"))
			if err != nil {
				return err
			}
			body := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if body == "" {
				return fmt.Errorf("nothing to send")
			}

			rt, err := newRuntime(c.String("config"))
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.m.Connect(rt.cfg.Token); err != nil {
				if errors.Is(err, session.ErrAuthFailed) {
					return fmt.Errorf("authentication rejected; check the configured token")
				}
				return fmt.Errorf("connecting: %w", err)
			}
			if _, err := rt.m.Open(conversation.Descriptor{Kind: key.Kind, ID: key.ID, DisplayName: key.ID}); err != nil {
				return fmt.Errorf("opening conversation: %w", err)
			}

			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if _, err := rt.m.Send(sendCtx, key, body, nil); err != nil {
				return fmt.Errorf("sending: %w", err)
			}
			fmt.Printf("Sent to %s\n", key)
			return nil
		},
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/sandeshapp/sandesh/pkg/config"
	"github.com/sandeshapp/sandesh/pkg/wire"
	"github.com/urfave/cli/v3"
)

// exportRecord is one NDJSON line in an export stream.
type exportRecord struct {
	Conversation string       `json:"conversation"`
	Message      wire.Message `json:"message"`
}

// ExportCommand streams the local archive as zstd-compressed NDJSON.
//
// Typical usage:
//
//	sandesh export --output backup.ndjson.zst
//	sandesh export --peer 42 --output thread.ndjson.zst
//	sandesh export | zstd -d | jq .message.body
func ExportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export archived messages as zstd-compressed NDJSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "peer",
				Usage: "Limit the export to one direct conversation",
			},
			&cli.StringFlag{
				Name:  "group",
				Usage: "Limit the export to one group conversation",
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Output file (defaults to stdout)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return exportArchive(c.String("config"), c.String("peer"), c.String("group"), c.String("output"))
		},
	}
}

func exportArchive(configPath, peer, group, output string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	arch, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = arch.Close() }()

	var keys []wire.ConversationKey
	if peer != "" || group != "" {
		key, err := resolveKey(peer, group)
		if err != nil {
			return err
		}
		keys = []wire.ConversationKey{key}
	} else {
		keys, err = arch.Conversations()
		if err != nil {
			return fmt.Errorf("listing conversations: %w", err)
		}
	}

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	total := 0
	for _, key := range keys {
		msgs, err := arch.Thread(key)
		if err != nil {
			_ = zw.Close()
			return fmt.Errorf("reading %s: %w", key, err)
		}
		for _, msg := range msgs {
			if err := enc.Encode(exportRecord{Conversation: key.String(), Message: msg}); err != nil {
				_ = zw.Close()
				return fmt.Errorf("encoding message %s: %w", msg.ID, err)
			}
			total++
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("flushing export: %w", err)
	}
	if output != "" {
		fmt.Printf("Exported %d messages from %d conversations to %s\n", total, len(keys), output)
	}
	return nil
}

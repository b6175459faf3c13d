package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandeshapp/sandesh/pkg/archive"
	"github.com/sandeshapp/sandesh/pkg/config"
	"github.com/sandeshapp/sandesh/pkg/messenger"
	"github.com/sandeshapp/sandesh/pkg/router"
	"github.com/sandeshapp/sandesh/pkg/session"
	"github.com/sandeshapp/sandesh/pkg/transport"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// runtime bundles everything a connected command needs.
type runtime struct {
	cfg  *config.Config
	m    *messenger.Messenger
	arch *archive.Archive
}

// newRuntime loads the config and assembles the messenger stack. The
// caller is responsible for calling close when done.
func newRuntime(configPath string) (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url not configured; run 'sandesh init' and edit %s", configPath)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token not configured in %s", configPath)
	}

	arch, err := openArchive(cfg)
	if err != nil {
		return nil, err
	}

	r := router.New()
	sess := session.New(transport.NewWSDialer(cfg.Reconnect.DialTimeout.Duration), r, session.Options{
		URL:          cfg.ServerURL,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		InitialDelay: cfg.Reconnect.InitialDelay.Duration,
		MaxDelay:     cfg.Reconnect.MaxDelay.Duration,
		DialTimeout:  cfg.Reconnect.DialTimeout.Duration,
	})
	rest := newRESTClient(cfg.APIURL, cfg.Token)
	m := messenger.New(sess, r, rest, rest, arch, messenger.Options{
		SelfID:     cfg.SelfID,
		PageSize:   cfg.PageSize,
		AckTimeout: cfg.AckTimeout.Duration,
		TypingTTL:  cfg.TypingTTL.Duration,
	})

	return &runtime{cfg: cfg, m: m, arch: arch}, nil
}

func (rt *runtime) close() {
	rt.m.Close()
	if rt.arch != nil {
		if err := rt.arch.Close(); err != nil {
			fmt.Printf("Warning: failed to close archive: %v\n", err)
		}
	}
}

// openArchive opens the per-identity archive database. Commands that only
// read history use this without building the full runtime.
func openArchive(cfg *config.Config) (*archive.Archive, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir not configured")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	name := "messages.db"
	if cfg.SelfID != "" {
		name = fmt.Sprintf("messages-%s.db", cfg.SelfID)
	}
	arch, err := archive.Open(filepath.Join(cfg.DataDir, name))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return arch, nil
}

// resolveKey turns the --peer/--group flag pair into a conversation key.
func resolveKey(peer, group string) (wire.ConversationKey, error) {
	switch {
	case peer != "" && group != "":
		return wire.ConversationKey{}, fmt.Errorf("use either --peer or --group, not both")
	case peer != "":
		return wire.DirectKey(peer), nil
	case group != "":
		return wire.GroupKey(group), nil
	}
	return wire.ConversationKey{}, fmt.Errorf("a conversation is required (--peer or --group)")
}


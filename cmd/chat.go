package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sandeshapp/sandesh/pkg/conversation"
	"github.com/sandeshapp/sandesh/pkg/log"
	"github.com/sandeshapp/sandesh/pkg/session"
	"github.com/sandeshapp/sandesh/pkg/wire"
	"github.com/urfave/cli/v3"
)

// ChatCommand creates the interactive chat command.
//
// Typical usage:
//
//	sandesh chat --peer 42
//	sandesh chat --group ward-12 --name "Ward 12"
//
// Lines typed at the prompt are sent as messages. Slash commands:
//
//	/read          mark the newest unread message read
//	/older         load the next older history page
//	/retry <key>   retry a failed send
//	/quit          exit
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Open a conversation and chat interactively",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "peer",
				Usage: "Peer user identifier for a direct conversation",
			},
			&cli.StringFlag{
				Name:  "group",
				Usage: "Group identifier for a group conversation",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Display name for the conversation banner",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			key, err := resolveKey(c.String("peer"), c.String("group"))
			if err != nil {
				return err
			}
			return runChat(ctx, c.String("config"), key, c.String("name"))
		},
	}
}

func runChat(ctx context.Context, configPath string, key wire.ConversationKey, name string) error {
	rt, err := newRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	logger := log.ForComponent("chat")

	if err := rt.m.Connect(rt.cfg.Token); err != nil {
		if errors.Is(err, session.ErrAuthFailed) {
			return fmt.Errorf("authentication rejected; check the token in %s", configPath)
		}
		return fmt.Errorf("connecting: %w", err)
	}

	// Connection state changes print as a passive indicator; they never
	// block the prompt.
	rt.m.Router().Subscribe(wire.EventConnState, func(env wire.Envelope) {
		switch env.State {
		case session.StateConnected.String():
			fmt.Println(metaStyle.Render("● connected"))
		case session.StateReconnecting.String():
			fmt.Println(metaStyle.Render("○ reconnecting..."))
		case session.StateFailed.String():
			fmt.Println(failedStyle.Render("○ connection failed, messages will be queued"))
		}
	})
	rt.m.Router().Subscribe(wire.EventGroupMemberAdded, func(env wire.Envelope) {
		if env.Key() == key && env.SenderID != "" {
			fmt.Println(metaStyle.Render(fmt.Sprintf("→ %s joined", env.SenderID)))
		}
	})
	rt.m.Router().Subscribe(wire.EventGroupMemberLeft, func(env wire.Envelope) {
		if env.Key() == key && env.SenderID != "" {
			fmt.Println(metaStyle.Render(fmt.Sprintf("← %s left", env.SenderID)))
		}
	})

	if name == "" {
		name = key.ID
	}
	handle, err := rt.m.Open(conversation.Descriptor{Kind: key.Kind, ID: key.ID, DisplayName: name})
	if err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}
	defer rt.m.CloseConversation(key)

	if _, err := rt.m.LoadOlder(ctx, key); err != nil {
		logger.Warnf("initial history fetch failed: %v", err)
		fmt.Println(metaStyle.Render("(history unavailable, showing local archive)"))
	}

	fmt.Println(conversationTitle(key.Kind, name))
	fmt.Print(renderThread(handle.Store.Snapshot(), rt.cfg.SelfID))

	updates := make(chan struct{}, 1)
	handle.Store.SetOnUpdate(func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	watchConfig(ctx, configPath, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := readLines(ctx)
	wasTyping := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			fmt.Println("\nClosing conversation...")
			return nil
		case <-updates:
			if handle.Store.Typing() {
				if !wasTyping {
					fmt.Println(typingStyle.Render("typing..."))
					wasTyping = true
				}
			} else {
				wasTyping = false
			}
			recs := handle.Store.Snapshot()
			if len(recs) > 0 {
				fmt.Println(renderRecord(recs[len(recs)-1], rt.cfg.SelfID))
			}
			if n := handle.Store.UnreadCount(); n > 0 {
				fmt.Println(metaStyle.Render(fmt.Sprintf("%d unread", n)))
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleInput(ctx, rt, key, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Println(failedStyle.Render(err.Error()))
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleInput(ctx context.Context, rt *runtime, key wire.ConversationKey, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	handle, ok := rt.m.Registry().Get(key)
	if !ok {
		return fmt.Errorf("conversation no longer open")
	}

	switch {
	case line == "/quit":
		return errQuit
	case line == "/older":
		n, err := rt.m.LoadOlder(ctx, key)
		if err != nil {
			return fmt.Errorf("loading older messages: %w", err)
		}
		fmt.Println(metaStyle.Render(fmt.Sprintf("loaded %d older messages", n)))
		fmt.Print(renderThread(handle.Store.Snapshot(), rt.cfg.SelfID))
		return nil
	case line == "/read":
		recs := handle.Store.Snapshot()
		for i := len(recs) - 1; i >= 0; i-- {
			rec := recs[i]
			if rec.SenderID != rt.cfg.SelfID && rec.ReadAt == nil && !rec.Deleted {
				return rt.m.MarkRead(key, rec.ID)
			}
		}
		return nil
	case strings.HasPrefix(line, "/retry "):
		return rt.m.Retry(ctx, key, strings.TrimSpace(strings.TrimPrefix(line, "/retry ")))
	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %s", line)
	}

	_ = rt.m.SetTyping(key, false)
	if _, err := rt.m.Send(ctx, key, line, nil); err != nil {
		return fmt.Errorf("send failed (kept for retry): %w", err)
	}
	return nil
}

// readLines feeds stdin lines to a channel so the main loop can also react
// to store updates and signals.
func readLines(ctx context.Context) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// watchConfig reloads the debug flag when the config file changes. Token
// and endpoint changes need a restart; we only note them.
func watchConfig(ctx context.Context, configPath string, logger *log.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("failed to create config file watcher: %v", err)
		return
	}
	if err := watcher.Add(configPath); err != nil {
		logger.Warnf("failed to watch config file %s: %v", configPath, err)
		_ = watcher.Close()
		return
	}
	logger.Debugf("watching config file for changes: %s", configPath)

	go func() {
		defer func() { _ = watcher.Close() }()
		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// Editors fire bursts of events per save.
				if time.Since(last) < 500*time.Millisecond {
					continue
				}
				last = time.Now()
				fmt.Println(metaStyle.Render("config changed; endpoint and token changes apply on restart"))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("config watcher error: %v", err)
			}
		}
	}()
}

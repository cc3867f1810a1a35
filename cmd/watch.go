package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/datocms/commentsync/internal/config"
	"github.com/datocms/commentsync/internal/devserver"
	"github.com/datocms/commentsync/internal/logging"
	"github.com/datocms/commentsync/internal/mention"
	"github.com/datocms/commentsync/internal/queue"
	"github.com/datocms/commentsync/internal/remote"
	"github.com/datocms/commentsync/internal/store"
	"github.com/datocms/commentsync/internal/subscription"
)

// WatchCommand returns the watch command: follow a thread and print its
// state as it changes. Live updates ride the SSE feed; while the feed is
// down the command falls back to fixed-interval polling.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow a thread and print comment updates",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "Model id of the target record"},
			&cli.StringFlag{Name: "record", Usage: "Record id of the target record"},
			&cli.BoolFlag{Name: "project", Usage: "Watch the project-wide channel"},
		},
		Action: runWatch,
	}
}

func runWatch(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logging.Setup(cfg.Log.Level)

	key, err := threadKeyFromFlags(c)
	if err != nil {
		return err
	}

	remoteStore := remote.NewHTTPStore(cfg.Remote.URL, cfg.Remote.Token)
	transport := devserver.NewSSETransport(cfg.Remote.URL, cfg.Remote.Token, log)
	engine := store.New(remoteStore, transport, queue.Config{Jitter: true}, log)
	defer engine.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Open(ctx, key); err != nil {
		return fmt.Errorf("failed to open thread: %w", err)
	}
	defer engine.Close(key)

	snapshots, stop := engine.Watch(key)
	defer stop()

	poll := time.NewTicker(subscription.PollingInterval)
	defer poll.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	fmt.Printf("Watching %s\n", key)
	for {
		select {
		case <-quit:
			return nil
		case snap := <-snapshots:
			printSnapshot(snap)
		case <-poll.C:
			if engine.Snapshot(key).SubscriptionStatus != subscription.StatusOpen {
				engine.Refresh(key)
			}
		}
	}
}

func printSnapshot(snap store.Snapshot) {
	fmt.Printf("-- %d comment(s), live: %s", len(snap.Comments), snap.SubscriptionStatus)
	if snap.Retry.IsRetrying {
		fmt.Printf(", %s (attempt %d)", snap.Retry.Message, snap.Retry.RetryCount)
	}
	fmt.Println()
	for _, comment := range snap.Comments {
		fmt.Printf("  [%s] %s: %s\n",
			comment.CreatedAt.Local().Format("15:04:05"),
			comment.AuthorID,
			mention.Serialize(comment.Segments))
	}
}

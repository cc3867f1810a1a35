package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/datocms/commentsync/internal/comments"
	"github.com/datocms/commentsync/internal/config"
	"github.com/datocms/commentsync/internal/logging"
	"github.com/datocms/commentsync/internal/mention"
	"github.com/datocms/commentsync/internal/queue"
	"github.com/datocms/commentsync/internal/remote"
	"github.com/datocms/commentsync/internal/store"
)

// PostCommand returns the post command: submit one comment to a record
// thread or the project-wide channel.
func PostCommand() *cli.Command {
	return &cli.Command{
		Name:  "post",
		Usage: "Post a comment to a thread",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "Model id of the target record"},
			&cli.StringFlag{Name: "record", Usage: "Record id of the target record"},
			&cli.BoolFlag{Name: "project", Usage: "Post to the project-wide channel"},
			&cli.StringFlag{Name: "author", Usage: "Author id", Required: true},
			&cli.StringFlag{Name: "text", Usage: "Comment text", Required: true},
			&cli.StringSliceFlag{
				Name:  "candidate",
				Usage: "Mention candidate as kind:id:label (repeatable)",
			},
		},
		Action: runPost,
	}
}

func runPost(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logging.Setup(cfg.Log.Level)

	key, err := threadKeyFromFlags(c)
	if err != nil {
		return err
	}

	candidates, err := parseCandidates(c.StringSlice("candidate"))
	if err != nil {
		return err
	}

	remoteStore := remote.NewHTTPStore(cfg.Remote.URL, cfg.Remote.Token)
	engine := store.New(remoteStore, nil, queue.Config{Jitter: true}, log)
	defer engine.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), queue.MaxDuration+10*time.Second)
	defer cancel()

	if err := engine.Open(ctx, key); err != nil {
		return fmt.Errorf("failed to open thread: %w", err)
	}
	defer engine.Close(key)

	posted, err := engine.CreateComment(ctx, key, c.String("author"), c.String("text"), candidates)
	if err != nil {
		return fmt.Errorf("%s: %w", comments.UserMessage(err), err)
	}

	fmt.Printf("Posted comment %s to %s\n", posted.ID, key)
	return nil
}

func threadKeyFromFlags(c *cli.Context) (comments.ThreadKey, error) {
	if c.Bool("project") {
		return comments.ProjectThread(), nil
	}
	model, record := c.String("model"), c.String("record")
	if model == "" || record == "" {
		return comments.ThreadKey{}, fmt.Errorf("either --project or both --model and --record are required")
	}
	return comments.ThreadKey{ModelID: model, RecordID: record}, nil
}

func parseCandidates(raw []string) (mention.Candidates, error) {
	candidates := make(mention.Candidates)
	for _, entry := range raw {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid candidate %q, expected kind:id:label", entry)
		}
		kind, ok := kindFromString(parts[0])
		if !ok {
			return nil, fmt.Errorf("unknown mention kind %q", parts[0])
		}
		candidates.Add(kind, parts[1], parts[2])
	}
	return candidates, nil
}

func kindFromString(s string) (mention.Kind, bool) {
	switch mention.Kind(s) {
	case mention.KindUser, mention.KindField, mention.KindModel, mention.KindAsset, mention.KindRecord:
		return mention.Kind(s), true
	}
	return "", false
}

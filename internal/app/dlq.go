package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// DLQOptions configure the dead-letter inspection command.
type DLQOptions struct {
	Limit int64
}

// ShowDeadLetters prints per-stream dead-letter depth and the most recent
// entries.
func (a *App) ShowDeadLetters(ctx context.Context, opts DLQOptions) error {
	store, err := a.openBroker(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	streams := []string{a.Config.Streams.Detected, a.Config.Streams.Confirmed}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Stream\tDepth\tEntry\tFailed (UTC)\tReason")

	for _, stream := range streams {
		depth, err := store.DeadLetterLen(ctx, stream)
		if err != nil {
			return err
		}

		letters, err := store.DeadLetters(ctx, stream, opts.Limit)
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			fmt.Fprintf(writer, "%s\t%d\t-\t-\t-\n", stream, depth)
			continue
		}
		for _, dl := range letters {
			fmt.Fprintf(
				writer,
				"%s\t%d\t%s\t%s\t%s\n",
				stream,
				depth,
				dl.EntryID,
				dl.FailedAt.UTC().Format(time.RFC3339),
				sanitizeInline(dl.Reason),
			)
		}
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

// Command relayctl is the operator CLI for inspecting and retrying failed
// messages through the relay API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
)

// errFailed signals that the command ran but the outcome was a failure.
var errFailed = errors.New("retry failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) {
			// go-flags has already printed the message.
			if ferr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(2)
		}
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return err
	}

	token, err := resolveToken(opts)
	if err != nil {
		return err
	}
	c := newClient(opts.Server, token)

	switch parser.Active.Name {
	case "retry":
		return runRetry(ctx, c, &opts.Retry, out)
	case "failed":
		return runFailed(ctx, c, &opts.Failed, out)
	default:
		return fmt.Errorf("unknown command %q", parser.Active.Name)
	}
}

func resolveToken(opts *Options) (string, error) {
	if opts.Token != "" || opts.Secret == "" {
		return opts.Token, nil
	}
	return middleware.IssueToken(opts.Secret, "relayctl", []string{middleware.ScopeRead, middleware.ScopeRetry}, 5*time.Minute)
}

func runRetry(ctx context.Context, c *client, cmd *RetryCmd, out io.Writer) error {
	sel := cmd.Selection()
	if err := sel.Validate(); err != nil {
		return err
	}

	res, err := c.Retry(ctx, sel, cmd.Async)
	if err != nil {
		return err
	}
	printOutcome(out, res)
	if res.Status == string(service.StatusFailure) {
		return errFailed
	}
	return nil
}

func runFailed(ctx context.Context, c *client, cmd *FailedCmd, out io.Writer) error {
	if cmd.ID != "" {
		fm, err := c.GetFailed(ctx, cmd.ID)
		if err != nil {
			return err
		}
		printFailed(out, fm)
		for _, h := range fm.RetryHistory {
			fmt.Fprintf(out, "  %s %s\n", h.Timestamp.Format(time.RFC3339), h.Result)
		}
		return nil
	}

	resp, err := c.ListFailed(ctx, cmd.Limit)
	if err != nil {
		return err
	}
	for _, fm := range resp.FailedMessages {
		printFailed(out, fm)
	}
	fmt.Fprintf(out, "%d unretried\n", resp.Total)
	return nil
}

func printOutcome(out io.Writer, o *outcome) {
	switch o.Status {
	case string(service.StatusSuccess):
		label := "retried"
		if o.DryRun {
			label = "eligible"
		}
		fmt.Fprintf(out, "success: %s %d of %d\n", label, o.RetriedCount, o.TotalCount)
	default:
		fmt.Fprintf(out, "%s: %s\n", o.Status, o.Reason)
	}

	for _, it := range o.Items {
		line := fmt.Sprintf("  %s %s %s", it.FailedMessageID, it.Mode, it.Status)
		if it.RequestTaskID != "" {
			line += " request_task=" + it.RequestTaskID
		}
		if it.TaskID != "" {
			line += " task=" + it.TaskID
		}
		if it.MessageCount > 0 {
			line += fmt.Sprintf(" messages=%d", it.MessageCount)
		}
		if it.Reason != "" {
			line += " reason=" + it.Reason
		}
		fmt.Fprintln(out, line)
	}
}

func printFailed(out io.Writer, fm *model.FailedMessage) {
	fmt.Fprintf(out, "%s task=%s message=%s attempts=%d retried=%t failed_at=%s error=%q\n",
		fm.ID, deref(fm.RequestTaskID), deref(fm.MessageID), fm.Attempts, fm.Retried,
		fm.FailedAt.Format(time.RFC3339), fm.Error)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

package main

import (
	"github.com/capitalize-ai/chat-relay/internal/service"
)

// Options is the root command. The struct tags are interpreted by
// github.com/jessevdk/go-flags.
type Options struct {
	Server string `short:"s" long:"server" env:"RELAY_SERVER" default:"http://localhost:8080" description:"relay API base URL"`
	Token  string `long:"token" env:"RELAY_TOKEN" description:"bearer token for the operator API"`
	Secret string `long:"secret" env:"JWT_SECRET" description:"sign a short-lived token with this secret when --token is empty"`

	Retry  RetryCmd  `command:"retry" description:"Retry failed messages"`
	Failed FailedCmd `command:"failed" description:"List unretried failed messages or show one"`
}

// RetryCmd selects failed messages to retry.
type RetryCmd struct {
	ID          string `short:"i" long:"id" description:"failed message id"`
	RequestTask string `short:"t" long:"request-task" description:"retry every unretried failed message of a request task"`
	Batch       bool   `short:"b" long:"batch" description:"resubmit the whole request task of --id"`
	All         bool   `short:"a" long:"all" description:"retry all pending failed messages, oldest first"`
	Limit       int    `short:"l" long:"limit" description:"cap for --all (default 100)"`
	DryRun      bool   `short:"n" long:"dry-run" description:"report what would be retried without changing anything"`
	Async       bool   `long:"async" description:"queue the retries for workers instead of waiting"`
}

// Selection converts the flags into a retry selection.
func (c *RetryCmd) Selection() service.Selection {
	return service.Selection{
		FailedMessageID: c.ID,
		RequestTaskID:   c.RequestTask,
		Batch:           c.Batch,
		All:             c.All,
		Limit:           c.Limit,
		DryRun:          c.DryRun,
	}
}

// FailedCmd lists or shows failed messages.
type FailedCmd struct {
	ID    string `short:"i" long:"id" description:"show one failed message with its retry history"`
	Limit int    `short:"l" long:"limit" description:"maximum records to list"`
}

// Command feedctl mints API tokens and calls the feed API from a shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/blackmichael/activity-feeds/internal/authz"
	"github.com/blackmichael/activity-feeds/internal/client"
	"github.com/blackmichael/activity-feeds/internal/config"
	"github.com/blackmichael/activity-feeds/internal/domain"
	"github.com/blackmichael/activity-feeds/internal/realtime"
)

const usage = `usage: feedctl <command> [flags]

commands:
  token   mint an API token (reads the server config for the secret)
  add     append an activity:   feedctl add -feed user:1 -actor a -verb v -object o ['{"extra":1}']
  follow  follow a feed:        feedctl follow -feed timeline:1 -target user:2
  get     read a feed page:     feedctl get -feed user:1 [-limit 10] [-offset 0]
  tail    stream new activities of a feed
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "token":
		return runToken(rest, out)
	case "add":
		return runAdd(ctx, rest, out)
	case "follow":
		return runFollow(ctx, rest, out)
	case "get":
		return runGet(ctx, rest, out)
	case "tail":
		return runTail(ctx, rest, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// apiFlags are shared by every command that talks to the server.
type apiFlags struct {
	url   string
	token string
	feed  string
}

func newAPIFlagSet(name string) (*flag.FlagSet, *apiFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := &apiFlags{}
	fs.StringVar(&f.url, "url", envOrDefault("FEEDS_URL", "http://localhost:3000"), "API base URL")
	fs.StringVar(&f.token, "token", envOrDefault("FEEDS_TOKEN", ""), "API bearer token")
	fs.StringVar(&f.feed, "feed", "", "feed as slug:user_id")
	return fs, f
}

func (f *apiFlags) key() (domain.FeedKey, error) {
	slug, userID, ok := strings.Cut(f.feed, ":")
	if !ok || slug == "" || userID == "" {
		return domain.FeedKey{}, fmt.Errorf("-feed must look like slug:user_id, got %q", f.feed)
	}
	return domain.NewFeedKey(slug, userID), nil
}

func (f *apiFlags) client() *client.Client {
	return client.NewClient(f.url, f.token)
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "token subject, normally the user id")
	roles := fs.String("roles", "", "comma separated roles, e.g. reader,publisher")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-sub is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tokens, err := authz.NewTokenManager(cfg.Auth.Secret)
	if err != nil {
		return err
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := tokens.IssueToken(*subject, roleList, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runAdd(ctx context.Context, args []string, out io.Writer) error {
	fs, f := newAPIFlagSet("add")
	actor := fs.String("actor", "", "activity actor")
	verb := fs.String("verb", "", "activity verb")
	object := fs.String("object", "", "activity object")
	ts := fs.String("time", "", "activity time, YYYY-MM-DDTHH:MM:SS.ffffff (default now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := f.key()
	if err != nil {
		return err
	}

	body := domain.Attributes{}
	if fs.NArg() > 0 {
		body = domain.DecodeBody([]byte(fs.Arg(0)))
	}
	for _, field := range []struct{ name, value string }{
		{domain.AttrActor, *actor},
		{domain.AttrVerb, *verb},
		{domain.AttrObject, *object},
		{domain.AttrTime, *ts},
	} {
		if field.value != "" {
			body = body.Set(field.name, domain.StringValue(field.value))
		}
	}

	activity, err := f.client().AddActivity(ctx, key, body)
	if err != nil {
		return err
	}
	return printJSON(out, activity)
}

func runFollow(ctx context.Context, args []string, out io.Writer) error {
	fs, f := newAPIFlagSet("follow")
	target := fs.String("target", "", "feed to follow as slug:user_id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := f.key()
	if err != nil {
		return err
	}

	ok, err := f.client().Follow(ctx, key, *target)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]bool{"success": ok})
}

func runGet(ctx context.Context, args []string, out io.Writer) error {
	fs, f := newAPIFlagSet("get")
	limit := fs.Int("limit", 0, "page size (default: server default)")
	offset := fs.Int("offset", 0, "number of activities to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := f.key()
	if err != nil {
		return err
	}

	var limitPtr *int
	if *limit > 0 {
		limitPtr = limit
	}
	activities, found, err := f.client().GetFeed(ctx, key, limitPtr, *offset)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("feed %s not found", key)
	}
	return printJSON(out, map[string][]domain.Activity{"results": activities})
}

func runTail(ctx context.Context, args []string, out io.Writer) error {
	fs, f := newAPIFlagSet("tail")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := f.key()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	enc := json.NewEncoder(out)
	sub := realtime.NewSubscriber(f.client().RealtimeURL(key), f.token, func(a domain.Activity) {
		if err := enc.Encode(a); err != nil {
			logger.Error("failed to print activity", "error", err)
		}
	}, logger)

	if err := sub.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(raw))
	return err
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

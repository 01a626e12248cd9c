package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/matheus3301/voxsync/internal/account"
	"github.com/matheus3301/voxsync/internal/api"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	layout := account.DefaultLayout()
	name := layout.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	conn, err := api.Dial(layout.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for account %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()
	c := api.NewClient(conn)
	out := printer{json: *jsonFlag}

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err := c.WatchSyncStatus(ctx, func(s *structpb.Struct) error {
			out.print(s)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			fail(err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "status":
		out.result(c.GetSyncStatus(ctx))
	case "conversations":
		limit := 0
		if len(args) >= 2 {
			limit = atoi(args[1])
		}
		out.result(c.GetCachedConversations(ctx, limit))
	case "sync":
		// sync [identity] [conversation ids...]
		var identity string
		var ids []string
		if len(args) >= 2 {
			identity, ids = args[1], args[2:]
		}
		out.result(c.SyncConversations(ctx, identity, ids, 0))
	case "send":
		if len(args) < 3 {
			usageError("send <conversation id> <payload file>")
		}
		// The daemon reads the payload, so hand it an absolute path.
		payload, err := filepath.Abs(args[2])
		if err != nil {
			fail(err)
		}
		out.result(c.QueueMessage(ctx, args[1], payload, true))
	case "pending":
		if len(args) >= 2 && args[1] == "count" {
			n, err := c.GetPendingCount(ctx)
			if err != nil {
				fail(err)
			}
			fmt.Println(n)
			return
		}
		out.result(c.ListPending(ctx))
	case "drain":
		out.result(c.ProcessQueue(ctx))
	case "retry":
		if len(args) < 2 {
			usageError("retry <local id>")
		}
		if err := c.RetryPending(ctx, args[1]); err != nil {
			fail(err)
		}
		fmt.Printf("Retry scheduled for %s\n", args[1])
	case "profile":
		if len(args) < 2 {
			usageError("profile <uid>")
		}
		out.result(c.GetProfile(ctx, args[1]))
	case "clear":
		if err := c.ClearAll(ctx); err != nil {
			fail(err)
		}
		fmt.Println("Local cache cleared.")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: voxctl [--account <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show sync status and counters")
	fmt.Fprintln(os.Stderr, "  watch                         Stream sync status changes")
	fmt.Fprintln(os.Stderr, "  conversations [limit]         List cached conversations")
	fmt.Fprintln(os.Stderr, "  sync [identity] [ids...]      Refresh the cache from the backend")
	fmt.Fprintln(os.Stderr, "  send <conversation> <file>    Queue a voice message")
	fmt.Fprintln(os.Stderr, "  pending [count]               List queued messages")
	fmt.Fprintln(os.Stderr, "  drain                         Deliver queued messages now")
	fmt.Fprintln(os.Stderr, "  retry <local id>              Retry a failed message")
	fmt.Fprintln(os.Stderr, "  profile <uid>                 Show a cached profile")
	fmt.Fprintln(os.Stderr, "  clear                         Wipe the local cache and queue")
}

type printer struct {
	json bool
}

func (p printer) result(msg proto.Message, err error) {
	if err != nil {
		fail(err)
	}
	p.print(msg)
}

func (p printer) print(msg proto.Message) {
	opts := protojson.MarshalOptions{Multiline: true, Indent: "  "}
	if p.json {
		// One document per line so watch output can be piped.
		opts = protojson.MarshalOptions{}
	}
	b, err := opts.Marshal(msg)
	if err != nil {
		fail(err)
	}
	fmt.Println(string(b))
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		usageError("limit must be a number")
	}
	return n
}

func usageError(msg string) {
	fmt.Fprintf(os.Stderr, "usage: voxctl %s\n", msg)
	os.Exit(1)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

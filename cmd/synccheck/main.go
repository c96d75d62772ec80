package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/mosync/backend/internal/identity"
	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/transport"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	server := os.Getenv("MOSYNC_URL")
	if server == "" {
		server = "http://localhost:8787"
	}
	token := os.Getenv("MOSYNC_SESSION_TOKEN")

	client := transport.NewClient(server, token)

	var err error
	switch os.Args[1] {
	case "health":
		err = cmdHealth(client)
	case "head":
		err = cmdHead(client, os.Args[2:])
	case "pull":
		err = cmdPull(client, os.Args[2:])
	case "watch":
		err = cmdWatch(server, token, os.Args[2:])
	case "reset":
		err = cmdReset(client, os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`synccheck - operational checks against a running sync server

Usage: synccheck <command> [flags]

Commands:
  health                      Ping the server and its dependencies
  head   --store <id>         Report the store head by draining the pull cursor
  pull   --store <id>         Fetch events (--since, --limit, --wait, --json)
  watch  --store <id>         Stream head notifications until interrupted
  reset  --store <id>         Wipe the store (dev servers only)
  help                        Show this help

Environment:
  MOSYNC_URL             Server base URL (default: http://localhost:8787)
  MOSYNC_SESSION_TOKEN   Session token for authenticated commands

Examples:
  synccheck health
  synccheck head --store 0190b7a3-52cc-7def-8000-0123456789ab
  synccheck pull --store 0190b7a3-... --since 40 --limit 10 --json
  synccheck watch --store 0190b7a3-...`)
}

func storeFlag(fs *flag.FlagSet) *string {
	return fs.String("store", "", "store id (UUIDv7)")
}

func parseStore(raw string) (ids.StoreID, error) {
	store := ids.StoreID(raw)
	if err := ids.ValidateStoreID(store); err != nil {
		return "", fmt.Errorf("--store: %w", err)
	}
	return store, nil
}

func cmdHealth(client *transport.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := client.Health(ctx); err != nil {
		return err
	}
	fmt.Printf("healthy (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// cmdHead walks the pull cursor to the end of the log. The pull response
// reports the head as the last returned sequence while events remain, so
// the true head is only authoritative on the final empty-or-short page.
func cmdHead(client *transport.Client, args []string) error {
	fs := flag.NewFlagSet("head", flag.ExitOnError)
	store := storeFlag(fs)
	fs.Parse(args)

	id, err := parseStore(*store)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var since uint64
	var count int
	for {
		res, err := client.Pull(ctx, id, since, 1000, 0)
		if err != nil {
			return err
		}
		count += len(res.Events)
		if res.NextSince != nil {
			since = *res.NextSince
		}
		if !res.HasMore {
			fmt.Printf("store %s  head=%d  events=%d\n", id, res.Head, count)
			return nil
		}
	}
}

func cmdPull(client *transport.Client, args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	store := storeFlag(fs)
	since := fs.Uint64("since", 0, "return events with a sequence above this")
	limit := fs.Int("limit", 50, "maximum events to return")
	wait := fs.Int("wait", 0, "long-poll wait in milliseconds")
	asJSON := fs.Bool("json", false, "print raw records instead of a summary")
	fs.Parse(args)

	id, err := parseStore(*store)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(*wait)*time.Millisecond+30*time.Second)
	defer cancel()

	res, err := client.Pull(ctx, id, *since, *limit, *wait)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	for _, ev := range res.Events {
		fmt.Printf("%8d  %s\n", ev.GlobalSequence, ev.EventID)
	}
	fmt.Printf("head=%d hasMore=%v returned=%d\n", res.Head, res.HasMore, len(res.Events))
	return nil
}

func cmdWatch(server, token string, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	store := storeFlag(fs)
	fs.Parse(args)

	id, err := parseStore(*store)
	if err != nil {
		return err
	}

	wsURL := strings.Replace(server, "http", "ws", 1) +
		"/sync/watch?storeId=" + string(id)
	header := http.Header{}
	if token != "" {
		header.Set(identity.SessionHeaderName, token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	var stopping atomic.Bool
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		stopping.Store(true)
		conn.Close()
	}()

	fmt.Printf("watching %s (ctrl-c to stop)\n", id)
	for {
		var frame struct {
			StoreID string `json:"storeId"`
			Head    uint64 `json:"head"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if stopping.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Printf("%s  head=%d\n", time.Now().Format("15:04:05"), frame.Head)
	}
}

func cmdReset(client *transport.Client, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	store := storeFlag(fs)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	fs.Parse(args)

	id, err := parseStore(*store)
	if err != nil {
		return err
	}

	if !*yes {
		fmt.Printf("wipe every event of store %s? [y/N] ", id)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("aborted")
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Reset(ctx, id); err != nil {
		return err
	}
	fmt.Printf("store %s reset\n", id)
	return nil
}

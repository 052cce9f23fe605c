package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/relay/internal/adminclient"
	"github.com/matheus3301/relay/internal/auth"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/instance"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/store"
)

const defaultTokenTTL = 24 * time.Hour

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.relay/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, err := config.Read(instance.ConfigFile(*configFlag))
	if err != nil {
		fatalf("%v", err)
	}
	name := instance.Resolve(*instanceFlag, cfg)
	if err := instance.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, name, *jsonFlag)
	case "health":
		cmdHealth(ctx, name)
	case "token":
		if len(args) < 2 {
			fatalf("usage: relayctl token <user-id> [ttl]")
		}
		ttl := defaultTokenTTL
		if len(args) >= 3 {
			d, err := time.ParseDuration(args[2])
			if err != nil {
				fatalf("invalid ttl %q: %v", args[2], err)
			}
			ttl = d
		}
		cmdToken(cfg, args[1], ttl)
	case "chat":
		if len(args) < 3 {
			fatalf("usage: relayctl chat <create|add> <chat-id> <user-id>...")
		}
		cmdChat(ctx, name, args[1], args[2], args[3:])
	case "unread":
		if len(args) != 3 {
			fatalf("usage: relayctl unread <chat-id> <user-id>")
		}
		cmdUnread(ctx, name, args[1], args[2], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: relayctl [--instance <name>] [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon status")
	fmt.Fprintln(os.Stderr, "  health                          Query admin gRPC health")
	fmt.Fprintln(os.Stderr, "  token <user-id> [ttl]           Mint a client credential")
	fmt.Fprintln(os.Stderr, "  chat create <chat-id> <user>... Create a chat with members")
	fmt.Fprintln(os.Stderr, "  chat add <chat-id> <user-id>    Add a member to a chat")
	fmt.Fprintln(os.Stderr, "  unread <chat-id> <user-id>      Show a member's unread counter")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func dial(name string) *adminclient.Client {
	h, err := lock.Read(instance.Dir(name))
	if err != nil {
		fatalf("instance %q is not running: %v", name, err)
	}
	c, err := adminclient.New(instance.SocketPath(name), h.Listen)
	if err != nil {
		fatalf("cannot connect to daemon for instance %q: %v", name, err)
	}
	return c
}

func cmdStatus(ctx context.Context, name string, jsonOut bool) {
	c := dial(name)
	defer func() { _ = c.Close() }()

	report, err := c.Status(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(report)
		return
	}
	fmt.Printf("Instance:     %s\n", report.Instance)
	fmt.Printf("Listen:       %s\n", report.Listen)
	fmt.Printf("Uptime:       %s\n", time.Since(report.StartedAt).Round(time.Second))
	fmt.Printf("Online users: %d\n", report.OnlineUsers)
	fmt.Printf("Connections:  %d\n", report.Connections)
	fmt.Printf("Chat workers: %d\n", report.ChatWorkers)
	fmt.Printf("Chats:        %d\n", report.Chats)
	fmt.Printf("Messages:     %d\n", report.Messages)
	fmt.Printf("Delivered:    %d (%d failed attempts, %d evictions)\n",
		report.Counters.MessagesDelivered, report.Counters.DeliveryFailures, report.Counters.Evictions)
}

func cmdHealth(ctx context.Context, name string) {
	c := dial(name)
	defer func() { _ = c.Close() }()

	st, err := c.Serving(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(st.String())
}

// cmdToken signs with the same secret relayd resolves from the config file
// and RELAY_JWT_SECRET.
func cmdToken(cfg *config.Config, userID string, ttl time.Duration) {
	issuer, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		fatalf("%v", err)
	}
	token, err := issuer.Issue(userID, ttl)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(token)
}

func openStore(name string) *store.DB {
	if err := instance.EnsureDir(name); err != nil {
		fatalf("%v", err)
	}
	db, err := store.Open(instance.DBPath(name))
	if err != nil {
		fatalf("%v", err)
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		fatalf("%v", err)
	}
	return db
}

func cmdChat(ctx context.Context, name, sub, chatID string, users []string) {
	db := openStore(name)
	defer func() { _ = db.Close() }()

	switch sub {
	case "create":
		if err := db.CreateChat(ctx, chatID, users...); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Chat %s created with %d members\n", chatID, len(users))
	case "add":
		if len(users) != 1 {
			fatalf("usage: relayctl chat add <chat-id> <user-id>")
		}
		if err := db.AddMember(ctx, chatID, users[0]); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Added %s to %s\n", users[0], chatID)
	default:
		fatalf("unknown chat subcommand: %s", sub)
	}
}

func cmdUnread(ctx context.Context, name, chatID, userID string, jsonOut bool) {
	db := openStore(name)
	defer func() { _ = db.Close() }()

	n, err := db.UnreadCount(ctx, chatID, userID)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(map[string]any{"chat_id": chatID, "user_id": userID, "unread": n})
		return
	}
	fmt.Println(n)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	supportchat "github.com/helpwire/supportchat-go"
)

var chatVerbose bool

func init() {
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Show transport diagnostics")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive support conversation",
	Long: "Connect to the support chat service and talk to an agent.\n" +
		"Resumes an already-open conversation if one exists; otherwise use\n" +
		"'/request <subject>' to open one. Messages typed while offline are\n" +
		"queued and delivered automatically on reconnect.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		return runChat(client, cfg, chatVerbose)
	},
}

// chatEnv bundles the collaborators a chat loop needs.
type chatEnv struct {
	client  *supportchat.Client
	sock    *supportchat.Socket
	sess    *supportchat.Session
	rooms   *supportchat.RoomRegistry
	history *supportchat.HistoryLoader
	outbox  *supportchat.Outbox
	store   *supportchat.PebbleQueueStore
}

func (e *chatEnv) close() {
	e.sess.Close()
	if e.store != nil {
		e.store.Close()
	}
}

// buildChatEnv assembles the full client stack: socket, state stores,
// durable offline queue, and the session that ties them together.
func buildChatEnv(client *supportchat.Client, cfg *Config, verbose bool) (*chatEnv, error) {
	log := newLogger(verbose)

	dir, err := queueDir(cfg)
	if err != nil {
		return nil, err
	}
	store, err := supportchat.OpenQueueStore(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot open offline queue: %w", err)
	}

	outbox, err := supportchat.NewOutbox(store, supportchat.WithOutboxLogger(log))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("cannot load offline queue: %w", err)
	}

	sockCfg := &supportchat.SocketConfig{
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
	}
	sockCfg.WithLogger(log)
	sock := client.Socket(sockCfg)

	conn := supportchat.NewConnState()
	rooms := supportchat.NewRoomRegistry()
	history := supportchat.NewHistoryLoader(client)
	sess := supportchat.NewSession(sock, conn, rooms, history, outbox,
		supportchat.WithSessionLogger(log),
		supportchat.WithClosedHandler(func(agent bool) {
			fmt.Println("\n* Conversation closed.")
		}),
	)

	return &chatEnv{
		client:  client,
		sock:    sock,
		sess:    sess,
		rooms:   rooms,
		history: history,
		outbox:  outbox,
		store:   store,
	}, nil
}

// runChat drives the user-side chat: connect, resume or request a room,
// then enter the interactive loop.
func runChat(client *supportchat.Client, cfg *Config, verbose bool) error {
	env, err := buildChatEnv(client, cfg, verbose)
	if err != nil {
		return err
	}
	defer env.close()

	if err := connectAndRefresh(env, client); err != nil {
		return err
	}

	// Resume the open conversation if one exists.
	for _, room := range env.rooms.Rooms() {
		if err := env.sess.Resume(room.ID); err == nil {
			fmt.Printf("* Resumed conversation #%d: %s\n", room.ID, room.Subject)
			loadFocusedHistory(env)
			break
		}
	}
	if env.rooms.FocusID() == 0 {
		fmt.Println("* No open conversation. Use '/request <subject>' to start one.")
	}

	return chatLoop(env)
}

func connectAndRefresh(env *chatEnv, client *supportchat.Client) error {
	registerPrinters(env)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := env.sock.Connect(ctx); err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}

	if err := env.sess.RefreshRooms(ctx, client); err != nil {
		return fmt.Errorf("cannot list rooms: %w", err)
	}
	return nil
}

// registerPrinters wires the push handlers that render server events to the
// terminal. Incoming messages are marked read immediately since the CLI has
// no scroll viewport.
func registerPrinters(env *chatEnv) {
	self := func() string { return env.sess.Identity().UserID }

	env.sock.OnMessage(func(event string, push supportchat.MessagePush) {
		msg := push.Message
		if msg.SenderID == self() {
			return
		}
		fmt.Printf("\n[%s] %s\n> ", msg.CreatedAt.Format("15:04"), msg.Text)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.sess.MarkRead(ctx, []supportchat.MessageID{msg.ID})
	})
	env.sess.OnPeerTyping(func(push supportchat.TypingPush) {
		fmt.Print("\n* peer is typing...\n> ")
	})
	env.sock.OnConnected(func() {
		fmt.Print("\n* connected\n> ")
	})
	env.sock.OnDisconnected(func(code int, reason string) {
		fmt.Print("\n* connection lost; messages will be queued\n> ")
	})
	env.sock.OnReconnecting(func(attempt int, delay time.Duration) {
		fmt.Printf("\n* reconnecting (attempt %d, in %s)\n> ", attempt, delay)
	})
}

func loadFocusedHistory(env *chatEnv) {
	roomID := env.rooms.FocusID()
	if roomID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := env.history.Load(ctx, roomID, 1); err != nil {
		fmt.Printf("* history unavailable: %v\n", err)
		return
	}
	printHistory(env)
}

func printHistory(env *chatEnv) {
	self := env.sess.Identity().UserID
	for _, msg := range env.history.Messages() {
		who := "them"
		if msg.SenderID == self {
			who = "you"
		}
		marker := ""
		if msg.Pending() {
			marker = " (queued)"
		}
		fmt.Printf("[%s] %s: %s%s\n", msg.CreatedAt.Format("15:04"), who, msg.Text, marker)
	}
}

// chatLoop reads lines from stdin until /quit or EOF. Lines starting with
// '/' are commands; anything else is sent to the focused room.
func chatLoop(env *chatEnv) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(env, line)
			if err != nil {
				fmt.Printf("! %v\n", err)
			}
			if quit {
				return nil
			}
			fmt.Print("> ")
			continue
		}

		env.sess.EmitTyping()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := env.sess.SendMessage(ctx, line)
		cancel()
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func runCommand(env *chatEnv, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	cmd, rest := fields[0], strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch cmd {
	case "/quit", "/q":
		return true, nil

	case "/request":
		if rest == "" {
			return false, fmt.Errorf("usage: /request <subject>")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		room, err := env.sess.RequestSupport(ctx, rest, "")
		if err != nil {
			return false, err
		}
		fmt.Printf("* Conversation #%d opened: %s\n", room.ID, room.Subject)
		return false, nil

	case "/rooms":
		rooms := env.rooms.Rooms()
		if len(rooms) == 0 {
			fmt.Println("* no rooms")
			return false, nil
		}
		for _, room := range rooms {
			focus := " "
			if room.ID == env.rooms.FocusID() {
				focus = "*"
			}
			state := "active"
			if room.Pending() {
				state = "waiting"
			}
			fmt.Printf("%s #%d %s (%s)\n", focus, room.ID, room.Subject, state)
		}
		return false, nil

	case "/history":
		loadFocusedHistory(env)
		return false, nil

	case "/more":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := env.history.LoadMore(ctx); err != nil {
			return false, err
		}
		printHistory(env)
		return false, nil

	case "/queued":
		roomID := env.rooms.FocusID()
		fmt.Printf("* %d message(s) queued for delivery\n", len(env.outbox.Pending(roomID)))
		return false, nil

	case "/end":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return false, env.sess.EndConversation(ctx)

	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

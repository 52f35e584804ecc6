package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	supportchat "github.com/helpwire/supportchat-go"
)

var agentVerbose bool

func init() {
	agentJoinCmd.Flags().BoolVarP(&agentVerbose, "verbose", "v", false, "Show transport diagnostics")
	agentCmd.AddCommand(agentRoomsCmd)
	agentCmd.AddCommand(agentJoinCmd)
	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent-side commands",
	Long:  "List waiting support requests and join them as an agent.",
}

var agentRoomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List support requests waiting for an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := client.PendingRooms(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(rooms) == 0 {
			fmt.Println("No waiting requests.")
			return nil
		}
		for _, room := range rooms {
			fmt.Printf("  #%d %s (opened %s)\n",
				room.ID, room.Subject, room.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var agentJoinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a waiting support request and chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid room id %q", args[0])
		}

		client, cfg := getClient()
		if cfg.Auth.Role != "agent" {
			return fmt.Errorf("logged-in identity is not an agent")
		}

		env, err := buildChatEnv(client, cfg, agentVerbose)
		if err != nil {
			return err
		}
		defer env.close()

		if err := connectAndRefresh(env, client); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		room, err := env.sess.JoinRoom(ctx, roomID)
		cancel()
		if err != nil {
			if err == supportchat.ErrRoomNotPending {
				return fmt.Errorf("room #%d was already claimed by another agent", roomID)
			}
			return fmt.Errorf("cannot join room #%d: %w", roomID, err)
		}

		fmt.Printf("* Joined conversation #%d: %s\n", room.ID, room.Subject)
		loadFocusedHistory(env)
		return chatLoop(env)
	},
}

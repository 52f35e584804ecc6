package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	supportchat "github.com/helpwire/supportchat-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and open rooms",
	Long:  "Display the current configuration and fetch the open rooms visible to the logged-in identity.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, supportchat.DefaultBaseURL))
		if cfg.Default.DataDir != "" {
			fmt.Printf("  Data Dir: %s\n", cfg.Default.DataDir)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:   (not logged in)")
			return nil
		}
		fmt.Printf("  Token:   %s\n", maskToken(cfg.Auth.Token))
		fmt.Printf("  User ID: %s\n", cfg.Auth.UserID)
		fmt.Printf("  Role:    %s\n", valueOrDefault(cfg.Auth.Role, "user"))
		if cfg.Auth.Mobile != "" {
			fmt.Printf("  Mobile:  %s\n", cfg.Auth.Mobile)
		}

		var opts []supportchat.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, supportchat.WithBaseURL(cfg.Default.BaseURL))
		}
		client := supportchat.NewClient(cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var rooms []supportchat.Room
		if cfg.Auth.Role == "agent" {
			rooms, err = client.PendingRooms(ctx)
		} else {
			rooms, err = client.UserRooms(ctx)
		}
		if err != nil {
			fmt.Printf("\nError fetching rooms: %v\n", err)
			return nil
		}

		fmt.Println()
		if len(rooms) == 0 {
			fmt.Println("No open rooms.")
			return nil
		}
		fmt.Println("Rooms:")
		for _, room := range rooms {
			state := "active"
			if room.Pending() {
				state = "waiting for agent"
			}
			fmt.Printf("  #%d %s (%s, opened %s)\n",
				room.ID, room.Subject, state, room.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

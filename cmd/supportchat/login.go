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

var loginCode string

func init() {
	loginCmd.Flags().StringVar(&loginCode, "code", "", "OTP code (skips the interactive prompt)")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <mobile>",
	Short: "Log in with a one-time password",
	Long:  "Request an OTP for the given mobile number, verify it, and store the returned token locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mobile := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var opts []supportchat.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, supportchat.WithBaseURL(cfg.Default.BaseURL))
		}
		client := supportchat.NewClient("", opts...)

		reqCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = client.RequestOTP(reqCtx, mobile)
		cancel()
		if err != nil {
			return fmt.Errorf("OTP request failed: %w", err)
		}

		code := loginCode
		if code == "" {
			fmt.Printf("OTP sent to %s. Enter code: ", mobile)
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read code: %w", err)
			}
			code = strings.TrimSpace(line)
		}
		if code == "" {
			return fmt.Errorf("no OTP code provided")
		}

		verifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := client.VerifyOTP(verifyCtx, mobile, code)
		if err != nil {
			return fmt.Errorf("OTP verification failed: %w", err)
		}

		cfg.Auth.Token = result.Token
		cfg.Auth.UserID = result.UserID
		cfg.Auth.Role = result.Role
		cfg.Auth.Mobile = mobile

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID: %s\n", result.UserID)
		fmt.Printf("  Role:    %s\n", result.Role)
		return nil
	},
}

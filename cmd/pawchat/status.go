package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pawhaven/pawchat"
	"github.com/spf13/cobra"
)

var statusSkipHub bool

func init() {
	statusCmd.Flags().BoolVar(&statusSkipHub, "no-hub", false, "Skip the live hub connection check")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the stored token is expired, and probe the REST API and the hub.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.close()
		cfg := s.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, defaultBaseURL+" (default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "websocket"))
		if cfg.Default.Transport == "nats" {
			fmt.Printf("  NATS URL:    %s\n", cfg.Default.NATSURL)
		}
		fmt.Printf("  Storage:     %s\n", valueOrDefault(cfg.Storage.Backend, "file"))

		fmt.Println()
		fmt.Println("Auth:")
		token, _ := s.chat.Client().TokenSource()()
		tokenStatus := "none"
		if token != "" {
			claims, err := pawchat.ParseTokenClaims(token)
			switch {
			case err != nil:
				tokenStatus = "present (opaque, no expiry known)"
			case claims.ExpiresAt.IsZero():
				tokenStatus = "present (no expiry set)"
			case claims.Expired(time.Now()):
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", claims.ExpiresAt.Format(time.RFC3339))
			default:
				tokenStatus = fmt.Sprintf("valid (expires %s)", claims.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Printf("  User ID:     %s\n", valueOrDefault(s.chat.SelfUserID(), "(not in token)"))
			fmt.Printf("  Token:       %s\n", maskKey(token))
		}
		fmt.Printf("  Status:      %s\n", tokenStatus)
		if token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		convs, err := s.chat.Client().ListConversations(ctx)
		if err != nil {
			fmt.Printf("  REST API:    error (%v)\n", err)
		} else {
			fmt.Printf("  REST API:    ok (%d conversations)\n", len(convs))
		}
		if statusSkipHub {
			return nil
		}
		if err := s.chat.Connect(ctx); err != nil {
			fmt.Printf("  Hub:         %s (%v)\n", s.chat.State(), err)
		} else {
			fmt.Printf("  Hub:         %s\n", s.chat.State())
		}
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pawhaven/pawchat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token on this device",
	Long:  "Store the bearer token issued by the PawHaven API in the device store and record the user id it carries.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		claims, err := storeToken(store, args[0], time.Now())
		if err != nil {
			return err
		}

		// Persist only what the user did not override on this invocation.
		fileCfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Auth.UserID = ""
		if claims != nil {
			fileCfg.Auth.UserID = claims.UserID
		}
		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if claims == nil {
			fmt.Println("Logged in with an opaque token.")
			return nil
		}
		fmt.Printf("Logged in as %s\n", valueOrDefault(claims.UserID, "(unknown user)"))
		if !claims.ExpiresAt.IsZero() {
			fmt.Printf("Token expires %s\n", claims.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

// storeToken saves token in the device store. JWTs are checked for expiry
// and their claims returned; opaque tokens are stored as-is with nil claims.
func storeToken(store pawchat.Store, token string, now time.Time) (*pawchat.TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("token is empty")
	}
	claims, err := pawchat.ParseTokenClaims(token)
	if err != nil {
		claims = nil
	} else if claims.Expired(now) {
		return nil, fmt.Errorf("token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
	}
	if err := store.Set(pawchat.TokenKey, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	return claims, nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := store.Delete(pawchat.TokenKey); err != nil {
			return fmt.Errorf("failed to remove token: %w", err)
		}

		fileCfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Auth.Token = ""
		fileCfg.Auth.UserID = ""
		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

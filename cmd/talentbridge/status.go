package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	talentbridge "github.com/talentbridge/talentbridge-go"
)

var statusLive bool

func init() {
	statusCmd.Flags().BoolVar(&statusLive, "live", false, "Also fetch the signed-in user and unread count")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, decode the stored session token and optionally fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(s.cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", s.client.BaseURL())
		fmt.Printf("  Email:       %s\n", valueOrDefault(s.cfg.Auth.Email, "(not set)"))
		if s.cfg.Store.RedisAddr != "" {
			fmt.Printf("  Token store: redis %s\n", s.cfg.Store.RedisAddr)
		} else {
			path, _ := sessionPath()
			fmt.Printf("  Token store: %s\n", path)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Session:")
		token, err := s.client.Session().Token(ctx)
		if err != nil {
			return err
		}
		if token == "" {
			fmt.Println("  Token:       none (run 'talentbridge login')")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(token))

		claims, err := talentbridge.DecodeClaims(token)
		if err != nil {
			fmt.Printf("  Claims:      %v\n", err)
		} else {
			fmt.Printf("  Subject:     %s\n", valueOrDefault(claims.Subject, "(none)"))
			fmt.Printf("  Scope:       %s\n", valueOrDefault(strings.Join(claims.Scope, " "), "(none)"))
			fmt.Printf("  Expiry:      %s\n", expiryStatus(claims, time.Now()))
		}

		if !statusLive {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		me, err := s.client.Auth.Me(ctx)
		if err != nil {
			printAPIError(err)
			return nil
		}
		fmt.Printf("  Name:        %s\n", me.FullName)
		fmt.Printf("  Role:        %s\n", me.Role)
		if n, err := s.client.Messages.UnreadCount(ctx); err == nil {
			fmt.Printf("  Unread:      %d\n", n)
		}
		return nil
	},
}

func expiryStatus(c talentbridge.Claims, now time.Time) string {
	if !c.HasExpiry() {
		return "none (no proactive refresh)"
	}
	exp := c.ExpiresAt.Format(time.RFC3339)
	if now.Before(c.ExpiresAt) {
		return fmt.Sprintf("valid (expires %s, in %s)", exp, c.ExpiresAt.Sub(now).Round(time.Second))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp)
}

func printAPIError(err error) {
	var apiErr *talentbridge.APIError
	switch {
	case errors.Is(err, talentbridge.ErrSessionExpired):
		fmt.Println("  Session expired; sign in again.")
	case errors.As(err, &apiErr):
		fmt.Printf("  API error: %d %s\n", apiErr.StatusCode, apiErr.Message)
	default:
		fmt.Printf("  Error: %v\n", err)
	}
}

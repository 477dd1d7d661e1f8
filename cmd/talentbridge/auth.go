package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenSetCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login [email] <password>",
	Short: "Sign in and store the session token",
	Long:  "Sign in with email and password. The email defaults to [auth] email from the config file.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		email, password := s.cfg.Auth.Email, args[len(args)-1]
		if len(args) == 2 {
			email = args[0]
		}
		if email == "" {
			return fmt.Errorf("no email given and none configured; pass it or run 'talentbridge config set auth.email <email>'")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := s.client.Auth.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		logger.Info("signed in", zap.String("email", email))

		if len(args) == 2 && s.cfg.Auth.Email == "" {
			if cfg, err := loadConfig(); err == nil {
				cfg.Auth.Email = email
				_ = saveConfig(cfg)
			}
		}

		if res.User != nil {
			fmt.Printf("Signed in as %s (%s)\n", valueOrDefault(res.User.FullName, email), res.User.Role)
		} else {
			fmt.Printf("Signed in as %s\n", email)
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the stored session token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <token>",
	Short: "Store a token obtained out of band (e.g. an OAuth callback)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.client.Auth.AcceptToken(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		fmt.Println("Token stored.")
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Exchange the stored token for a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		token, err := s.client.Auth.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		fmt.Printf("Token refreshed: %s\n", maskToken(token))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.client.Auth.Logout(ctx); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

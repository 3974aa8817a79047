package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(setRadiusCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the token pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		session := newSession(client)
		if err := session.SignIn(context.Background(), args[0], password); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		user := session.User()
		cfg.Profile = ConfigProfile{Email: user.Email, Username: user.Username, UserID: user.ID}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Signed in as %s\n", user.Username)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <email> <username>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		session := newSession(client)
		if err := session.SignUp(context.Background(), args[0], args[1], password); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		user := session.User()
		cfg.Profile = ConfigProfile{Email: user.Email, Username: user.Username, UserID: user.ID}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Welcome, %s\n", user.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear stored tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		session := newSession(client)
		// SignOut clears local tokens even when the backend is unreachable.
		session.SignOut(context.Background())

		cfg.Profile = ConfigProfile{}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current user profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		requireAuth(client)

		user, err := client.Auth.Me(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("ID:       %d\n", user.ID)
		fmt.Printf("Email:    %s\n", user.Email)
		fmt.Printf("Username: %s\n", user.Username)
		fmt.Printf("Radius:   %g km\n", user.RadiusKm)
		return nil
	},
}

var setRadiusCmd = &cobra.Command{
	Use:   "set-radius <km>",
	Short: "Update the event discovery radius",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		radius, err := strconv.ParseFloat(args[0], 64)
		if err != nil || radius <= 0 {
			fmt.Fprintf(os.Stderr, "Error: radius must be a positive number, got %q\n", args[0])
			os.Exit(1)
		}

		client, _ := getClient()
		requireAuth(client)

		user, err := client.Auth.UpdateRadius(context.Background(), radius)
		if err != nil {
			return err
		}
		fmt.Printf("Radius set to %g km\n", user.RadiusKm)
		return nil
	},
}

package main

import (
	"fmt"
	"os"

	"github.com/sortie-app/sortie-go"
)

// resolveBaseURL picks the API base URL: SORTIE_BASE_URL beats the config
// file, which beats the built-in default.
func resolveBaseURL(cfg *Config) string {
	if env := os.Getenv("SORTIE_BASE_URL"); env != "" {
		return env
	}
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return sortie.DefaultBaseURL
}

// getClient builds an SDK client with the file-backed token store, so a
// token pair obtained by `sortie login` survives across invocations.
func getClient() (*sortie.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	tokens, err := tokensPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	client := sortie.NewClient(
		sortie.WithBaseURL(resolveBaseURL(cfg)),
		sortie.WithTokenStore(sortie.NewFileTokenStore(tokens)),
	)
	return client, cfg
}

// newSession builds a session controller for one-shot commands. Reconnect is
// off; the process exits before a retry would matter.
func newSession(client *sortie.Client) *sortie.Session {
	return sortie.NewSession(client, sortie.WithRealtimeConfig(sortie.RealtimeConfig{
		AutoReconnect: false,
	}))
}

// newInteractiveSession builds a session controller for long-running commands
// like chat, with automatic reconnection.
func newInteractiveSession(client *sortie.Client) *sortie.Session {
	return sortie.NewSession(client, sortie.WithRealtimeConfig(sortie.RealtimeConfig{
		AutoReconnect: true,
	}))
}

// requireAuth exits with a hint when no token pair is stored.
func requireAuth(client *sortie.Client) {
	access, _, err := client.TokenStore().Load()
	if err != nil || access == "" {
		fmt.Fprintln(os.Stderr, "Error: not signed in")
		fmt.Fprintln(os.Stderr, "Run: sortie login <email>")
		os.Exit(1)
	}
}

// readPassword prompts for a password on stdin. Plain read; the CLI is a
// development tool, not a production credential surface.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return password, nil
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/soukhq/souk/pkg/api"
	"github.com/soukhq/souk/pkg/token"
)

// LoginCommand creates the login command
func LoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Authenticate against the backend and store the session tokens",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "Account username (prompted when omitted)",
			},
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "Account password (prompted when omitted)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			username := c.String("username")
			password := c.String("password")
			reader := bufio.NewReader(os.Stdin)
			if username == "" {
				fmt.Print("Username: ")
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("reading username: %w", err)
				}
				username = strings.TrimSpace(line)
			}
			if password == "" {
				fmt.Print("Password: ")
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimSpace(line)
			}

			tokens := token.NewStore(cfg.TokenPath)
			client := api.NewClient(cfg.APIURL, tokens)
			if err := client.Login(ctx, username, password); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			fmt.Printf("Logged in. Tokens stored in %s\n", cfg.TokenPath)
			return nil
		},
	}
}

// LogoutCommand creates the logout command
func LogoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Invalidate the session and remove the stored tokens",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			tokens := token.NewStore(cfg.TokenPath)
			client := api.NewClient(cfg.APIURL, tokens)
			if err := client.Logout(ctx); err != nil {
				// Tokens are gone locally either way; report but don't fail.
				fmt.Printf("Warning: backend logout failed: %v\n", err)
			}

			fmt.Println("Logged out.")
			return nil
		},
	}
}

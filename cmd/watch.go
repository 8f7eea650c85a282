package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/soukhq/souk/pkg/notifications"
	"github.com/soukhq/souk/pkg/realtime"
	"github.com/soukhq/souk/pkg/session"
)

var (
	connectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	disconnectedStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("196"))

	eventTypeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	eventMetaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// WatchCommand creates the watch command
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream live notifications until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Emit NDJSON instead of styled output",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			sess, err := session.New(cfg)
			if err != nil {
				return err
			}

			jsonMode := c.Bool("json")
			enc := json.NewEncoder(os.Stdout)
			listener := realtime.ListenerFunc(func(evt realtime.Event) {
				switch e := evt.(type) {
				case realtime.Connected:
					printStatus(enc, jsonMode, e.Connected)
				case realtime.Notification:
					printNotification(enc, jsonMode, e.Payload)
				}
			})
			id := sess.Subscribe(listener)
			defer sess.Unsubscribe(id)

			if !jsonMode {
				fmt.Println("Watching for notifications. Ctrl+C to stop.")
			}

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sess.Run(runCtx)
		},
	}
}

func printStatus(enc *json.Encoder, jsonMode, connected bool) {
	if jsonMode {
		_ = enc.Encode(map[string]any{"type": "status", "connected": connected})
		return
	}
	if connected {
		fmt.Println(connectedStyle.Render("● connected"))
	} else {
		fmt.Println(disconnectedStyle.Render("○ disconnected"))
	}
}

func printNotification(enc *json.Encoder, jsonMode bool, p realtime.Payload) {
	if jsonMode {
		_ = enc.Encode(map[string]any{
			"type":        "notification",
			"id":          p.ID.String(),
			"event":       p.Type,
			"message":     p.Message,
			"modified_at": p.ModifiedAt,
		})
		return
	}

	route := notifications.RouteFor(p.Type)
	meta := fmt.Sprintf("id=%s %s", p.ID.String(), p.ModifiedAt)
	if route.Target != notifications.TargetNone {
		meta += fmt.Sprintf(" → %s", route.Target)
	}
	fmt.Printf("%s %s\n  %s\n",
		eventTypeStyle.Render(humanizeType(p.Type)),
		p.Message,
		eventMetaStyle.Render(meta))
}

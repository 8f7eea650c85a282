package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/soukhq/souk/pkg/api"
	"github.com/soukhq/souk/pkg/config"
	"github.com/soukhq/souk/pkg/history"
	"github.com/soukhq/souk/pkg/notifications"
	"github.com/soukhq/souk/pkg/token"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	unreadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	readStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	noDataStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			Margin(1, 0)
)

var titleCaser = cases.Title(language.English)

// humanizeType turns a backend type name into a display label, e.g.
// "offer_created" -> "Offer Created".
func humanizeType(notifType string) string {
	return titleCaser.String(strings.ReplaceAll(notifType, "_", " "))
}

// NotificationsCommand creates the notifications command
func NotificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "notifications",
		Usage: "List notifications and manage their read state",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of notifications to show (0 for no limit)",
				Value: 50,
			},
			&cli.BoolFlag{
				Name:  "unread",
				Usage: "Only show unread notifications",
				Value: false,
			},
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "List from the local history archive instead of the backend",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.Bool("offline") {
				return listOffline(cfg, int(c.Int("limit")), c.Bool("unread"))
			}
			return listRemote(ctx, cfg, int(c.Int("limit")), c.Bool("unread"))
		},
		Commands: []*cli.Command{
			{
				Name:      "mark-read",
				Usage:     "Mark one notification as read",
				ArgsUsage: "<notification-id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("expected exactly one notification id")
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					client := api.NewClient(cfg.APIURL, token.NewStore(cfg.TokenPath))
					if err := client.MarkNotificationRead(ctx, c.Args().First()); err != nil {
						return err
					}
					fmt.Println("Marked as read.")
					return nil
				},
			},
			{
				Name:  "read-all",
				Usage: "Mark every notification as read",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					client := api.NewClient(cfg.APIURL, token.NewStore(cfg.TokenPath))
					if err := client.MarkAllNotificationsRead(ctx); err != nil {
						return err
					}
					fmt.Println("All notifications marked as read.")
					return nil
				},
			},
		},
	}
}

func listRemote(ctx context.Context, cfg *config.Config, limit int, unreadOnly bool) error {
	tokens := token.NewStore(cfg.TokenPath)
	if tokens.Token() == "" {
		return fmt.Errorf("not logged in (run `souk login` first)")
	}

	client := api.NewClient(cfg.APIURL, tokens)
	store := notifications.NewStore(client, func() bool {
		return tokens.Token() != ""
	})
	if err := store.Fetch(ctx); err != nil {
		return err
	}

	render(store.Snapshot(), store.UnreadCount(), limit, unreadOnly)
	return nil
}

func listOffline(cfg *config.Config, limit int, unreadOnly bool) error {
	if cfg.HistoryDBPath == "" {
		return fmt.Errorf("history archive disabled (set history_db_path in the config)")
	}
	archive, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = archive.Close()
	}()

	items, err := archive.Recent(limit)
	if err != nil {
		return err
	}

	unread := 0
	for _, n := range items {
		if !n.IsRead {
			unread++
		}
	}
	render(items, unread, limit, unreadOnly)
	return nil
}

func render(items []notifications.Notification, unread, limit int, unreadOnly bool) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Notifications (%d unread)", unread)))

	shown := 0
	for _, n := range items {
		if unreadOnly && n.IsRead {
			continue
		}
		if limit > 0 && shown >= limit {
			break
		}
		shown++

		label := humanizeType(n.Type)
		line := fmt.Sprintf("%s %s", label, n.Message)
		if n.IsRead {
			fmt.Println(readStyle.Render("  " + line))
		} else {
			fmt.Println(unreadStyle.Render("● ") + line)
		}

		meta := fmt.Sprintf("  id=%s %s", n.ID, n.ModifiedAt.Format("2006-01-02 15:04"))
		if target := notifications.RouteFor(n.Type).Target; target != notifications.TargetNone {
			meta += fmt.Sprintf(" → %s", target)
		}
		fmt.Println(metaStyle.Render(meta))
	}

	if shown == 0 {
		fmt.Println(noDataStyle.Render("No notifications."))
	}
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cardwall/cardsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local cache and sync status",
	Long: `Display the state of the local cache.

Shows:
  - Database location and size
  - Signed-in user
  - Number of boards and cards
  - Pending mutations and connectivity`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd.Context())
		defer a.Close()

		ctx, cancel := commandContext(cmd)
		defer cancel()

		sizeStr := "unknown"
		if info, err := os.Stat(a.StorePath()); err == nil {
			sizeStr = formatSize(info.Size())
		}

		user := ui.RenderWarn("not logged in")
		if u, ok := a.Cache.User(); ok && a.State.LoggedIn() {
			user = u.Email
		}

		boards := a.Cache.Boards()
		cards := 0
		for _, b := range boards {
			cards += len(b.Cards)
		}

		pending, err := a.Queue.Len(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending mutations: %v\n", err)
			os.Exit(1)
		}
		queued, err := a.Queue.Boards(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queued boards: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s cardsync status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", a.StorePath())
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("User: %s\n", user)
		fmt.Printf("Boards: %d\n", len(boards))
		fmt.Printf("Cards: %d\n", cards)
		fmt.Printf("Pending mutations: %d", pending)
		if len(queued) > 0 {
			fmt.Printf(" (%s)", strings.Join(queued, ", "))
		}
		fmt.Println()
		fmt.Printf("Authority: %s %s\n", appConfig().APIURL, ui.RenderOnline(a.API.Reachable(ctx)))
		fmt.Println()
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

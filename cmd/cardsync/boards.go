package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardwall/cardsync/internal/ui"
)

var boardsCmd = &cobra.Command{
	Use:     "boards",
	GroupID: "boards",
	Short:   "List boards",
	Long: `Refresh the board list from the remote authority and print it.

With --offline (or when the authority cannot be reached) the cached list is
printed instead. Cards of boards already in the cache are kept.`,
	Run: func(cmd *cobra.Command, args []string) {
		offline, _ := cmd.Flags().GetBool("offline")

		a := openApp(cmd.Context())
		defer a.Close()

		boards := a.Cache.Boards()
		if !offline {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			synced, err := a.SyncBoards(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v (showing cached boards)\n", ui.RenderWarn("⚠"), err)
			} else {
				boards = synced
			}
		}

		if len(boards) == 0 {
			fmt.Println("No boards")
			return
		}
		for _, b := range boards {
			fmt.Printf("%s  %s %s\n", ui.RenderAccent(b.ID), b.Name,
				ui.RenderMuted(fmt.Sprintf("(%d cards)", len(b.Cards))))
		}
	},
}

func init() {
	boardsCmd.Flags().Bool("offline", false, "print the cached list without contacting the authority")
	rootCmd.AddCommand(boardsCmd)
}

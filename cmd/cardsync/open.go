package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/session"
	"github.com/cardwall/cardsync/internal/ui"
)

var openCmd = &cobra.Command{
	Use:     "open <board>",
	GroupID: "boards",
	Short:   "Open a board session in the foreground",
	Long: `Open a board session, keep it synchronized and print every change.

Commands are read from stdin, one per line:
  ls                    list cards
  add <text>            create and commit a text card
  new <text>            create a local card (not yet synchronized)
  commit <id>           commit a local card
  edit <id> <text>      replace a card's text
  mv <id> <x> <y>       move a card
  rm <id>               delete a card
  quit                  close the session

Card ids may be abbreviated to any unique prefix. Pressing Ctrl+C while
local work is pending prints a warning; press it again to exit anyway.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		boardID := args[0]

		a := openApp(cmd.Context())
		a.Start()

		s, err := a.OpenBoard(cmd.Context(), boardID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			_ = a.Close()
			os.Exit(1)
		}

		s.OnChange(func(ev session.Event) {
			fmt.Printf("%s %s %s\n", ui.RenderAccent("•"), ev.Kind, strings.Join(ev.IDs, " "))
		})

		fmt.Printf("%s Board %s open (%d cards, %s)\n", ui.RenderPass("✓"),
			ui.RenderBold(boardID), len(s.Cards()), ui.RenderOnline(a.State.Online()))

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		warned := false
	loop:
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					break loop
				}
				quit, err := runLine(s, line, os.Stdout)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
				}
				if quit {
					break loop
				}
			case <-sigs:
				if a.CanExit() || warned {
					break loop
				}
				warned = true
				fmt.Fprintf(os.Stderr, "\n%s Local work pending: %s\n", ui.RenderWarn("⚠"),
					strings.Join(a.PendingWork(), ", "))
				fmt.Fprintln(os.Stderr, "Press Ctrl+C again to exit anyway")
			}
		}

		fmt.Println("Closing session...")
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

// cardEditor is the part of a board session driven by stdin commands.
type cardEditor interface {
	Cards() []schema.Card
	Card(id string) (schema.Card, bool)
	CreateCard(init session.CardInit) schema.Card
	UpdateCard(card schema.Card, create bool) error
	DeleteCard(id string) error
}

var errUsage = errors.New("usage")

// runLine executes one command line against the session.
func runLine(s cardEditor, line string, out io.Writer) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	verb, rest := fields[0], fields[1:]
	text := func(from int) string {
		return strings.Join(rest[from:], " ")
	}

	switch verb {
	case "quit", "exit":
		return true, nil

	case "ls":
		for _, c := range s.Cards() {
			state := ""
			if c.IsNew() {
				state = ui.RenderWarn(" (local)")
			}
			fmt.Fprintf(out, "%s  %-5s  (%g,%g)  %s%s\n", c.ID, c.Type, c.Pos.X, c.Pos.Y, cardText(c), state)
		}
		return false, nil

	case "add", "new":
		card := s.CreateCard(session.CardInit{Type: schema.CardText, Content: schema.TextContent(text(0))})
		if verb == "add" {
			return false, s.UpdateCard(card, true)
		}
		fmt.Fprintln(out, card.ID)
		return false, nil

	case "commit":
		if len(rest) != 1 {
			return false, fmt.Errorf("%w: commit <id>", errUsage)
		}
		card, err := resolveCard(s, rest[0])
		if err != nil {
			return false, err
		}
		return false, s.UpdateCard(card, true)

	case "edit":
		if len(rest) < 1 {
			return false, fmt.Errorf("%w: edit <id> <text>", errUsage)
		}
		card, err := resolveCard(s, rest[0])
		if err != nil {
			return false, err
		}
		card.Content = schema.TextContent(text(1))
		return false, s.UpdateCard(card, false)

	case "mv":
		if len(rest) != 3 {
			return false, fmt.Errorf("%w: mv <id> <x> <y>", errUsage)
		}
		card, err := resolveCard(s, rest[0])
		if err != nil {
			return false, err
		}
		x, errX := strconv.ParseFloat(rest[1], 64)
		y, errY := strconv.ParseFloat(rest[2], 64)
		if errX != nil || errY != nil {
			return false, fmt.Errorf("%w: mv <id> <x> <y>", errUsage)
		}
		card.Pos = schema.Pos{X: x, Y: y}
		return false, s.UpdateCard(card, false)

	case "rm":
		if len(rest) != 1 {
			return false, fmt.Errorf("%w: rm <id>", errUsage)
		}
		card, err := resolveCard(s, rest[0])
		if err != nil {
			return false, err
		}
		return false, s.DeleteCard(card.ID)

	default:
		return false, fmt.Errorf("unknown command %q", verb)
	}
}

// resolveCard finds a card by id or unique id prefix.
func resolveCard(s cardEditor, ref string) (schema.Card, error) {
	if c, ok := s.Card(ref); ok {
		return c, nil
	}

	var match schema.Card
	n := 0
	for _, c := range s.Cards() {
		if strings.HasPrefix(c.ID, ref) {
			match = c
			n++
		}
	}
	switch n {
	case 0:
		return schema.Card{}, fmt.Errorf("%w: %s", session.ErrCardNotFound, ref)
	case 1:
		return match, nil
	default:
		return schema.Card{}, fmt.Errorf("ambiguous card id %q matches %d cards", ref, n)
	}
}

func cardText(c schema.Card) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c.Content, &body); err != nil || body.Text == "" {
		return string(c.Content)
	}
	return body.Text
}

func init() {
	rootCmd.AddCommand(openCmd)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	chatsync "github.com/bustart/chatsync/app"
	"github.com/bustart/chatsync/request"
)

var (
	gatewayURL  string
	accessToken string
	historyFile string
)

func init() {
	runCmd.Flags().StringVar(&gatewayURL, "gateway", "", "websocket URL of the chat gateway (overrides config)")
	runCmd.Flags().StringVar(&accessToken, "token", "", "access token of the signed-in user (overrides config)")
	runCmd.Flags().StringVar(&historyFile, "history", "", "path of the local message cache (overrides config)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and sync interactively",
	Long: "Open a gateway session and keep local state synchronized. Commands are\n" +
		"read from stdin:\n" +
		"  open <room>              activate a room\n" +
		"  send <room> <text>       send a message\n" +
		"  query <room> [old|new]   fetch a history page\n" +
		"  read <room> <n> <ts>     advance the read cursor\n" +
		"  rooms                    list known rooms\n" +
		"  messages <room>          list a room's messages\n" +
		"  quit                     exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := chatsync.LoadConfig()
		if err != nil {
			return err
		}
		if gatewayURL != "" {
			config.Gateway.URL = gatewayURL
		}
		if accessToken != "" {
			config.Auth.AccessToken = accessToken
		}
		if historyFile != "" {
			config.History.Enabled = true
			config.History.File = historyFile
		}

		client, err := chatsync.NewClient(config)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		fmt.Printf("connected as %s\n", client.UserID())

		go func() {
			for diag := range client.Diagnostics() {
				fmt.Printf("[%s] %s\n", diag.Source, diag.Message)
			}
		}()

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := runCommand(client, line); quit {
					return nil
				}
			}
		}
	},
}

func runCommand(client *chatsync.Client, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "quit", "exit":
		return true

	case "open":
		if len(fields) < 2 {
			fmt.Println("usage: open <room>")
			return false
		}
		client.SetActiveRoom(fields[1])

	case "send":
		if len(fields) < 3 {
			fmt.Println("usage: send <room> <text>")
			return false
		}
		client.SendMessage(fields[1], strings.Join(fields[2:], " "))

	case "query":
		if len(fields) < 2 {
			fmt.Println("usage: query <room> [old|new]")
			return false
		}
		kind := request.QueryMessages
		if len(fields) > 2 {
			switch fields[2] {
			case "old":
				kind = request.QueryOldMessages
			case "new":
				kind = request.QueryNewMessages
			default:
				fmt.Println("direction must be old or new")
				return false
			}
		}
		client.QueryMessages(kind, fields[1], 0, 0, 0)

	case "read":
		if len(fields) < 4 {
			fmt.Println("usage: read <room> <count> <timestamp>")
			return false
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			fmt.Println("count must be a number")
			return false
		}
		upTo, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			fmt.Println("timestamp must be a number")
			return false
		}
		client.MarkRead(fields[1], count, upTo)

	case "rooms":
		for _, room := range client.Rooms() {
			marker := " "
			if room.Active {
				marker = "*"
			}
			last := ""
			if room.LastMessage != nil {
				last = room.LastMessage.Text
			}
			fmt.Printf("%s %s (%d messages) %s\n", marker, room.ID, room.MessageCount, last)
		}

	case "messages":
		if len(fields) < 2 {
			fmt.Println("usage: messages <room>")
			return false
		}
		for _, message := range client.Messages(fields[1]) {
			state := ""
			if message.Loading {
				state = " (sending)"
			}
			fmt.Printf("%d %s: %s%s\n", message.CreatedAt, message.OwnerID, message.Text, state)
		}

	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	return false
}

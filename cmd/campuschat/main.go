// Command campuschat is a small terminal client for the messaging
// subsystem, mostly useful for poking at a running server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/aberthelot/campuschat/pkg/client"
	"github.com/aberthelot/campuschat/pkg/protocol"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server base URL")
	username := flag.String("username", "", "Username to log in with")
	password := flag.String("password", "", "Password to log in with")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: campuschat -username <name> -password <password> [-server <url>]")
		os.Exit(1)
	}

	api := client.NewAPI(*serverURL)
	user, err := api.Login(*username, *password)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	fmt.Printf("Logged in as %s (%s)\n", user.DisplayName, user.Role)

	wsURL := "ws" + strings.TrimPrefix(*serverURL, "http") + "/ws"
	session := client.NewSession(api, wsURL)
	if *debug {
		session.SetLogger(log.New(os.Stderr, "[session] ", log.LstdFlags))
	}
	defer session.Disconnect()

	state := client.NewState()

	session.AddMessageListener(func(envelopeType string, msg protocol.MessageDTO) {
		state.Upsert(msg)
		if envelopeType == protocol.TypeMessage {
			fmt.Printf("\n%s: %s\n> ", msg.SenderName, msg.Content)
			// Receipt for the sender.
			session.UpdateStatus(msg.ID, protocol.StatusRead)
		}
	})
	session.AddStatusListener(func(update protocol.StatusUpdateDTO) {
		state.ApplyStatus(update)
		fmt.Printf("\n[message %d is now %s]\n> ", update.MessageID, update.Status)
	})
	session.AddConnectionListener(func(connected bool) {
		if connected {
			fmt.Print("\n[connected]\n> ")
		} else {
			fmt.Print("\n[disconnected, retrying]\n> ")
		}
	})

	if err := session.Connect(); err != nil {
		log.Printf("Connect failed, will retry: %v", err)
	}

	conversations, err := api.ListConversations()
	if err != nil {
		log.Printf("Failed to list conversations: %v", err)
	}
	for _, c := range conversations {
		fmt.Printf("  [%d] %s (%s) - %d unread\n", c.UserID, c.DisplayName, c.Role, c.UnreadCount)
	}
	fmt.Println("Commands: /to <userId>, /history, /quit. Anything else sends to the current counterpart.")

	var counterpart int64
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":

		case line == "/quit":
			return

		case strings.HasPrefix(line, "/to "):
			id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/to ")), 10, 64)
			if err != nil {
				fmt.Println("Usage: /to <userId>")
				break
			}
			counterpart = id
			history, err := api.History(counterpart)
			if err != nil {
				fmt.Printf("Failed to fetch history: %v\n", err)
				break
			}
			state.Replace(history)
			for _, msg := range history {
				fmt.Printf("  %s: %s [%s]\n", msg.SenderName, msg.Content, msg.Status)
			}

		case line == "/history":
			for _, msg := range state.Messages() {
				fmt.Printf("  %s: %s [%s]\n", msg.SenderName, msg.Content, msg.Status)
			}

		default:
			if counterpart == 0 {
				fmt.Println("Pick a counterpart first with /to <userId>")
				break
			}
			msg, err := session.Send(counterpart, line)
			if err != nil {
				fmt.Printf("Send failed: %v\n", err)
				break
			}
			if msg != nil {
				// Fallback path returned the stored row directly.
				state.Upsert(*msg)
			}
		}
		fmt.Print("> ")
	}
}

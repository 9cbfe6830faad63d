package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

func main() {
	server := flag.String("server", "http://localhost:3210", "Cogito server URL")
	session := flag.String("session", "", "Session ID (random if empty)")
	flag.Parse()

	if *session == "" {
		*session = "cli-" + uuid.New().String()
	}

	fmt.Println("Cogito CLI Chat")
	fmt.Printf("Server: %s | Session: %s\n", *server, *session)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /tools, /history")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if input == "/tools" {
			fetchTools(*server)
			continue
		}
		if input == "/history" {
			fetchHistory(*server, *session)
			continue
		}

		sendQuery(*server, *session, input)
	}
}

func fetchTools(server string) {
	resp, err := http.Get(server + "/api/tools")
	if err != nil {
		printError("Failed to fetch tools: %v", err)
		return
	}
	defer resp.Body.Close()

	var tools []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		printError("Failed to parse tools: %v", err)
		return
	}
	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return
	}
	fmt.Println("Available tools:")
	for _, t := range tools {
		fmt.Printf("  %s — %s\n", t.Name, t.Description)
	}
}

func fetchHistory(server, session string) {
	resp, err := http.Get(server + "/api/chat/" + session)
	if err != nil {
		printError("Failed to fetch history: %v", err)
		return
	}
	defer resp.Body.Close()

	var body struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
			View    string `json:"view,omitempty"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		printError("Failed to parse history: %v", err)
		return
	}
	if len(body.Messages) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, m := range body.Messages {
		printMessage(m.Role, m.Content, m.View)
	}
}

func sendQuery(server, session, query string) {
	body, _ := json.Marshal(map[string]string{
		"session_id": session,
		"query":      query,
	})

	client := &http.Client{Timeout: 180 * time.Second}
	resp, err := client.Post(
		server+"/api/chat",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	// The server streams one JSON object per line while the run is in
	// flight, then a terminal final or failure event.
	dec := json.NewDecoder(resp.Body)
	for {
		var ev struct {
			Event   string `json:"event"`
			Answer  string `json:"answer"`
			Error   string `json:"error"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
				View    string `json:"view,omitempty"`
			} `json:"message"`
		}
		if err := dec.Decode(&ev); err != nil {
			if err != io.EOF {
				printError("Stream ended unexpectedly: %v", err)
			}
			return
		}
		switch ev.Event {
		case "message":
			// The user message echoes back first; skip reprinting it.
			if ev.Message.Role == "user" {
				continue
			}
			printMessage(ev.Message.Role, ev.Message.Content, ev.Message.View)
		case "final":
			fmt.Printf("\033[32m[answer]\033[0m %s\n", ev.Answer)
			return
		case "failure":
			printError("Reasoning failed: %s", ev.Error)
			return
		}
	}
}

func printMessage(role, content, view string) {
	switch role {
	case "user":
		fmt.Printf("\033[33m[you]\033[0m %s\n", content)
	case "tool":
		label := "tool"
		if view != "" {
			label = "tool:" + view
		}
		fmt.Printf("\033[36m[%s]\033[0m %s\n", label, content)
	default:
		fmt.Printf("\033[35m[model]\033[0m %s\n", content)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}

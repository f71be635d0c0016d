// Command chat is a small terminal client for the covenant HTTP API.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
)

func main() {
	server := flag.String("server", "http://localhost:3210", "covenant server URL")
	tenant := flag.String("tenant", "default", "Tenant ID")
	agent := flag.String("agent", "", "Agent ID to chat with")
	user := flag.String("user", "cli-user", "User ID for the conversation")
	flag.Parse()

	fmt.Println("Covenant CLI Chat")
	fmt.Printf("Server: %s | Tenant: %s | User: %s\n", *server, *tenant, *user)
	fmt.Println("Type 'exit' or 'quit' to leave. Commands: /agents")
	fmt.Println("---")

	if *agent == "" {
		fetchAgents(*server, *tenant)
		fmt.Println("Pick an agent with -agent <id>.")
		return
	}

	var threadID string
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
		if input == "/agents" {
			fetchAgents(*server, *tenant)
			continue
		}

		threadID = sendMessage(*server, *tenant, *agent, *user, threadID, input)
	}
}

func fetchAgents(server, tenant string) {
	req, _ := http.NewRequest(http.MethodGet, server+"/api/agents", nil)
	req.Header.Set("X-Tenant-ID", tenant)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Failed to fetch agents: %v", err)
		return
	}
	defer resp.Body.Close()

	var agents []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		printError("Failed to decode agents: %v", err)
		return
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return
	}
	fmt.Println("Agents:")
	for _, a := range agents {
		fmt.Printf("  %s  %s (%s, %s)\n", a.ID, a.Name, a.Type, a.Status)
	}
}

func sendMessage(server, tenant, agent, user, threadID, message string) string {
	body, _ := json.Marshal(map[string]string{
		"agent_id":  agent,
		"tenant_id": tenant,
		"user_id":   user,
		"message":   message,
		"thread_id": threadID,
	})

	req, _ := http.NewRequest(http.MethodPost, server+"/api/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenant)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return threadID
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		printError("Server returned %d: %s", resp.StatusCode, errBody.Error)
		return threadID
	}

	var reply struct {
		ThreadID string `json:"thread_id"`
		Response string `json:"response"`
		Metadata struct {
			MemoryConfidence float64 `json:"memory_confidence"`
			MessageCount     int     `json:"message_count"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		printError("Failed to decode reply: %v", err)
		return threadID
	}

	fmt.Printf("\n%s\n", reply.Response)
	fmt.Printf("[thread %s | %d messages | memory %.2f]\n",
		reply.ThreadID, reply.Metadata.MessageCount, reply.Metadata.MemoryConfidence)
	return reply.ThreadID
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}

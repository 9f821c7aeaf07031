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
)

func main() {
	server := flag.String("server", "http://localhost:3210", "Nuka Conductor server URL")
	bestEffort := flag.Bool("best-effort", false, "Keep going when a stage fails")
	timeout := flag.String("timeout", "", "Session timeout, e.g. 2m")
	flag.Parse()

	fmt.Println("Nuka Conductor CLI")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Type a goal to run it. Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /agents, /sessions, /abort <session-id>")
	fmt.Println("---")

	fetchAgents(*server)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Println("Bye!")
			return
		case input == "/agents":
			fetchAgents(*server)
		case input == "/sessions":
			fetchSessions(*server)
		case strings.HasPrefix(input, "/abort "):
			abortSession(*server, strings.TrimSpace(strings.TrimPrefix(input, "/abort ")))
		default:
			submitGoal(*server, input, *bestEffort, *timeout)
		}
	}
}

func fetchAgents(server string) {
	resp, err := http.Get(server + "/api/agents")
	if err != nil {
		printError("Failed to fetch agents: %v", err)
		return
	}
	defer resp.Body.Close()

	var agents []struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
		Status       string   `json:"status"`
		Load         int      `json:"load"`
		SuccessRate  float64  `json:"success_rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		printError("Failed to parse agents: %v", err)
		return
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return
	}
	fmt.Println("Agents:")
	for _, a := range agents {
		fmt.Printf("  %s %s (%s) [%s] load=%d success=%.0f%%\n",
			statusIcon(a.Status), a.ID, a.Name, strings.Join(a.Capabilities, ","), a.Load, a.SuccessRate*100)
	}
}

func fetchSessions(server string) {
	resp, err := http.Get(server + "/api/sessions")
	if err != nil {
		printError("Failed to fetch sessions: %v", err)
		return
	}
	defer resp.Body.Close()

	var sessions []struct {
		ID       string  `json:"id"`
		Goal     string  `json:"goal"`
		State    string  `json:"state"`
		Stage    int     `json:"stage"`
		Stages   int     `json:"stages"`
		Progress float64 `json:"progress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		printError("Failed to parse sessions: %v", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions in flight.")
		return
	}
	for _, s := range sessions {
		fmt.Printf("  %s %-12s stage %d/%d %3.0f%%  %s\n", s.ID, s.State, s.Stage+1, s.Stages, s.Progress*100, s.Goal)
	}
}

func abortSession(server, id string) {
	req, _ := http.NewRequest(http.MethodDelete, server+"/api/sessions/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}
	fmt.Println("Abort requested.")
}

type event struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	State     string  `json:"state"`
	Stage     int     `json:"stage"`
	TaskID    string  `json:"task_id"`
	AgentID   string  `json:"agent_id"`
	Success   bool    `json:"success"`
	Progress  float64 `json:"progress"`
	Error     string  `json:"error"`
	Kind      string  `json:"kind"`
	Result    *struct {
		Summary     string   `json:"summary"`
		Confidence  float64  `json:"confidence"`
		Partial     bool     `json:"partial"`
		FailedTasks []string `json:"failed_tasks"`
	} `json:"result"`
}

func submitGoal(server, goal string, bestEffort bool, timeout string) {
	payload := map[string]any{"goal": goal}
	if bestEffort || timeout != "" {
		policy := map[string]any{}
		if bestEffort {
			policy["best_effort"] = true
		}
		if timeout != "" {
			policy["timeout"] = timeout
		}
		payload["policy"] = policy
	}
	body, _ := json.Marshal(payload)

	// No client timeout: the session's own timeout bounds the stream.
	resp, err := http.Post(server+"/api/submit/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}

	start := time.Now()
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if strings.HasPrefix(line, "data: ") {
			var ev event
			if json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev) == nil {
				printEvent(ev, start)
			}
		}
		if err != nil {
			if err != io.EOF {
				printError("Stream broken: %v", err)
			}
			return
		}
	}
}

func printEvent(ev event, start time.Time) {
	switch ev.Type {
	case "":
		if ev.SessionID != "" {
			fmt.Printf("\033[90msession %s\033[0m\n", ev.SessionID)
		}
	case "state":
		fmt.Printf("\033[90m· %s\033[0m\n", ev.State)
	case "stage_started":
		fmt.Printf("\033[36mstage %d\033[0m\n", ev.Stage+1)
	case "task_finished":
		icon := "\033[32m✓\033[0m"
		if !ev.Success {
			icon = "\033[31m✗\033[0m"
		}
		fmt.Printf("  %s %s @%s", icon, ev.TaskID, ev.AgentID)
		if ev.Error != "" {
			fmt.Printf(" \033[31m(%s)\033[0m", ev.Error)
		}
		fmt.Println()
	case "failover":
		fmt.Printf("  \033[33m↻ %s failing over to @%s\033[0m\n", ev.TaskID, ev.AgentID)
	case "stage_finished":
		fmt.Printf("\033[90m  %.0f%% done\033[0m\n", ev.Progress*100)
	case "done":
		elapsed := time.Since(start).Round(time.Millisecond)
		if ev.Result == nil {
			printError("%s after %s: %s", ev.State, elapsed, ev.Error)
			return
		}
		fmt.Printf("\n%s\n", ev.Result.Summary)
		note := ""
		if ev.Result.Partial {
			note = fmt.Sprintf(", partial: %s failed", strings.Join(ev.Result.FailedTasks, ", "))
		}
		fmt.Printf("\033[90mconfidence %.2f, %s%s\033[0m\n", ev.Result.Confidence, elapsed, note)
	}
}

func statusIcon(status string) string {
	switch status {
	case "idle":
		return "\033[32m●\033[0m"
	case "busy":
		return "\033[33m●\033[0m"
	}
	return "\033[31m●\033[0m"
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}

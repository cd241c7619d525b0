// commands.go contains the client-side cobra commands. They talk to a
// running daemon over its HTTP API, except "jobs list" which reads the
// jobs file directly.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomluvoe/agentgw/internal/config"
	"github.com/tomluvoe/agentgw/internal/cron"
)

const defaultConfigName = "agentgw.yaml"

// apiClient is a thin HTTP client for the daemon API.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAPIClient(configPath, server, apiKey string) (*apiClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if server == "" {
		server = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if apiKey == "" {
		apiKey = cfg.Auth.APIKey
	}
	return &apiClient{
		base:   strings.TrimRight(server, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func (c *apiClient) do(cmd *cobra.Command, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.http.Do(req)
}

// doJSON performs a request and decodes the JSON response, turning
// non-2xx statuses into errors using the server's error payload.
func (c *apiClient) doJSON(cmd *cobra.Command, method, path string, body, out any) error {
	resp, err := c.do(cmd, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, payload.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}

func addClientFlags(cmd *cobra.Command, configPath, server, apiKey *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(server, "server", "", "Daemon address (default from config)")
	cmd.Flags().StringVar(apiKey, "api-key", "", "API key for daemon auth (default from config)")
}

// =============================================================================
// Chat / Run / Route
// =============================================================================

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
		sessionID  string
	)
	cmd := &cobra.Command{
		Use:   "chat <skill> <message>",
		Short: "Stream a skill run to the terminal",
		Example: `  # One-shot streaming chat
  agentgw chat researcher "what changed in the last ingest?"

  # Continue an existing session
  agentgw chat researcher "go deeper" --session 4f1f...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			return streamChat(cmd, client, args[0], args[1], sessionID)
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID to continue")
	return cmd
}

// streamChat consumes the SSE stream from POST /api/chat and renders
// text deltas as they arrive.
func streamChat(cmd *cobra.Command, client *apiClient, skill, message, sessionID string) error {
	resp, err := client.do(cmd, http.MethodPost, "/api/chat", map[string]string{
		"skill_name": skill,
		"message":    message,
		"session_id": sessionID,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	out := cmd.OutOrStdout()
	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "":
				fmt.Fprint(out, data)
			case "tool":
				var tool struct {
					Tool    string `json:"tool"`
					IsError bool   `json:"is_error"`
				}
				if json.Unmarshal([]byte(data), &tool) == nil {
					marker := "done"
					if tool.IsError {
						marker = "error"
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "[tool %s: %s]\n", tool.Tool, marker)
				}
			case "done":
				var done struct {
					SessionID string `json:"session_id"`
				}
				fmt.Fprintln(out)
				if json.Unmarshal([]byte(data), &done) == nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", done.SessionID)
				}
			case "error":
				var fail struct {
					Error string `json:"error"`
				}
				if json.Unmarshal([]byte(data), &fail) == nil {
					return fmt.Errorf("run failed: %s", fail.Error)
				}
				return fmt.Errorf("run failed: %s", data)
			}
		}
	}
	return scanner.Err()
}

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
		sessionID  string
	)
	cmd := &cobra.Command{
		Use:   "run <skill> <message>",
		Short: "Run a skill to completion and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			var resp struct {
				SessionID string `json:"session_id"`
				Result    string `json:"result"`
			}
			err = client.doJSON(cmd, http.MethodPost, "/api/run", map[string]string{
				"skill_name": args[0],
				"message":    args[1],
				"session_id": sessionID,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Result)
			fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", resp.SessionID)
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID to continue")
	return cmd
}

func buildRouteCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
	)
	cmd := &cobra.Command{
		Use:   "route <message>",
		Short: "Ask the router which skill should handle a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			var decision struct {
				SkillName string `json:"skill_name"`
				Reason    string `json:"reason"`
			}
			err = client.doJSON(cmd, http.MethodPost, "/api/route", map[string]string{
				"message": args[0],
			}, &decision)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Skill: %s\n", decision.SkillName)
			fmt.Fprintf(out, "Reason: %s\n", decision.Reason)
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	return cmd
}

// =============================================================================
// Skills and Sessions
// =============================================================================

func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect loaded skills",
	}
	cmd.AddCommand(buildSkillsListCmd())
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List skills loaded by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			var resp struct {
				Skills []struct {
					Name        string   `json:"name"`
					Description string   `json:"description"`
					Tags        []string `json:"tags"`
					Tools       []string `json:"tools"`
				} `json:"skills"`
			}
			if err := client.doJSON(cmd, http.MethodGet, "/api/skills", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Skills) == 0 {
				fmt.Fprintln(out, "No skills loaded.")
				return nil
			}
			fmt.Fprintln(out, "Skills:")
			for _, skill := range resp.Skills {
				fmt.Fprintf(out, "  %s - %s\n", skill.Name, skill.Description)
				if len(skill.Tags) > 0 {
					fmt.Fprintf(out, "    tags: %s\n", strings.Join(skill.Tags, ", "))
				}
				if len(skill.Tools) > 0 {
					fmt.Fprintf(out, "    tools: %s\n", strings.Join(skill.Tools, ", "))
				}
			}
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect conversation sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
		skill      string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/sessions?limit=%d", limit)
			if skill != "" {
				path += "&skill=" + skill
			}
			var resp struct {
				Sessions []struct {
					ID         string    `json:"id"`
					Skill      string    `json:"skill"`
					LastUsedAt time.Time `json:"last_used_at"`
				} `json:"sessions"`
			}
			if err := client.doJSON(cmd, http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			for _, session := range resp.Sessions {
				fmt.Fprintf(out, "%s  %-20s %s\n",
					session.ID, session.Skill, session.LastUsedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	cmd.Flags().StringVar(&skill, "skill", "", "Filter by skill name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
	)
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			var resp struct {
				Messages []struct {
					Role       string `json:"role"`
					Content    string `json:"content"`
					ToolCallID string `json:"tool_call_id"`
				} `json:"messages"`
			}
			path := "/api/sessions/" + args[0] + "/messages"
			if err := client.doJSON(cmd, http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, msg := range resp.Messages {
				label := msg.Role
				if msg.ToolCallID != "" {
					label = fmt.Sprintf("%s:%s", msg.Role, msg.ToolCallID)
				}
				fmt.Fprintf(out, "[%s] %s\n", label, msg.Content)
			}
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	return cmd
}

// =============================================================================
// RAG
// =============================================================================

func buildRagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rag",
		Short: "Manage the document store",
	}
	cmd.AddCommand(
		buildRagIngestCmd(),
		buildRagSearchCmd(),
		buildRagListCmd(),
		buildRagDeleteCmd(),
	)
	return cmd
}

func buildRagIngestCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
		source     string
		skills     []string
		tags       []string
		collection string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk and index a text file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(args[0])
			if err != nil {
				return err
			}
			if source == "" {
				source = args[0]
			}
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			var resp struct {
				ChunksAdded int `json:"chunks_added"`
			}
			err = client.doJSON(cmd, http.MethodPost, "/api/ingest", map[string]any{
				"text":       text,
				"source":     source,
				"skills":     skills,
				"tags":       tags,
				"collection": collection,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %s: %d chunks\n", source, resp.ChunksAdded)
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	cmd.Flags().StringVar(&source, "source", "", "Source label (default: file path)")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "Restrict visibility to these skills")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tags to attach")
	cmd.Flags().StringVar(&collection, "collection", "", "Target collection (default from config)")
	return cmd
}

// readInput reads a file, or stdin when the path is "-".
func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func buildRagSearchCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
		skills     []string
		tags       []string
		collection string
		topK       int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the document store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			var resp struct {
				Results []struct {
					Source string  `json:"source"`
					Score  float32 `json:"score"`
					Text   string  `json:"text"`
				} `json:"results"`
			}
			err = client.doJSON(cmd, http.MethodPost, "/api/search", map[string]any{
				"query":      args[0],
				"skills":     skills,
				"tags":       tags,
				"collection": collection,
				"top_k":      topK,
			}, &resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}
			for i, hit := range resp.Results {
				text := hit.Text
				if len(text) > 200 {
					text = text[:197] + "..."
				}
				fmt.Fprintf(out, "%d. [%.3f] %s\n   %s\n", i+1, hit.Score, hit.Source, text)
			}
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "Filter by skill scope")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Filter by tag")
	cmd.Flags().StringVar(&collection, "collection", "", "Collection to search")
	cmd.Flags().IntVar(&topK, "top-k", 5, "Number of results")
	return cmd
}

func buildRagListCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
		source     string
		collection string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/documents?limit=%d", limit)
			if source != "" {
				path += "&source=" + source
			}
			if collection != "" {
				path += "&collection=" + collection
			}
			var resp struct {
				Documents []struct {
					ID       string `json:"id"`
					Preview  string `json:"preview"`
					Metadata struct {
						Source string `json:"source"`
					} `json:"metadata"`
				} `json:"documents"`
				Count int `json:"count"`
			}
			if err := client.doJSON(cmd, http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if resp.Count == 0 {
				fmt.Fprintln(out, "No documents found.")
				return nil
			}
			for _, doc := range resp.Documents {
				fmt.Fprintf(out, "%s  %-30s %s\n", doc.ID, doc.Metadata.Source, doc.Preview)
			}
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	cmd.Flags().StringVar(&source, "source", "", "Filter by source substring")
	cmd.Flags().StringVar(&collection, "collection", "", "Filter by collection")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of chunks")
	return cmd
}

func buildRagDeleteCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
		ids        []string
		source     string
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete chunks by id or source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(ids) == 0 && source == "" {
				return fmt.Errorf("either --id or --source is required")
			}
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			path := "/api/documents?"
			if len(ids) > 0 {
				path += "ids=" + strings.Join(ids, ",")
			} else {
				path += "source=" + source
			}
			var resp struct {
				Deleted int `json:"deleted"`
			}
			if err := client.doJSON(cmd, http.MethodDelete, path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d chunks\n", resp.Deleted)
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	cmd.Flags().StringSliceVar(&ids, "id", nil, "Chunk IDs to delete")
	cmd.Flags().StringVar(&source, "source", "", "Delete all chunks from this source")
	return cmd
}

// =============================================================================
// Jobs and Status
// =============================================================================

func buildJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect scheduled jobs",
	}
	cmd.AddCommand(buildJobsListCmd())
	return cmd
}

func buildJobsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs from the jobs file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			specs, err := cron.LoadJobs(cfg.Storage.JobsFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(specs) == 0 {
				fmt.Fprintln(out, "No jobs configured.")
				return nil
			}
			fmt.Fprintln(out, "Jobs:")
			for _, spec := range specs {
				state := "enabled"
				if !spec.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "  %-20s %-16s %s (%s)\n",
					spec.Name, spec.CronExpression, spec.SkillName, state)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		server     string
		apiKey     string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(configPath, server, apiKey)
			if err != nil {
				return err
			}
			var status map[string]any
			if err := client.doJSON(cmd, http.MethodGet, "/daemon/status", nil, &status); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				payload, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(payload))
				return nil
			}
			printStatus(out, status)
			return nil
		},
	}
	addClientFlags(cmd, &configPath, &server, &apiKey)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func printStatus(out io.Writer, status map[string]any) {
	if svc, ok := status["service"].(map[string]any); ok {
		fmt.Fprintln(out, "Service:")
		fmt.Fprintf(out, "  Provider: %v\n", svc["provider"])
		fmt.Fprintf(out, "  Model:    %v\n", svc["model"])
		fmt.Fprintf(out, "  Skills:   %v\n", svc["skills"])
		fmt.Fprintf(out, "  Uptime:   %vs\n", svc["uptime_seconds"])
	}
	sched, ok := status["scheduler"].(map[string]any)
	if !ok {
		return
	}
	if enabled, _ := sched["enabled"].(bool); !enabled {
		fmt.Fprintln(out, "Scheduler: disabled")
		return
	}
	fmt.Fprintln(out, "Scheduler jobs:")
	jobs, _ := sched["jobs"].([]any)
	for _, raw := range jobs {
		job, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %-20s next: %v\n", job["name"], job["next_run"])
		if lastErr, _ := job["last_error"].(string); lastErr != "" {
			fmt.Fprintf(out, "    last error: %s\n", lastErr)
		}
	}
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"zapdesk/internal/config"
	"zapdesk/internal/model"
	"zapdesk/internal/profile"
)

func main() {
	addrFlag := flag.String("addr", "", "daemon api address (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	_ = godotenv.Load()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "init" {
		cmdInit()
		return
	}

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		fatal(err)
	}
	addr := cfg.ListenAddr
	if *addrFlag != "" {
		addr = *addrFlag
	}
	c := &ctl{base: "http://" + addr + "/v1", json: *jsonFlag}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		c.cmdStatus(ctx)
	case "conversations":
		search := ""
		if len(args) > 1 {
			search = args[1]
		}
		c.cmdConversations(ctx, search)
	case "messages":
		requireArgs(args, 2, "usage: zapctl messages <conversation-id>")
		c.cmdMessages(ctx, args[1])
	case "send":
		requireArgs(args, 3, "usage: zapctl send <conversation-id> <body>")
		c.cmdSend(ctx, args[1], strings.Join(args[2:], " "))
	case "read":
		requireArgs(args, 2, "usage: zapctl read <conversation-id>")
		c.post(ctx, "/conversations/"+url.PathEscape(args[1])+"/read", nil)
	case "focus":
		id := ""
		if len(args) > 1 {
			id = args[1]
		}
		c.post(ctx, "/focus", map[string]string{"conversationId": id})
	case "close":
		requireArgs(args, 2, "usage: zapctl close <conversation-id>")
		c.post(ctx, "/conversations/"+url.PathEscape(args[1])+"/close", nil)
	case "assign":
		requireArgs(args, 3, "usage: zapctl assign <conversation-id> <agent-id>")
		c.post(ctx, "/conversations/"+url.PathEscape(args[1])+"/assign", map[string]string{"agentId": args[2]})
	case "watch":
		c.cmdWatch()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

type ctl struct {
	base string
	json bool
}

func (c *ctl) get(ctx context.Context, path string, out any) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		fatal(err)
	}
	c.do(req, out)
}

func (c *ctl) post(ctx context.Context, path string, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fatal(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	var out map[string]any
	c.do(req, &out)
	if c.json {
		printJSON(out)
	} else {
		fmt.Println("ok")
	}
}

func (c *ctl) do(req *http.Request, out any) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", c.base, err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(err)
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "error: daemon returned %s: %s\n", resp.Status, strings.TrimSpace(string(data)))
		os.Exit(1)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fatal(err)
		}
	}
}

func (c *ctl) cmdStatus(ctx context.Context) {
	var st struct {
		State   string   `json:"state"`
		Healthy bool     `json:"healthy"`
		Joined  []string `json:"joined"`
		Focused string   `json:"focused"`
	}
	c.get(ctx, "/status", &st)
	if c.json {
		printJSON(st)
		return
	}
	fmt.Printf("state:   %s\n", st.State)
	fmt.Printf("healthy: %v\n", st.Healthy)
	if st.Focused != "" {
		fmt.Printf("focused: %s\n", st.Focused)
	}
	if len(st.Joined) > 0 {
		fmt.Printf("joined:  %s\n", strings.Join(st.Joined, ", "))
	}
}

func (c *ctl) cmdConversations(ctx context.Context, search string) {
	path := "/conversations"
	if search != "" {
		path += "?search=" + url.QueryEscape(search)
	}
	var convs []model.Conversation
	c.get(ctx, path, &convs)
	if c.json {
		printJSON(convs)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tUNREAD\tLAST MESSAGE")
	for _, cv := range convs {
		preview := ""
		if cv.LastMessage != nil {
			preview = cv.LastMessage.Body
			if len(preview) > 40 {
				preview = preview[:40] + "…"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", cv.ID, cv.Name, cv.Status, cv.UnreadCount, preview)
	}
	_ = w.Flush()
}

func (c *ctl) cmdMessages(ctx context.Context, id string) {
	var msgs []model.Message
	c.get(ctx, "/conversations/"+url.PathEscape(id)+"/messages", &msgs)
	if c.json {
		printJSON(msgs)
		return
	}
	for _, m := range msgs {
		ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
		marker := "<"
		if m.Direction == model.DirectionOutbound {
			marker = ">"
		}
		fmt.Printf("%s %s [%s] %s\n", ts, marker, m.Status, m.Body)
	}
}

func (c *ctl) cmdSend(ctx context.Context, id, body string) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]string{"body": body}); err != nil {
		fatal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/conversations/"+url.PathEscape(id)+"/messages", &buf)
	if err != nil {
		fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	var out map[string]string
	c.do(req, &out)
	if c.json {
		printJSON(out)
	} else {
		fmt.Printf("queued %s\n", out["clientId"])
	}
}

// cmdWatch streams daemon events until interrupted. No request timeout.
func (c *ctl) cmdWatch() {
	resp, err := http.Get(c.base + "/watch")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", c.base, err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
}

// cmdInit writes a default config file if none exists.
func cmdInit() {
	path := profile.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists at %s\n", path)
		os.Exit(1)
	}
	if err := config.Save(path, config.Default()); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s\n", path)
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: zapctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init                       Write a default config file")
	fmt.Fprintln(os.Stderr, "  status                     Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations [search]     List conversations")
	fmt.Fprintln(os.Stderr, "  messages <id>              Show a conversation's messages")
	fmt.Fprintln(os.Stderr, "  send <id> <body...>        Send a text message")
	fmt.Fprintln(os.Stderr, "  read <id>                  Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  focus [id]                 Focus a conversation (empty clears)")
	fmt.Fprintln(os.Stderr, "  assign <id> <agent-id>     Assign a conversation")
	fmt.Fprintln(os.Stderr, "  close <id>                 Close a conversation")
	fmt.Fprintln(os.Stderr, "  watch                      Stream daemon events as NDJSON")
}

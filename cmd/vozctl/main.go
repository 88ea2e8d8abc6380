package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pmoreli/voz/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(profile.SocketPath(profileName))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: vozctl login <account-id>")
			os.Exit(1)
		}
		cmdLogin(c, args[1], *jsonFlag)
	case "logout":
		cmdPost(c, "/v1/logout", nil, *jsonFlag)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: vozctl search <start|stop|drop-filters>")
			os.Exit(1)
		}
		cmdSearch(c, args[1], args[2:], *jsonFlag)
	case "call":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: vozctl call <ring|accept|decline|end>")
			os.Exit(1)
		}
		cmdCall(c, args[1], args[2:], *jsonFlag)
	case "energy":
		if len(args) < 2 || args[1] != "recharge" {
			fmt.Fprintln(os.Stderr, "usage: vozctl energy recharge")
			os.Exit(1)
		}
		cmdPost(c, "/v1/energy/recharge", nil, *jsonFlag)
	case "wager":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: vozctl wager <start|settle>")
			os.Exit(1)
		}
		cmdWager(c, args[1], args[2:], *jsonFlag)
	case "history":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: vozctl history <calls|wagers>")
			os.Exit(1)
		}
		cmdGet(c, "/v1/history/"+args[1])
	case "focus":
		conversation := ""
		if len(args) >= 2 {
			conversation = args[1]
		}
		cmdPost(c, "/v1/focus", map[string]string{"conversation": conversation}, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: vozctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show daemon status")
	fmt.Fprintln(os.Stderr, "  login <account-id>            Log in as an account")
	fmt.Fprintln(os.Stderr, "  logout                        Log out")
	fmt.Fprintln(os.Stderr, "  search start [--gender <g>] [--level <min-max>]")
	fmt.Fprintln(os.Stderr, "  search stop                   Stop searching")
	fmt.Fprintln(os.Stderr, "  search drop-filters           Keep searching without filters")
	fmt.Fprintln(os.Stderr, "  call ring <peer-id> [name]    Ring a peer directly")
	fmt.Fprintln(os.Stderr, "  call accept|decline|end       Act on the current call")
	fmt.Fprintln(os.Stderr, "  energy recharge               Refill energy with coins")
	fmt.Fprintln(os.Stderr, "  wager start <stake>           Stake coins on a game")
	fmt.Fprintln(os.Stderr, "  wager settle <game-id> <win|lose|tie>")
	fmt.Fprintln(os.Stderr, "  history calls|wagers          Show local history")
	fmt.Fprintln(os.Stderr, "  focus [conversation]          Set or clear the focused conversation")
}

// client is an HTTP client pinned to the daemon's unix socket.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{http: &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}}
}

func (c *client) do(method, path string, body any) (map[string]any, []byte) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fatal(err)
		}
	}
	req, err := http.NewRequest(method, "http://voz"+path, &buf)
	if err != nil {
		fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "is vozd running for this profile?")
		os.Exit(1)
	}
	defer func() { _ = res.Body.Close() }()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		fatal(err)
	}

	var obj map[string]any
	_ = json.Unmarshal(data, &obj)
	if res.StatusCode >= 400 {
		msg, _ := obj["error"].(string)
		if msg == "" {
			msg = res.Status
		}
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
		os.Exit(1)
	}
	return obj, data
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

func cmdStatus(c *client, jsonOut bool) {
	obj, data := c.do(http.MethodGet, "/v1/status", nil)
	if jsonOut {
		outputJSON(data)
		return
	}
	accountID, _ := obj["account_id"].(string)
	if accountID == "" {
		fmt.Println("Not logged in")
	} else {
		fmt.Printf("Account: %s\n", accountID)
	}
	if energy, ok := obj["energy"].(map[string]any); ok {
		fmt.Printf("Energy:  %.0f/7", energy["bars"])
		if premium, _ := energy["premium"].(bool); premium {
			fmt.Print(" (premium)")
		}
		fmt.Printf("  Coins: %.0f\n", energy["coins"])
	}
	fmt.Printf("Search:  %s\n", obj["search"])
	if call, ok := obj["call"].(map[string]any); ok {
		if inCall, _ := call["in_call"].(bool); inCall {
			fmt.Printf("Call:    %s (%.0fs)\n", call["partner_name"], call["elapsed_seconds"])
		} else {
			fmt.Println("Call:    none")
		}
	}
	if incoming, ok := obj["incoming"].(map[string]any); ok {
		if active, _ := incoming["active"].(bool); active {
			fmt.Printf("Ringing: %s\n", incoming["caller_name"])
		}
	}
}

func cmdLogin(c *client, accountID string, jsonOut bool) {
	_, data := c.do(http.MethodPost, "/v1/login", map[string]string{"account_id": accountID})
	if jsonOut {
		outputJSON(data)
		return
	}
	fmt.Printf("Logged in as %s\n", accountID)
}

func cmdSearch(c *client, subcmd string, rest []string, jsonOut bool) {
	switch subcmd {
	case "start":
		fs := flag.NewFlagSet("search start", flag.ExitOnError)
		gender := fs.String("gender", "", "preferred partner gender")
		level := fs.String("level", "", "level range, e.g. 3-10")
		_ = fs.Parse(rest)

		body := map[string]any{}
		filters := map[string]any{}
		if *gender != "" {
			filters["gender_pref"] = *gender
		}
		if *level != "" {
			filters["level_range"] = *level
		}
		if len(filters) > 0 {
			body["filters"] = filters
		}
		cmdPost(c, "/v1/search/start", body, jsonOut)
	case "stop":
		cmdPost(c, "/v1/search/stop", nil, jsonOut)
	case "drop-filters":
		cmdPost(c, "/v1/search/drop-filters", nil, jsonOut)
	default:
		fmt.Fprintln(os.Stderr, "usage: vozctl search <start|stop|drop-filters>")
		os.Exit(1)
	}
}

func cmdCall(c *client, subcmd string, rest []string, jsonOut bool) {
	switch subcmd {
	case "ring":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "usage: vozctl call ring <peer-id> [name]")
			os.Exit(1)
		}
		body := map[string]string{"peer_id": rest[0]}
		if len(rest) > 1 {
			body["peer_name"] = rest[1]
		}
		cmdPost(c, "/v1/call/ring", body, jsonOut)
	case "accept", "decline", "end":
		cmdPost(c, "/v1/call/"+subcmd, nil, jsonOut)
	default:
		fmt.Fprintln(os.Stderr, "usage: vozctl call <ring|accept|decline|end>")
		os.Exit(1)
	}
}

func cmdWager(c *client, subcmd string, rest []string, jsonOut bool) {
	switch subcmd {
	case "start":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "usage: vozctl wager start <stake>")
			os.Exit(1)
		}
		stake, err := strconv.Atoi(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid stake %q\n", rest[0])
			os.Exit(1)
		}
		cmdPost(c, "/v1/wager/start", map[string]int{"stake": stake}, jsonOut)
	case "settle":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: vozctl wager settle <game-id> <win|lose|tie>")
			os.Exit(1)
		}
		cmdPost(c, "/v1/wager/settle", map[string]string{"game_id": rest[0], "result": rest[1]}, jsonOut)
	default:
		fmt.Fprintln(os.Stderr, "usage: vozctl wager <start|settle>")
		os.Exit(1)
	}
}

func cmdPost(c *client, path string, body any, jsonOut bool) {
	obj, data := c.do(http.MethodPost, path, body)
	if jsonOut {
		outputJSON(data)
		return
	}
	if len(obj) == 0 {
		fmt.Println("ok")
		return
	}
	for k, v := range obj {
		fmt.Printf("%s: %v\n", k, v)
	}
}

func cmdGet(c *client, path string) {
	// History output is structured either way.
	_, data := c.do(http.MethodGet, path, nil)
	outputJSON(data)
}

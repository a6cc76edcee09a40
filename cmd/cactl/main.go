// Command cactl is the command-line client for a running cad daemon: a
// thin HTTP wrapper following the same global-flags-plus-subcommand
// shape as this project's service-layer ancestor's CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("CACTL_ADDR", "http://localhost:8080")
	defaultToken := os.Getenv("CACTL_TOKEN")

	root := flag.NewFlagSet("cactl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "cad base URL (default env CACTL_ADDR)")
	tokenFlag := root.String("token", defaultToken, "bearer token for authentication (env CACTL_TOKEN)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		token:   strings.TrimSpace(*tokenFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "cas":
		return handleCAs(ctx, client, remaining[1:])
	case "publishers":
		return handlePublishers(ctx, client, remaining[1:])
	case "health":
		data, err := client.request(ctx, http.MethodGet, "/healthz", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`cactl - control client for a cad daemon

Usage:
  cactl [global flags] <command> [subcommand] [flags]

Global Flags:
  --addr       cad base URL (env CACTL_ADDR, default http://localhost:8080)
  --token      API bearer token (env CACTL_TOKEN)
  --timeout    HTTP timeout (default 15s)

Commands:
  cas          Manage Certificate Authorities
  publishers   Manage Publication Server publishers
  health       Check daemon health`)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err == nil {
			if m, ok := parsed["message"].(string); ok && m != "" {
				msg = m
			}
			if code, ok := parsed["code"].(string); ok && code != "" {
				msg = fmt.Sprintf("%s (%s)", msg, code)
			}
		}
		return nil, fmt.Errorf("%s %s: %s (status %d)", method, path, msg, resp.StatusCode)
	}
	return data, nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ---------------------------------------------------------------------
// CAs

func handleCAs(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  cactl cas list
  cactl cas get <handle>
  cactl cas create <handle> [--trust-anchor] [--prefixes 10.0.0.0/8,...] [--aia uri] [--tal-uri uri]
  cactl cas add-parent <handle> --parent <parent-handle> [--embedded <handle>] [--service-uri <uri>]
  cactl cas add-child <handle> --child <child-handle> --prefixes 10.0.0.0/16,...
  cactl cas refresh-entitlements <handle>
  cactl cas publish <handle>
  cactl cas key-roll-init <handle> --staging-seconds N --now N
  cactl cas key-roll-activate <handle> --staging-seconds N --now N
  cactl cas routes <handle> [--add asn:prefix:maxlen,...] [--remove asn:prefix:maxlen,...]`)
		return nil
	}

	switch args[0] {
	case "list":
		data, err := client.request(ctx, http.MethodGet, "/cas/", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "get":
		if len(args) < 2 {
			return errors.New("handle required")
		}
		data, err := client.request(ctx, http.MethodGet, "/cas/"+args[1], nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "create":
		return handleCACreate(ctx, client, args[1:])
	case "add-parent":
		return handleCAAddParent(ctx, client, args[1:])
	case "add-child":
		return handleCAAddChild(ctx, client, args[1:])
	case "refresh-entitlements":
		if len(args) < 2 {
			return errors.New("handle required")
		}
		_, err := client.request(ctx, http.MethodPost, "/cas/"+args[1]+"/entitlements/refresh", nil)
		return err
	case "publish":
		if len(args) < 2 {
			return errors.New("handle required")
		}
		data, err := client.request(ctx, http.MethodPost, "/cas/"+args[1]+"/publish", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "key-roll-init":
		return handleCAKeyRoll(ctx, client, "/key-roll/init", args[1:])
	case "key-roll-activate":
		return handleCAKeyRoll(ctx, client, "/key-roll/activate", args[1:])
	case "routes":
		return handleCARoutes(ctx, client, args[1:])
	default:
		return fmt.Errorf("unknown cas subcommand %q", args[0])
	}
	return nil
}

func handleCACreate(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("handle required")
	}
	handle := args[0]
	fs := flag.NewFlagSet("cas create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	trustAnchor := fs.Bool("trust-anchor", false, "create a Trust Anchor rather than an ordinary CA")
	prefixes := fs.String("prefixes", "", "comma-separated IP prefixes this CA is certified for")
	aia := fs.String("aia", "", "AIA rsync URI (required for a Trust Anchor)")
	talURI := fs.String("tal-uri", "", "TAL rsync URI (required for a Trust Anchor)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	payload := map[string]any{
		"handle":      handle,
		"trustAnchor": *trustAnchor,
		"prefixes":    splitCSV(*prefixes),
		"aia":         *aia,
		"talUri":      *talURI,
	}
	data, err := client.request(ctx, http.MethodPost, "/cas/", payload)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleCAAddParent(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("handle required")
	}
	handle := args[0]
	fs := flag.NewFlagSet("cas add-parent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	parent := fs.String("parent", "", "parent handle (required)")
	embedded := fs.String("embedded", "", "embedded parent handle, if hosted by this daemon")
	serviceURI := fs.String("service-uri", "", "remote parent's RFC 6492 service URI")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *parent == "" {
		return errors.New("--parent is required")
	}
	payload := map[string]any{
		"parentHandle": *parent,
		"embedded":     *embedded,
		"serviceUri":   *serviceURI,
	}
	data, err := client.request(ctx, http.MethodPost, "/cas/"+handle+"/parents", payload)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleCAAddChild(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("handle required")
	}
	handle := args[0]
	fs := flag.NewFlagSet("cas add-child", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	child := fs.String("child", "", "child handle (required)")
	prefixes := fs.String("prefixes", "", "comma-separated IP prefixes to grant the child")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *child == "" {
		return errors.New("--child is required")
	}
	payload := map[string]any{
		"child":    *child,
		"prefixes": splitCSV(*prefixes),
	}
	data, err := client.request(ctx, http.MethodPost, "/cas/"+handle+"/children", payload)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleCAKeyRoll(ctx context.Context, client *apiClient, subpath string, args []string) error {
	if len(args) == 0 {
		return errors.New("handle required")
	}
	handle := args[0]
	fs := flag.NewFlagSet("cas key-roll", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	staging := fs.Int64("staging-seconds", 0, "staging time in seconds")
	now := fs.Int64("now", 0, "current time in unix seconds")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	payload := map[string]any{
		"stagingTimeSeconds": *staging,
		"nowSeconds":         *now,
	}
	data, err := client.request(ctx, http.MethodPost, "/cas/"+handle+subpath, payload)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

// parseRouteTriples parses "asn:prefix:maxlen,..." into route authorization
// request bodies, e.g. "65000:10.0.0.0/16:24".
func parseRouteTriples(s string) ([]map[string]any, error) {
	var out []map[string]any
	for _, item := range splitCSV(s) {
		fields := strings.Split(item, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid route %q, expected asn:prefix:maxlen", item)
		}
		asn, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid asn in %q: %w", item, err)
		}
		maxLen, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid maxlen in %q: %w", item, err)
		}
		out = append(out, map[string]any{"asn": uint32(asn), "prefix": fields[1], "maxLength": maxLen})
	}
	return out, nil
}

func handleCARoutes(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("handle required")
	}
	handle := args[0]
	fs := flag.NewFlagSet("cas routes", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	add := fs.String("add", "", "comma-separated asn:prefix:maxlen routes to add")
	remove := fs.String("remove", "", "comma-separated asn:prefix:maxlen routes to remove")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	addRoutes, err := parseRouteTriples(*add)
	if err != nil {
		return err
	}
	removeRoutes, err := parseRouteTriples(*remove)
	if err != nil {
		return err
	}
	payload := map[string]any{"add": addRoutes, "remove": removeRoutes}
	data, err := client.request(ctx, http.MethodPut, "/cas/"+handle+"/routes", payload)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

// ---------------------------------------------------------------------
// Publishers

func handlePublishers(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  cactl publishers get <handle>
  cactl publishers add <handle> --base-uri <rsync-uri>
  cactl publishers deactivate <handle>`)
		return nil
	}

	switch args[0] {
	case "get":
		if len(args) < 2 {
			return errors.New("handle required")
		}
		data, err := client.request(ctx, http.MethodGet, "/publishers/"+args[1], nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "add":
		if len(args) < 2 {
			return errors.New("handle required")
		}
		handle := args[1]
		fs := flag.NewFlagSet("publishers add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		baseURI := fs.String("base-uri", "", "rsync base URI this publisher's objects are jailed under (required)")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		if *baseURI == "" {
			return errors.New("--base-uri is required")
		}
		payload := map[string]any{"handle": handle, "baseUri": *baseURI}
		data, err := client.request(ctx, http.MethodPost, "/publishers/", payload)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "deactivate":
		if len(args) < 2 {
			return errors.New("handle required")
		}
		data, err := client.request(ctx, http.MethodPost, "/publishers/"+args[1]+"/deactivate", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return fmt.Errorf("unknown publishers subcommand %q", args[0])
	}
	return nil
}

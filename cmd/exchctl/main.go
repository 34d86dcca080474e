// exchctl is a thin command-line client for the exchange API. It reads
// the server URL from EXCHANGE_URL and the bearer credential from
// EXCHANGE_TOKEN, and prints raw JSON responses to stdout.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const usage = `usage: exchctl <command> [flags]

commands:
  register   --email <email> --password <password>
  login      --email <email> --password <password>
  publish    --name <name> --version <v> --description <7 words> --handler-url <url> --price <cents> [--keyword <k>]...
  search     [--q <query>] [--limit <n>]
  invoke     --protocol <id> --input <json> [--debug-sharing]
  report     --invocation <id> [--reason <text>]
  balance
  deposit    --amount <cents>
  withdraw   --amount <cents>
`

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "register", "login":
		err = runCredentials(os.Args[1], os.Args[2:])
	case "publish":
		err = runPublish(os.Args[2:])
	case "search":
		err = runSearch(os.Args[2:])
	case "invoke":
		err = runInvoke(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "balance":
		err = call("GET", "/balance", nil)
	case "deposit":
		err = runTransfer("deposit", os.Args[2:])
	case "withdraw":
		err = runTransfer("withdraw", os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "exchctl:", err)
		os.Exit(1)
	}
}

func runCredentials(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	fs.Parse(args)
	if *email == "" || *password == "" {
		return fmt.Errorf("both --email and --password are required")
	}
	return call("POST", "/auth/"+command, map[string]any{
		"email":    *email,
		"password": *password,
	})
}

func runPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	name := fs.String("name", "", "protocol name")
	version := fs.String("version", "", "protocol version")
	description := fs.String("description", "", "seven word description")
	handlerURL := fs.String("handler-url", "", "handler endpoint")
	price := fs.Int64("price", 0, "price per invocation in cents")
	var keywords repeatStringFlag
	fs.Var(&keywords, "keyword", "declared keyword (repeatable)")
	fs.Parse(args)
	return call("POST", "/protocols", map[string]any{
		"name":                    *name,
		"version":                 *version,
		"description":             *description,
		"handlerUrl":              *handlerURL,
		"pricePerInvocationCents": *price,
		"keywords":                []string(keywords),
	})
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	q := fs.String("q", "", "search query")
	limit := fs.Int("limit", 20, "max results")
	fs.Parse(args)
	v := url.Values{}
	if *q != "" {
		v.Set("q", *q)
	}
	v.Set("limit", fmt.Sprint(*limit))
	return call("GET", "/protocols?"+v.Encode(), nil)
}

func runInvoke(args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	protocol := fs.String("protocol", "", "protocol id")
	input := fs.String("input", "", "input as JSON")
	debugSharing := fs.Bool("debug-sharing", false, "share raw input with the publisher on failure")
	fs.Parse(args)
	if *protocol == "" {
		return fmt.Errorf("--protocol is required")
	}
	var parsed any
	if *input != "" {
		if err := json.Unmarshal([]byte(*input), &parsed); err != nil {
			return fmt.Errorf("--input is not valid JSON: %w", err)
		}
	}
	return call("POST", "/invoke/"+*protocol, map[string]any{
		"input":        parsed,
		"debugSharing": *debugSharing,
	})
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	invocation := fs.String("invocation", "", "invocation id")
	reason := fs.String("reason", "", "why the output was unusable")
	fs.Parse(args)
	if *invocation == "" {
		return fmt.Errorf("--invocation is required")
	}
	body := map[string]any{}
	if *reason != "" {
		body["reason"] = *reason
	}
	return call("POST", "/invocations/"+*invocation+"/report", body)
}

func runTransfer(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	amount := fs.Int64("amount", 0, "amount in cents")
	fs.Parse(args)
	return call("POST", "/balance/"+command, map[string]any{"amountCents": *amount})
}

func call(method, path string, body any) error {
	base := os.Getenv("EXCHANGE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("EXCHANGE_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(out)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

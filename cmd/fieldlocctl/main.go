package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"
)

var (
	serverURL    = flag.String("server", "http://127.0.0.1:8090", "Base URL of the daemon health listener")
	showStatus   = flag.Bool("status", false, "Show full daemon status")
	healthCheck  = flag.Bool("health", false, "Check daemon liveness")
	syncNow      = flag.Bool("sync", false, "Trigger a manual backlog replay")
	outputFormat = flag.String("format", "standard", "Output format: standard, json")
	timeout      = flag.Duration("timeout", 10*time.Second, "Operation timeout")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "fieldlocctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	switch {
	case *healthCheck:
		err = runHealth(ctx)
	case *showStatus:
		err = runStatus(ctx)
	case *syncNow:
		err = runSync(ctx)
	default:
		showUsage()
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runHealth checks the daemon liveness endpoint.
func runHealth(ctx context.Context) error {
	body, err := get(ctx, "/healthz")
	if err != nil {
		return err
	}

	if *outputFormat == "json" {
		return printJSON(body)
	}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		UptimeS int64  `json:"uptime_s"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("parse health response: %w", err)
	}

	fmt.Printf("Daemon: %s\n", health.Status)
	fmt.Printf("Version: %s\n", health.Version)
	fmt.Printf("Uptime: %s\n", (time.Duration(health.UptimeS) * time.Second).String())
	return nil
}

// runStatus dumps the aggregated daemon status sections.
func runStatus(ctx context.Context) error {
	body, err := get(ctx, "/status")
	if err != nil {
		return err
	}

	if *outputFormat == "json" {
		return printJSON(body)
	}

	var status struct {
		Timestamp string                 `json:"timestamp"`
		Version   string                 `json:"version"`
		UptimeS   int64                  `json:"uptime_s"`
		Sections  map[string]interface{} `json:"sections"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parse status response: %w", err)
	}

	fmt.Println("Daemon Status:")
	fmt.Println("==============")
	fmt.Printf("  Version: %s\n", status.Version)
	fmt.Printf("  Uptime: %s\n", (time.Duration(status.UptimeS) * time.Second).String())
	fmt.Printf("  Reported: %s\n", status.Timestamp)

	names := make([]string, 0, len(status.Sections))
	for name := range status.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("\n%s:\n", name)
		printSection(status.Sections[name], "  ")
	}
	return nil
}

// runSync asks the daemon to replay its offline backlog now.
func runSync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *serverURL+"/replay", bytes.NewReader(nil))
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach daemon at %s: %w", *serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read replay response: %w", err)
	}

	var result struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse replay response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if result.Error != "" {
			return fmt.Errorf("replay failed: %s", result.Error)
		}
		return fmt.Errorf("replay failed with HTTP %d", resp.StatusCode)
	}

	fmt.Println("Backlog replay completed")
	return nil
}

// get fetches a health server endpoint and returns the raw body.
func get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *serverURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach daemon at %s: %w", *serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned HTTP %d for %s", resp.StatusCode, path)
	}
	return body, nil
}

func printJSON(body []byte) error {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// printSection renders one status section as indented key/value lines,
// recursing into nested objects.
func printSection(section interface{}, indent string) {
	obj, ok := section.(map[string]interface{})
	if !ok {
		fmt.Printf("%s%v\n", indent, section)
		return
	}

	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch value := obj[key].(type) {
		case map[string]interface{}:
			fmt.Printf("%s%s:\n", indent, key)
			printSection(value, indent+"  ")
		default:
			fmt.Printf("%s%s: %v\n", indent, key, value)
		}
	}
}

// showUsage displays usage information.
func showUsage() {
	fmt.Printf("%s - field location daemon control tool\n", AppName)
	fmt.Printf("Version: %s\n\n", AppVersion)

	fmt.Println("Commands:")
	fmt.Println("  -health           Check daemon liveness")
	fmt.Println("  -status           Show full daemon status")
	fmt.Println("  -sync             Trigger a manual backlog replay")
	fmt.Println("  -version          Show version information")
	fmt.Println()

	fmt.Println("Options:")
	fmt.Println("  -server string    Base URL of the daemon health listener (default \"http://127.0.0.1:8090\")")
	fmt.Println("  -format string    Output format: standard, json (default \"standard\")")
	fmt.Println("  -timeout          Operation timeout (default 10s)")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println("  fieldlocctl -health")
	fmt.Println("  fieldlocctl -status -format json")
	fmt.Println("  fieldlocctl -sync")
}

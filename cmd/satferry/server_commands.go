package main

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check the API and the event stream",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "skip-events",
				Usage: "Skip the event stream check",
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			client := &http.Client{Timeout: c.Duration("timeout")}

			resp, err := client.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
			}
			fmt.Printf("✓ API is healthy at %s\n", serverURL)

			if c.Bool("skip-events") {
				return nil
			}
			if err := checkEventStream(client, serverURL); err != nil {
				return fmt.Errorf("event stream check failed: %w", err)
			}
			fmt.Println("✓ Event stream is accepting subscribers")
			return nil
		},
	}
}

// checkEventStream opens /events and waits for the connected preamble the
// server sends to every new subscriber. The client's timeout bounds the
// wait.
func checkEventStream(client *http.Client, serverURL string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "event: connected" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed before the connected event")
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("satferry %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}

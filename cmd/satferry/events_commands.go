package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/satferry/satferry/client"
	"github.com/satferry/satferry/service/wallet"
)

func watchEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream live wallet events from the server",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "tag",
				Usage: "Only show events with this tag (repeatable: created, settled, expired, payment_succeeded, payment_failed)",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "Only show events for which this jq filter is truthy (repeatable, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			jsonOutput := c.Bool("json")
			tags := c.StringSlice("tag")
			jqFilters := c.StringSlice("must-jq")

			compiledJQFilters, err := compileJQFilters(jqFilters)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))

			// Cancel the stream on interrupt.
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			cl := client.NewClient(serverURL, nil, logger)
			events, err := cl.StreamEvents(ctx)
			if err != nil {
				return err
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming events... (Ctrl+C to stop)\n\n")
			}

			for ev := range events {
				if !matchesTags(ev, tags) {
					continue
				}
				ok, err := matchesJQFilters(ev, compiledJQFilters)
				if err != nil {
					logger.Debug("jq filter error", "error", err)
					continue
				}
				if !ok {
					continue
				}

				if jsonOutput {
					data, err := json.Marshal(ev)
					if err != nil {
						continue
					}
					fmt.Println(string(data))
					continue
				}

				txn := ev.Transaction
				fmt.Printf("%-18s %s %s %d sats\n", ev.Tag, txn.Kind, txn.Hash, txn.AmountSats)
			}

			if ctx.Err() != nil && !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nDisconnected\n")
			}
			return nil
		},
	}
}

func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

func matchesTags(ev wallet.Event, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, tag := range tags {
		if string(ev.Tag) == tag {
			return true
		}
	}
	return false
}

// matchesJQFilters runs every compiled filter against the event's JSON
// form; all must evaluate to a truthy value.
func matchesJQFilters(ev wallet.Event, filters []*gojq.Code) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	// Round-trip through JSON so gojq sees plain maps.
	data, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, err
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq semantics: null and false are falsy, everything else
// is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/satferry/satferry/service/db"
)

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Usage:   "List transactions, newest first",
		Aliases: []string{"txns", "ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   20,
				Usage:   "Maximum number of transactions to show",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of transactions to skip",
			},
			&cli.StringFlag{
				Name:    "kind",
				Aliases: []string{"k"},
				Usage:   "Filter by kind (invoice, payment)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListTransactions(context.Background(), int32(c.Int("limit")), int32(c.Int("offset")))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			// Filter by kind if specified
			kindFilter := c.String("kind")
			if kindFilter != "" {
				filtered := make([]*db.Transaction, 0)
				for _, txn := range txns {
					if string(txn.Kind) == kindFilter {
						filtered = append(filtered, txn)
					}
				}
				txns = filtered
			}

			if c.Bool("json") {
				return outputJSON(txns)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tHASH\tSTATUS\tAMOUNT (SATS)\tFEE\tCREATED")
			for _, txn := range txns {
				fee := "-"
				if txn.FeeSats != nil {
					fee = fmt.Sprintf("%d", *txn.FeeSats)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					txn.Kind,
					txn.Hash,
					txn.Status,
					txn.AmountSats,
					fee,
					txn.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show the running balance",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			balance, err := store.GetBalance(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"received_sats": balance.ReceivedSats,
					"paid_sats":     balance.PaidSats,
					"total_balance": balance.TotalBalance(),
					"last_updated":  balance.LastUpdated,
				})
			}

			fmt.Printf("Received:     %d sats\n", balance.ReceivedSats)
			fmt.Printf("Paid:         %d sats\n", balance.PaidSats)
			fmt.Printf("Total:        %d sats\n", balance.TotalBalance())
			fmt.Printf("Last Updated: %s\n", balance.LastUpdated.Format(time.RFC3339))
			return nil
		},
	}
}

func recomputeBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "recompute-balance",
		Usage: "Recompute the balance from the transaction log and compare it to the live row",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			live, err := store.GetBalance(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			recomputed, err := store.RecomputeBalance(context.Background())
			if err != nil {
				return fmt.Errorf("failed to recompute balance: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"live":       live,
					"recomputed": recomputed,
					"consistent": live.ReceivedSats == recomputed.ReceivedSats && live.PaidSats == recomputed.PaidSats,
				})
			}

			fmt.Printf("Live:       received %d, paid %d\n", live.ReceivedSats, live.PaidSats)
			fmt.Printf("Recomputed: received %d, paid %d\n", recomputed.ReceivedSats, recomputed.PaidSats)
			if live.ReceivedSats == recomputed.ReceivedSats && live.PaidSats == recomputed.PaidSats {
				fmt.Println("Balance is consistent with the transaction log")
				return nil
			}
			return fmt.Errorf("balance row disagrees with the transaction log")
		},
	}
}

// getStore creates a database store from the global database-url flag.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// outputJSON prints a value as indented JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

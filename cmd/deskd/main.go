// Package main is the entry point for the trade desk daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"trade-desk/internal/app"
	"trade-desk/internal/bridge"
	"trade-desk/internal/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	demo       bool
	asJSON     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "deskd",
		Short:        "Multi-account trading desk",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (defaults apply when empty)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(accountsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the desk API against the execution service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if demo {
				cfg.Demo.Enabled = true
			}
			return app.New(cfg).Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "serve a simulated execution service in-process")
	return cmd
}

func upstreamClient() (*bridge.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return bridge.NewClient(app.UpstreamURL(cfg), cfg.Upstream.RequestTimeout()), nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the execution service connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := upstreamClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if status.Connected {
				fmt.Printf("connected: account %d\n", status.AccountID)
			} else {
				fmt.Println("not connected")
			}
			return nil
		},
	}
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List the account registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := upstreamClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			accounts, err := client.Accounts(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(accounts)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLOGIN\tSERVER\tTYPE\tBALANCE")
			for _, a := range accounts {
				balance := "-"
				if a.Balance != nil {
					balance = fmt.Sprintf("%.2f", *a.Balance)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.Login, a.Server, a.Type, balance)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

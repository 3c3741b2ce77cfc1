// stream-probe is a diagnostic tool that opens a telemetry session for one
// account and prints account info and positions as updates arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-desk/internal/bridge"
	"trade-desk/internal/eventloop"
	"trade-desk/internal/model"
	"trade-desk/internal/state"
	"trade-desk/internal/stream"
)

func main() {
	upstream := flag.String("upstream", "http://localhost:8001", "execution service base URL")
	path := flag.String("path", "/api/mt5/stream", "telemetry stream path")
	account := flag.Int64("account", 0, "account id to stream (required)")
	connect := flag.Bool("connect", false, "ask the service to connect the account first")
	reconnect := flag.Duration("reconnect", stream.DefaultReconnectDelay, "delay before reconnecting")
	flag.Parse()

	if *account <= 0 {
		fmt.Fprintln(os.Stderr, "[stream-probe] -account is required")
		os.Exit(2)
	}
	id := model.AccountID(*account)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := bridge.NewClient(*upstream, 10*time.Second)
	defer client.Close()
	if *connect {
		if err := client.Connect(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "[stream-probe] connect: %v\n", err)
			os.Exit(1)
		}
	}
	url, err := client.StreamURL(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[stream-probe] %v\n", err)
		os.Exit(1)
	}

	conn := state.NewConnection()
	conn.Set(id)
	telemetry := state.NewTelemetry(state.DefaultHistoryCapacity)
	loop := eventloop.New(0)

	updates := 0
	session := stream.NewSession(loop, stream.WebsocketDialer{HandshakeTimeout: 10 * time.Second}, conn, telemetry, stream.Options{
		URL:            url,
		ReconnectDelay: *reconnect,
		OnState: func(st stream.State, acct model.AccountID) {
			fmt.Printf("STATE  %s  account=%d\n", st, acct)
		},
		OnUpdate: func() {
			updates++
			snap := telemetry.Snapshot()
			if info := snap.AccountInfo; info != nil {
				fmt.Printf("ACCT  #%d  login=%d  Bal=%.2f  Eq=%.2f  Margin=%.2f  Free=%.2f\n",
					updates, info.Login, info.Balance, info.Equity, info.Margin, info.MarginFree)
			}
			for _, p := range snap.Positions {
				fmt.Printf("POS   %d  %s %s  Vol=%.2f  Open=%.5f  P/L=%.2f\n",
					p.Ticket, p.Symbol, p.Type, p.Volume, p.PriceOpen, p.Profit)
			}
		},
	})

	fmt.Printf("[stream-probe] Streaming %s for account %d (Ctrl+C to stop)\n", url, id)
	fmt.Println("---")

	loop.Post(session.Sync)
	_ = loop.Run(ctx)
	session.Stop()

	fmt.Printf("\n[stream-probe] Total: %d updates, %d equity points\n", updates, len(telemetry.Snapshot().EquityHistory))
}

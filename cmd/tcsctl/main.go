// Command tcsctl is the observability front-end: it projects the service
// table from the bus streams and prints it, one-shot or following updates.
//
// Usage: tcsctl [--host HOST] [--port PORT] <list|watch>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/araucaria-project/ocabox-tcs/internal/bus"
	"github.com/araucaria-project/ocabox-tcs/internal/discovery"
	"github.com/araucaria-project/ocabox-tcs/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("tcsctl", flag.ExitOnError)
	host := fs.String("host", envOr("BUS_HOST", "localhost"), "bus host")
	port := fs.Int("port", envIntOr("BUS_PORT", 4222), "bus port")
	logLevel := fs.String("log-level", "warn", "log level")
	_ = fs.Parse(os.Args[1:])

	command := "list"
	if args := fs.Args(); len(args) > 0 {
		command = args[0]
	}

	logger := logging.New(*logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := bus.Connect(ctx, logger, bus.ConnectOptions{
		Host:           *host,
		Port:           *port,
		Name:           "tcsctl",
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tcsctl: %v\n", err)
		return 1
	}
	defer transport.Close(context.Background())

	client := discovery.NewClient(transport, logger)
	if err := client.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tcsctl: %v\n", err)
		return 1
	}
	defer client.Stop()

	switch command {
	case "list":
		client.CheckZombies()
		printTable(client.Snapshot())
		return 0
	case "watch":
		client.Follow(func(view discovery.ServiceView) {
			fmt.Printf("%s  %-12s %-10s %s\n",
				time.Now().UTC().Format(time.TimeOnly), view.State, view.Status, view.ServiceID)
		})
		<-ctx.Done()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "tcsctl: unknown command %q (want list or watch)\n", command)
		return 2
	}
}

func printTable(views []discovery.ServiceView) {
	now := time.Now().UTC()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tSTATUS\tUPTIME\tHEARTBEAT\tHOST\tPID\tMESSAGE")
	for _, view := range views {
		uptime := "-"
		if d := view.Uptime(now); d > 0 {
			uptime = d.Truncate(time.Second).String()
		}
		heartbeat := view.HeartbeatClass(now)
		if view.HeartbeatDead {
			heartbeat = "zombie"
		}
		pid := "-"
		if view.PID != 0 {
			pid = strconv.Itoa(view.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			view.ServiceID, view.State, view.Status, uptime, heartbeat, view.Host, pid, view.Message)
	}
	_ = w.Flush()
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

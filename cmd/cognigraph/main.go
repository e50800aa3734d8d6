// Command cognigraph runs agent turns, document ingestion and retrieval from
// the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"ask", "run one agent turn", runAsk},
	{"ingest", "load, split, embed and store documents", runIngest},
	{"query", "similarity search over ingested documents", runQuery},
	{"demo", "run the scripted scenarios offline", runDemo},
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(ctx, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", name)
	printUsage()
	os.Exit(2)
}

func printUsage() {
	fmt.Println("CogniGraph")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cognigraph <command> [flags] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, c := range commands {
		fmt.Printf("  %-8s %s\n", c.name, c.summary)
	}
	fmt.Println()
	fmt.Println("Run 'cognigraph <command> -h' for the flags of a command.")
}

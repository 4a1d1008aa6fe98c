package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"kvdata/pkg/client"

	"github.com/google/uuid"
)

var (
	address    = flag.String("addr", "localhost:9090", "Server address")
	timeout    = flag.Duration("timeout", 30*time.Second, "Request timeout")
	maxRetries = flag.Uint("retries", 3, "Maximum number of retries")
	cache      = flag.String("cache", "", "Force the cache on or off for this call (true|false)")
	verbose    = flag.Bool("v", false, "Verbose output")
	jsonOutput = flag.Bool("json", false, "Output in JSON format")
)

// errNotFound makes get exit non-zero without printing an error
var errNotFound = errors.New("not found")

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	config := client.DefaultConfig()
	config.Address = *address
	config.RequestTimeout = *timeout
	config.MaxRetries = *maxRetries

	kvClient, err := client.NewClient(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer kvClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opts, err := requestOptions(*cache)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	tool := &kvtool{client: kvClient, out: os.Stdout, opts: opts, json: *jsonOutput, verbose: *verbose}
	if err := tool.run(ctx, args); err != nil {
		if !errors.Is(err, errNotFound) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func requestOptions(cacheFlag string) ([]client.RequestOption, error) {
	if cacheFlag == "" {
		return nil, nil
	}
	enabled, err := strconv.ParseBool(cacheFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid -cache value %q: %w", cacheFlag, err)
	}
	return []client.RequestOption{client.WithCache(enabled)}, nil
}

type kvtool struct {
	client  *client.Client
	out     io.Writer
	opts    []client.RequestOption
	json    bool
	verbose bool
}

func (k *kvtool) run(ctx context.Context, args []string) error {
	command, args := args[0], args[1:]
	switch command {
	case "get":
		return k.handleGet(ctx, args)
	case "set", "put":
		return k.handleSet(ctx, args)
	case "set-null":
		return k.handleSetNull(ctx, args)
	case "remove", "rm", "delete", "del":
		return k.handleRemove(ctx, args)
	case "flush":
		return k.handleFlush(ctx)
	case "benchmark":
		return k.handleBenchmark(ctx, args)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func coordinates(args []string, extra int, usage string) (table, target, key string, err error) {
	if len(args) < 3+extra {
		return "", "", "", fmt.Errorf("usage: %s", usage)
	}
	return args[0], args[1], args[2], nil
}

func (k *kvtool) handleGet(ctx context.Context, args []string) error {
	table, target, key, err := coordinates(args, 0, "get <table> <target> <key>")
	if err != nil {
		return err
	}

	start := time.Now()
	value, found, err := k.client.Get(ctx, table, target, key, k.opts...)
	duration := time.Since(start)
	if err != nil {
		return err
	}

	if k.json {
		data := map[string]interface{}{
			"found":       found,
			"duration_ms": duration.Milliseconds(),
		}
		if found {
			data["value"] = value
		}
		return k.outputJSON(data)
	}

	if !found {
		fmt.Fprintln(k.out, "(nil)")
		return errNotFound
	}
	if k.verbose {
		fmt.Fprintf(k.out, "%s (took %v)\n", value, duration)
	} else {
		fmt.Fprintln(k.out, value)
	}
	return nil
}

func (k *kvtool) handleSet(ctx context.Context, args []string) error {
	table, target, key, err := coordinates(args, 1, "set <table> <target> <key> <value>")
	if err != nil {
		return err
	}
	return k.timed(func() error {
		return k.client.Set(ctx, table, target, key, args[3], k.opts...)
	})
}

func (k *kvtool) handleSetNull(ctx context.Context, args []string) error {
	table, target, key, err := coordinates(args, 0, "set-null <table> <target> <key>")
	if err != nil {
		return err
	}
	return k.timed(func() error {
		return k.client.SetNull(ctx, table, target, key, k.opts...)
	})
}

func (k *kvtool) handleRemove(ctx context.Context, args []string) error {
	table, target, key, err := coordinates(args, 0, "remove <table> <target> <key>")
	if err != nil {
		return err
	}
	return k.timed(func() error {
		return k.client.Remove(ctx, table, target, key, k.opts...)
	})
}

// timed runs a write and prints OK the way every write command does
func (k *kvtool) timed(write func() error) error {
	start := time.Now()
	err := write()
	duration := time.Since(start)
	if err != nil {
		return err
	}

	switch {
	case k.json:
		return k.outputJSON(map[string]interface{}{
			"success":     true,
			"duration_ms": duration.Milliseconds(),
		})
	case k.verbose:
		fmt.Fprintf(k.out, "OK (took %v)\n", duration)
	default:
		fmt.Fprintln(k.out, "OK")
	}
	return nil
}

func (k *kvtool) handleFlush(ctx context.Context) error {
	result, err := k.client.Flush(ctx)
	if err != nil {
		return err
	}

	if k.json {
		return k.outputJSON(result)
	}
	if result.Success {
		fmt.Fprintln(k.out, "OK")
		return nil
	}
	fmt.Fprintf(k.out, "%d writes failed:\n", len(result.Failures))
	for _, f := range result.Failures {
		fmt.Fprintf(k.out, "  %s/%s/%s: %s\n", f.Table, f.Target, f.Key, f.Error)
	}
	return fmt.Errorf("flush incomplete")
}

func (k *kvtool) handleBenchmark(ctx context.Context, args []string) error {
	operations := 1000
	table := "benchmark"
	valueSize := 100

	if len(args) > 0 {
		ops, err := strconv.Atoi(args[0])
		if err != nil || ops <= 0 {
			return fmt.Errorf("invalid operations count: %s", args[0])
		}
		operations = ops
	}
	if len(args) > 1 {
		table = args[1]
	}

	target := uuid.NewString()
	value := strings.Repeat("x", valueSize)
	fmt.Fprintf(k.out, "Running benchmark: %d operations on %s/%s\n", operations, table, target)

	start := time.Now()
	for i := 0; i < operations; i++ {
		if err := k.client.Set(ctx, table, target, fmt.Sprintf("key_%d", i), value, k.opts...); err != nil {
			return fmt.Errorf("set benchmark failed: %w", err)
		}
	}
	setDuration := time.Since(start)
	fmt.Fprintf(k.out, "SET: %d ops in %v (%.0f ops/sec)\n",
		operations, setDuration, float64(operations)/setDuration.Seconds())

	found := 0
	start = time.Now()
	for i := 0; i < operations; i++ {
		_, ok, err := k.client.Get(ctx, table, target, fmt.Sprintf("key_%d", i), k.opts...)
		if err != nil {
			return fmt.Errorf("get benchmark failed: %w", err)
		}
		if ok {
			found++
		}
	}
	getDuration := time.Since(start)
	fmt.Fprintf(k.out, "GET: %d ops in %v (%.0f ops/sec, %.1f%% found)\n",
		operations, getDuration, float64(operations)/getDuration.Seconds(),
		float64(found)/float64(operations)*100)

	total := setDuration + getDuration
	fmt.Fprintf(k.out, "\nTotal: %d ops in %v (%.0f ops/sec)\n",
		operations*2, total, float64(operations*2)/total.Seconds())
	return nil
}

func (k *kvtool) outputJSON(data interface{}) error {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting JSON: %w", err)
	}
	fmt.Fprintln(k.out, string(output))
	return nil
}

func printUsage() {
	fmt.Printf(`kvtool - kvdata DataService CLI

Usage:
  %s [options] <command> [args...]

Options:
  -addr string
        Server address (default "localhost:9090")
  -timeout duration
        Request timeout (default "30s")
  -retries uint
        Maximum number of retries (default 3)
  -cache true|false
        Force the cache on or off instead of the server default
  -v    Verbose output
  -json Output in JSON format

Commands:
  get <table> <target> <key>
        Read a value
  set <table> <target> <key> <value>
        Write a value
  set-null <table> <target> <key>
        Write a null, removing the key
  remove <table> <target> <key>
        Remove a key
  flush
        Write the server's cached changes to its backend
  benchmark [operations] [table]
        Run a set/get benchmark (default 1000 operations)

Examples:
  %s set players 6f1c... coins 500
  %s -cache=false get players 6f1c... coins
  %s -json flush
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

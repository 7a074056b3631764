// Command bkvcli is a small illustrative front end for the bkv engine. It is
// not part of the storage engine itself - just enough of a CLI to put, get,
// delete and inspect a database from a shell, in the spirit of
// calvinalkan-agent-task's tk command-line tools.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/flashdb/bkv"
	"github.com/flashdb/bkv/internal/cache"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("bkvcli", pflag.ContinueOnError)
	dir := flags.StringP("dir", "d", "", "database directory (required)")
	cacheSize := flags.Int("cache-entries", 0, "enable an LRU read cache with this many entries (0 disables)")
	verbose := flags.BoolP("verbose", "v", false, "log at debug level")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bkvcli -d DIR [flags] <put|get|delete|stats> [args...]")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rest := flags.Args()
	if *dir == "" || len(rest) == 0 {
		flags.Usage()
		return 2
	}

	opts := []bkv.Option{bkv.WithLogger(logger)}
	if *cacheSize > 0 {
		opts = append(opts, bkv.WithCache(cache.NewLRU(*cacheSize)))
	}

	e, err := bkv.Open(*dir, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *dir, err)
		return 1
	}
	defer e.Close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "put":
		return doPut(e, cmdArgs)
	case "get":
		return doGet(e, cmdArgs)
	case "delete":
		return doDelete(e, cmdArgs)
	case "stats":
		return doStats(e)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		flags.Usage()
		return 2
	}
}

func doPut(e *bkv.Engine, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: bkvcli put <key> <value>")
		return 2
	}
	if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
		fmt.Fprintf(os.Stderr, "put: %v\n", err)
		return 1
	}
	return 0
}

func doGet(e *bkv.Engine, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: bkvcli get <key>")
		return 2
	}
	v, err := e.Get([]byte(args[0]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "get: %v\n", err)
		return 1
	}
	if v == nil {
		fmt.Fprintln(os.Stderr, "not found")
		return 1
	}
	fmt.Println(string(v))
	return 0
}

func doDelete(e *bkv.Engine, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: bkvcli delete <key>")
		return 2
	}
	if err := e.Delete([]byte(args[0])); err != nil {
		fmt.Fprintf(os.Stderr, "delete: %v\n", err)
		return 1
	}
	return 0
}

func doStats(e *bkv.Engine) int {
	s := e.Stats()
	fmt.Printf("segments pending flush: %d\n", s.SegmentsPending)
	if s.LastFlushErr != nil {
		fmt.Printf("last flush error: %v\n", s.LastFlushErr)
	}
	for _, cs := range s.AllocatorClasses {
		fmt.Printf("class width=%d free_slots=%d\n", cs.Width, cs.FreeSlots)
	}
	return 0
}

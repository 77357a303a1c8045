// Command bitlogd is a small CLI front end for exercising a store
// without writing Go: put/get/delete a single key against a directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nyasuto/bitlog"
)

func main() {
	dir := pflag.StringP("dir", "d", "bitlog-data", "store directory")
	verbose := pflag.BoolP("verbose", "v", false, "enable structured logging")
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bitlogd [--dir DIR] <put|get|delete> key [value]")
		os.Exit(2)
	}

	opts := []bitlog.Option{}
	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, "logger init:", err)
			os.Exit(1)
		}
		defer logger.Sync()
		opts = append(opts, bitlog.WithLogger(logger))
	}

	db, err := bitlog.Open(*dir, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := run(db, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(db *bitlog.DB, args []string) error {
	cmd, key := args[0], []byte(args[1])
	switch cmd {
	case "put":
		if len(args) < 3 {
			return fmt.Errorf("put requires a value")
		}
		return db.Put(key, []byte(args[2]))
	case "get":
		value, err := db.Get(key)
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	case "delete":
		return db.Delete(key)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

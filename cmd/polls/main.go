// Command polls runs one poll operation against a local storage medium
// and prints the result as JSON.
//
//   polls [-config file] get ID
//   polls [-config file] create QUESTION [OPTION...]
//   polls [-config file] vote ID INDEX
//   polls [-config file] delete ID
//   polls [-config file] list [START [LIMIT]]
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

	"github.com/jrife/polls/config"
	"github.com/jrife/polls/polls"
	"github.com/jrife/polls/storage/memory/plugins"
	"github.com/jrife/polls/utils/log"
	"go.uber.org/zap"
)

var errUsage = errors.New("usage: polls [-config file] get ID | create QUESTION [OPTION...] | vote ID INDEX | delete ID | list [START [LIMIT]]")

func main() {
	var configPath string

	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := log.New(cfg.Env)

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	defer logger.Sync()

	backend, err := plugins.Open(cfg.Storage.Driver, cfg.Storage.PluginOptions())

	if err != nil {
		logger.Fatal("could not open storage", zap.String("driver", cfg.Storage.Driver), zap.String("path", cfg.Storage.Path), zap.Error(err))
	}

	defer backend.Close()

	store, err := polls.Open(backend, polls.OpenConfig{Logger: logger, BucketSize: cfg.Storage.BucketSize})

	if err != nil {
		logger.Fatal("could not open poll store", zap.Error(err))
	}

	if err := run(context.Background(), store, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		backend.Close()
		os.Exit(1)
	}
}

// run executes the command in args and writes its result to out
func run(ctx context.Context, store *polls.Store, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	ctx = log.WithFields(ctx, zap.String("command", args[0]))

	var result interface{}

	switch args[0] {
	case "get":
		if len(args) != 2 {
			return errUsage
		}

		id, err := parseID(args[1])

		if err != nil {
			return err
		}

		if result, err = store.GetPoll(ctx, id); err != nil {
			return err
		}
	case "create":
		if len(args) < 2 {
			return errUsage
		}

		result = store.CreatePoll(ctx, args[1], args[2:])
	case "vote":
		if len(args) != 3 {
			return errUsage
		}

		id, err := parseID(args[1])

		if err != nil {
			return err
		}

		index, err := strconv.ParseUint(args[2], 10, 64)

		if err != nil {
			return fmt.Errorf("invalid option index %q: %w", args[2], err)
		}

		if result, err = store.Vote(ctx, id, index); err != nil {
			return err
		}
	case "delete":
		if len(args) != 2 {
			return errUsage
		}

		id, err := parseID(args[1])

		if err != nil {
			return err
		}

		if result, err = store.DeletePoll(ctx, id); err != nil {
			return err
		}
	case "list":
		if len(args) > 3 {
			return errUsage
		}

		var start uint64
		limit := -1

		if len(args) > 1 {
			var err error

			if start, err = parseID(args[1]); err != nil {
				return err
			}
		}

		if len(args) > 2 {
			var err error

			if limit, err = strconv.Atoi(args[2]); err != nil {
				return fmt.Errorf("invalid limit %q: %w", args[2], err)
			}
		}

		result = store.ListPolls(ctx, start, limit)
	default:
		return errUsage
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	return encoder.Encode(result)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)

	if err != nil {
		return 0, fmt.Errorf("invalid poll id %q: %w", s, err)
	}

	return id, nil
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/stockroom-erp/stockroom/jobs"
)

// ErrUnknownCommand is returned for subcommands Run does not know.
var ErrUnknownCommand = errors.New("cli: unknown command")

// Commands lists the operational subcommands handled by Run.
var Commands = []string{"integrity", "cleanup", "queue"}

// IsCommand reports whether name is one of Commands.
func IsCommand(name string) bool {
	for _, c := range Commands {
		if c == name {
			return true
		}
	}
	return false
}

// Run executes an operational subcommand and writes a JSON result to out.
func Run(ctx context.Context, args []string, redisAddr string, out io.Writer) error {
	if len(args) == 0 || !IsCommand(args[0]) {
		return fmt.Errorf("%w: expected one of %s", ErrUnknownCommand, strings.Join(Commands, ", "))
	}
	name, rest := args[0], args[1:]

	var (
		payload   jobs.StockIntegrityPayload
		retention time.Duration
	)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	switch name {
	case "integrity":
		products := fs.String("products", "", "comma separated product ids; empty checks every serialized product")
		fs.BoolVar(&payload.Repair, "repair", false, "rewrite drifted stock values")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		ids, err := ParseProductIDs(*products)
		if err != nil {
			return err
		}
		payload.ProductIDs = ids
	case "cleanup":
		fs.DurationVar(&retention, "retention", 7*24*time.Hour, "remove idempotency keys older than this")
		if err := fs.Parse(rest); err != nil {
			return err
		}
	default:
		if err := fs.Parse(rest); err != nil {
			return err
		}
	}

	c := NewJobsCLI(redisAddr)
	defer c.Close()

	var (
		result any
		err    error
	)
	switch name {
	case "integrity":
		result, err = c.TriggerIntegrity(ctx, payload)
	case "cleanup":
		result, err = c.TriggerCleanup(ctx, retention)
	case "queue":
		result, err = c.InspectQueue(ctx)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ParseProductIDs parses a comma separated list of positive ids.
func ParseProductIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("cli: invalid product id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

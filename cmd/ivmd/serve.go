package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivmcore/ivmcore/internal/ivm/session"
	"github.com/ivmcore/ivmcore/internal/ivm/value"
)

// serveCmd keeps one Session alive for the process lifetime and drives it
// from line-oriented stdin commands. It is the only ivmd subcommand that
// can meaningfully exercise Subscribe: a live subscription, like the rest
// of the View Registry's in-memory circuit state, does not survive a
// process boundary, and the transport that would let it span processes
// (WebSocket/HTTP) is an explicit Non-goal (spec.md §1).
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a long-lived session, driven by stdin commands",
	Long: `Starts one IVM Session and reads commands from stdin until EOF or
Ctrl+C, snapshotting the view registry on exit. Supported commands:

  mutate create <record_id> <json fields>
  mutate update <record_id> <json fields>
  mutate delete <record_id>
  view register <view_id> <query>
  view unregister <view_id>
  view subscribe <view_id>
  quit
`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.Default()
	e, err := openEngine(log)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "ivmd serving %s (schema %s); type 'quit' or Ctrl+C to stop\n", e.config.DBPath, e.config.SchemaPath)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return e.session.SnapshotRegistry(context.Background())
		case line, ok := <-lines:
			if !ok {
				return e.session.SnapshotRegistry(context.Background())
			}
			if strings.TrimSpace(line) == "quit" {
				return e.session.SnapshotRegistry(context.Background())
			}
			if err := dispatchLine(ctx, e, line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

// dispatchLine tokenizes only as much of each command as has a fixed
// shape (the verb, and for mutate/view their sub-verb and id), leaving
// the remainder of the line — a JSON object or a query string — intact
// so embedded spaces and quoting survive untouched.
func dispatchLine(ctx context.Context, e *engine, line string) error {
	verb, rest := splitOne(line)
	if verb == "" {
		return nil
	}

	switch verb {
	case "mutate":
		return dispatchMutate(ctx, e, rest)
	case "view":
		return dispatchView(ctx, e, rest)
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

// splitOne splits s on its first run of whitespace, trimming the
// remainder's leading whitespace.
func splitOne(s string) (head, rest string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func dispatchMutate(ctx context.Context, e *engine, rest string) error {
	kindWord, rest := splitOne(rest)
	recordIDArg, fieldsJSON := splitOne(rest)
	if kindWord == "" || recordIDArg == "" {
		return fmt.Errorf("usage: mutate <create|update|delete> <record_id> [json fields]")
	}

	var kind session.Kind
	switch kindWord {
	case "create":
		kind = session.Create
	case "update":
		kind = session.Update
	case "delete":
		kind = session.Delete
	default:
		return fmt.Errorf("unknown mutation kind %q", kindWord)
	}

	recordID := value.RecordID(recordIDArg)
	fieldsVal := value.Null()
	if kind != session.Delete {
		if fieldsJSON == "" {
			return fmt.Errorf("usage: mutate %s <record_id> <json fields>", kindWord)
		}
		parsed, err := parseFields(recordID.Table(), e.schema, fieldsJSON)
		if err != nil {
			return err
		}
		fieldsVal = parsed
	}

	res, err := e.session.Mutate(ctx, recordID, kind, fieldsVal)
	if err != nil {
		return err
	}
	fmt.Printf("ok %s %s total_hash=%x\n", kindWord, res.RecordID, res.TotalHash)
	return nil
}

func dispatchView(ctx context.Context, e *engine, rest string) error {
	op, rest := splitOne(rest)
	viewID, tail := splitOne(rest)
	if op == "" || viewID == "" {
		return fmt.Errorf("usage: view <register|unregister|subscribe> <view_id> [query]")
	}

	switch op {
	case "register":
		if tail == "" {
			return fmt.Errorf("usage: view register <view_id> <query>")
		}
		reg, err := e.session.RegisterView(ctx, viewID, tail)
		if err != nil {
			return err
		}
		fmt.Printf("ok registered %s root=%x\n", reg.ViewID, reg.RootHash)
		return nil
	case "unregister":
		if err := e.session.UnregisterView(viewID); err != nil {
			return err
		}
		fmt.Printf("ok unregistered %s\n", viewID)
		return nil
	case "subscribe":
		ch, cancel := e.session.Subscribe(viewID)
		go func() {
			for update := range ch {
				fmt.Printf("update %s result_ids=%v root=%x incoherent=%v\n",
					update.ViewID, update.ResultIDs, update.MerkleRoot, update.Incoherent)
			}
		}()
		go func() {
			<-ctx.Done()
			cancel()
		}()
		fmt.Printf("ok subscribed %s\n", viewID)
		return nil
	default:
		return fmt.Errorf("unknown view command %q", op)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

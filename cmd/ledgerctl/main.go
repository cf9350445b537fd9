package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/cmd/ledgerctl/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

const usage = `usage: ledgerctl <command> [flags]

  migrate up|down
  failures list [--json] [--size N]
  failures retry <task-id>
  publish --tenant N [--id UUID] <event-type> <payload.json>
  periods create --tenant N --name NAME --start YYYY-MM-DD --end YYYY-MM-DD
  periods close|lock --tenant N <period-id>
  accounts tree --tenant N [--json]
  entries reverse --tenant N --actor ID [--memo TEXT] <entry-id>
  integrity [--json]
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping ledgerctl")
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "migrate":
		return runMigrate(cfg, logger, args[1:])
	case "failures":
		return runFailures(ctx, cfg, args[1:])
	case "publish":
		return runPublish(ctx, cfg, args[1:])
	case "periods", "accounts", "entries", "integrity":
		return runLedger(ctx, cfg, logger, args)
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func runMigrate(cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(os.Stderr, "migrate: expected up or down")
		return 2
	}
	if err := db.Migrate(cfg.PGDSN, db.MigrateDirection(args[0]), logger); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return 0
}

func redisOpts(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func runFailures(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "failures: expected list or retry")
		return 2
	}
	fs := flag.NewFlagSet("failures "+args[0], flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print JSON")
	size := fs.Int("size", 50, "maximum tasks to list")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	inspector := asynq.NewInspector(redisOpts(cfg))
	defer closeQuietly(inspector)
	failures := cli.NewFailuresCLI(inspector)
	opts := cli.FailuresOptions{Size: *size, JSONOutput: *jsonOut}

	switch args[0] {
	case "list":
		return failures.ListCommand(ctx, opts)
	case "retry":
		return failures.RetryCommand(ctx, fs.Arg(0), opts)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "failures: unknown subcommand %q\n", args[0])
		return 2
	}
}

func runPublish(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	tenant := fs.Int64("tenant", 0, "tenant id")
	eventID := fs.String("id", "", "reuse an existing event id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		_, _ = fmt.Fprintln(os.Stderr, "publish: expected <event-type> <payload.json>")
		return 2
	}
	file, err := os.Open(fs.Arg(1))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "publish: %v\n", err)
		return 1
	}
	defer closeQuietly(file)

	client, err := jobs.NewClient(redisOpts(cfg), cfg.EventMaxRetry)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "publish: %v\n", err)
		return 1
	}
	defer closeQuietly(client)

	return cli.PublishCommand(ctx, client, cli.PublishOptions{
		Type:     fs.Arg(0),
		TenantID: *tenant,
		EventID:  *eventID,
		Payload:  file,
	})
}

func runLedger(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	command := args[0]
	rest := args[1:]
	sub := ""
	if command != "integrity" {
		if len(rest) == 0 {
			_, _ = fmt.Fprint(os.Stderr, usage)
			return 2
		}
		sub, rest = rest[0], rest[1:]
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	tenant := fs.Int64("tenant", 0, "tenant id")
	actor := fs.Int64("actor", 0, "acting user id")
	jsonOut := fs.Bool("json", false, "print JSON")
	name := fs.String("name", "", "period name")
	start := fs.String("start", "", "period start date")
	end := fs.String("end", "", "period end date")
	memo := fs.String("memo", "", "reversal memo")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		return 1
	}
	defer pool.Close()

	repo := accounting.NewRepository(pool)
	audit := shared.NewAuditLogger(pool)
	ledger := cli.NewLedgerCLI(repo, audit, accounting.NewService(repo, audit, logger))
	opts := cli.LedgerOptions{TenantID: *tenant, ActorID: *actor, JSONOutput: *jsonOut}

	switch command + " " + sub {
	case "periods create":
		return ledger.PeriodCreateCommand(ctx, *name, *start, *end, opts)
	case "periods close", "periods lock":
		id, ok := parseID(fs.Arg(0), "period id")
		if !ok {
			return 2
		}
		return ledger.PeriodTransitionCommand(ctx, sub, id, opts)
	case "accounts tree":
		return ledger.AccountsTreeCommand(ctx, opts)
	case "entries reverse":
		id, ok := parseID(fs.Arg(0), "entry id")
		if !ok {
			return 2
		}
		return ledger.ReverseCommand(ctx, id, *memo, opts)
	case "integrity ":
		return ledger.IntegrityCommand(ctx, opts)
	}
	_, _ = fmt.Fprint(os.Stderr, usage)
	return 2
}

func parseID(raw, what string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		_, _ = fmt.Fprintf(os.Stderr, "invalid %s %q\n", what, raw)
		return 0, false
	}
	return id, true
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}

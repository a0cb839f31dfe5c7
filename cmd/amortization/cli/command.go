// Package cli implements the operator subcommands of the amortization binary.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/odyssey-erp/odyssey-amortization/internal/platform/db"
	"github.com/odyssey-erp/odyssey-amortization/migrations"
)

// Env carries what subcommands need from the process.
type Env struct {
	PGDSN     string
	RedisAddr string
	Logger    *slog.Logger
	Stdout    io.Writer
	Stderr    io.Writer

	// newJobs overrides the asynq backed helpers in tests.
	newJobs func(redisAddr string) (*JobsCLI, error)
}

const usage = `usage:
  amortization migrate up|down
  amortization jobs trigger <job> [--company ID]
  amortization jobs stats
`

// Run dispatches args (without the program name) and returns the exit code.
func Run(ctx context.Context, args []string, env Env) int {
	if env.Stdout == nil {
		env.Stdout = os.Stdout
	}
	if env.Stderr == nil {
		env.Stderr = os.Stderr
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.newJobs == nil {
		env.newJobs = NewJobsCLI
	}
	if len(args) == 0 {
		_, _ = fmt.Fprint(env.Stderr, usage)
		return 2
	}
	switch args[0] {
	case "migrate":
		return migrateCommand(args[1:], env)
	case "jobs":
		return jobsCommand(ctx, args[1:], env)
	default:
		_, _ = fmt.Fprintf(env.Stderr, "unknown command %q\n%s", args[0], usage)
		return 2
	}
}

func migrateCommand(args []string, env Env) int {
	if len(args) != 1 || (args[0] != "up" && args[0] != "down") {
		_, _ = fmt.Fprint(env.Stderr, usage)
		return 2
	}
	migrator, err := db.NewMigrator(migrations.FS, env.PGDSN, env.Logger)
	if err != nil {
		_, _ = fmt.Fprintf(env.Stderr, "migrate: %v\n", err)
		return 1
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			env.Logger.Warn("close migrator", slog.Any("error", err))
		}
	}()
	if args[0] == "up" {
		err = migrator.Up()
	} else {
		err = migrator.Down()
	}
	if err != nil {
		_, _ = fmt.Fprintf(env.Stderr, "migrate %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func jobsCommand(ctx context.Context, args []string, env Env) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(env.Stderr, usage)
		return 2
	}
	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		fs.SetOutput(env.Stderr)
		company := fs.String("company", "", "company id")
		if len(args) < 2 {
			_, _ = fmt.Fprint(env.Stderr, usage)
			return 2
		}
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		jobsCLI, err := env.newJobs(env.RedisAddr)
		if err != nil {
			_, _ = fmt.Fprintf(env.Stderr, "jobs: %v\n", err)
			return 1
		}
		defer jobsCLI.Close()
		info, err := jobsCLI.Trigger(ctx, args[1], *company)
		if err != nil {
			_, _ = fmt.Fprintf(env.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(env.Stdout, "enqueued %s as %s\n", info.Type, info.ID)
		return 0
	case "stats":
		jobsCLI, err := env.newJobs(env.RedisAddr)
		if err != nil {
			_, _ = fmt.Fprintf(env.Stderr, "jobs: %v\n", err)
			return 1
		}
		defer jobsCLI.Close()
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(env.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		if err := json.NewEncoder(env.Stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(env.Stderr, "jobs stats: encode json: %v\n", err)
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(env.Stderr, "unknown jobs command %q\n%s", args[0], usage)
		return 2
	}
}

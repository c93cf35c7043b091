// Command podiumctl performs operator tasks against a podium configuration:
// issuing bearer tokens for testing and applying schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"podium/internal/auth"
	"podium/internal/config"
	"podium/internal/database"
	dbconfig "podium/pkg/database"
	"podium/pkg/types"
)

const usage = `usage: podiumctl <command> [flags]

commands:
  token    issue a bearer token for a user
  migrate  apply schema migrations to the SQLite database
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "podiumctl:", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	switch args[0] {
	case "token":
		return issueToken(args[1:], stdout, stderr)
	case "migrate":
		return migrate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}
}

func issueToken(args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("token", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", os.Getenv("PODIUM_CONFIG_FILE"), "path to a JSON or YAML config file")
	userID := flags.String("sub", "", "user id")
	role := flags.String("role", types.RoleStudent, "student or teacher")
	name := flags.String("name", "", "display name")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("%w: -sub is required", errUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return err
	}

	token, err := issuer.Issue(types.Actor{ID: *userID, Role: *role, Name: *name})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func migrate(args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", os.Getenv("PODIUM_CONFIG_FILE"), "path to a JSON or YAML config file")
	dbPath := flags.String("db", "", "database path; overrides the configuration")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.StoreSQLite {
		return fmt.Errorf("migrations apply to the %s driver only, configured %q", config.StoreSQLite, cfg.Database.Driver)
	}

	dbConfig := dbconfig.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	if *dbPath != "" {
		dbConfig.DatabasePath = *dbPath
	}

	manager, err := database.NewManager(dbConfig)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := manager.ValidateSchema(); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	fmt.Fprintf(stdout, "schema up to date: %s\n", dbConfig.DatabasePath)
	return nil
}

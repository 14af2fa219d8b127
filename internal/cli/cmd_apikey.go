package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/koltyakov/edgeproxy/internal/auth"
	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/store/sqlite"
)

func runAPIKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: edgeproxy apikey <create|list|revoke> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runAPIKeyCreate(ctx, os.Stdout, args[1:])
	case "list":
		return runAPIKeyList(ctx, os.Stdout, args[1:])
	case "revoke":
		return runAPIKeyRevoke(ctx, os.Stdout, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown apikey command:", args[0])
		return 2
	}
}

func runAPIKeyCreate(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("apikey-create", flag.ContinueOnError)
	var dbPath, name, scope, pepper string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&name, "name", "default", "key label")
	fs.StringVar(&scope, "scope", auth.ScopeAdmin, "key scope: admin|read")
	fs.StringVar(&pepper, "api-key-pepper", envOr("EDGE_API_KEY_PEPPER", ""), "hash pepper override")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if scope != auth.ScopeAdmin && scope != auth.ScopeRead {
		fmt.Fprintln(os.Stderr, "invalid --scope:", scope)
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	resolvedPepper, err := resolveServerPepper(ctx, store, pepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apikey create error:", err)
		return 1
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		return 1
	}
	rec, err := store.CreateAPIKey(ctx, name, auth.HashAPIKey(plain, resolvedPepper), scope)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create key:", err)
		return 1
	}
	fmt.Fprintln(out, "id:", rec.ID)
	fmt.Fprintln(out, "name:", rec.Name)
	fmt.Fprintln(out, "scope:", rec.Scope)
	fmt.Fprintln(out, "api_key:", plain)
	return 0
}

func runAPIKeyList(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("apikey-list", flag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list keys:", err)
		return 1
	}
	for _, k := range keys {
		printAPIKey(out, k)
	}
	return 0
}

func printAPIKey(out io.Writer, k domain.APIKey) {
	revoked := "false"
	if k.RevokedAt != nil {
		revoked = "true"
	}
	fmt.Fprintf(out, "%s\t%s\tscope=%s\trevoked=%s\tcreated=%s\n", k.ID, k.Name, k.Scope, revoked, k.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
}

func runAPIKeyRevoke(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("apikey-revoke", flag.ContinueOnError)
	var dbPath, id string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "key id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.RevokeAPIKey(ctx, id); err != nil {
		fmt.Fprintln(os.Stderr, "revoke key:", err)
		return 1
	}
	fmt.Fprintln(out, "revoked:", id)
	return 0
}

func defaultDBPath() string {
	return envOr("EDGE_DB_PATH", "./edgeproxy.db")
}

func openSQLiteStoreOrExit(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}

package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/koltyakov/edgeproxy/internal/ipaccess"
)

func runBlockAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: edgeproxy block <add|remove|list> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runBlockAdd(ctx, os.Stdout, args[1:])
	case "remove":
		return runBlockRemove(ctx, os.Stdout, args[1:])
	case "list":
		return runBlockList(ctx, os.Stdout, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown block command:", args[0])
		return 2
	}
}

func runBlockAdd(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("block-add", flag.ContinueOnError)
	var dbPath, cidr, reason string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&cidr, "cidr", "", "address or CIDR to block")
	fs.StringVar(&reason, "reason", "", "reason returned in X-Blocked-Reason")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	prefix, err := ipaccess.ParseNetwork(cidr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid --cidr:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.BlockNetwork(ctx, prefix.String(), reason); err != nil {
		fmt.Fprintln(os.Stderr, "block network:", err)
		return 1
	}
	fmt.Fprintln(out, "blocked:", prefix.String())
	return 0
}

func runBlockRemove(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("block-remove", flag.ContinueOnError)
	var dbPath, cidr string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&cidr, "cidr", "", "address or CIDR to unblock")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	prefix, err := ipaccess.ParseNetwork(cidr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid --cidr:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.UnblockNetwork(ctx, prefix.String()); err != nil {
		fmt.Fprintln(os.Stderr, "unblock network:", err)
		return 1
	}
	fmt.Fprintln(out, "unblocked:", prefix.String())
	return 0
}

func runBlockList(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("block-list", flag.ContinueOnError)
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

	nets, err := store.ListBlockedNetworks(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list blocked networks:", err)
		return 1
	}
	for _, n := range nets {
		fmt.Fprintf(out, "%s\t%s\n", n.CIDR, n.Reason)
	}
	return 0
}

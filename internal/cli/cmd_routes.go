package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

func runRoutesAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: edgeproxy routes <list|reload> [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		return runRoutesList(ctx, os.Stdout, args[1:])
	case "reload":
		return runRoutesReload(ctx, os.Stdout, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown routes command:", args[0])
		return 2
	}
}

func runRoutesList(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("routes-list", flag.ContinueOnError)
	var dbPath string
	var all bool
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.BoolVar(&all, "all", false, "include disabled routes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	list := store.ListRoutes
	if all {
		list = store.ListAllRoutes
	}
	routes, err := list(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list routes:", err)
		return 1
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tKIND\tTARGET\tPROJECT\tENABLED")
	for _, r := range routes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.Host, r.Kind, routeTarget(r), r.Project.Slug, r.Enabled)
	}
	_ = tw.Flush()
	return 0
}

func routeTarget(r domain.Route) string {
	switch r.Kind {
	case domain.RouteKindRedirect:
		return fmt.Sprintf("%d %s", r.RedirectStatus, r.RedirectURL)
	case domain.RouteKindStatic:
		return r.StaticPath
	default:
		return strings.Join(r.Upstreams, ",")
	}
}

// runRoutesReload asks every proxy watching the database to do a full
// table reload.
func runRoutesReload(ctx context.Context, out io.Writer, args []string) int {
	fs := flag.NewFlagSet("routes-reload", flag.ContinueOnError)
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

	if err := store.RequestReload(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "request reload:", err)
		return 1
	}
	fmt.Fprintln(out, "reload requested")
	return 0
}

package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`edgeproxy - edge proxy and dynamic routing layer

Routes incoming HTTP(S) requests by hostname to upstream backends, redirects
or static deployments. Routes live in SQLite and take effect without restart.

Usage:
  edgeproxy [serve] [flags]             Start the proxy (default command)
  edgeproxy apikey create --name NAME   Create an admin API key (--scope admin|read)
  edgeproxy apikey list                 List API keys
  edgeproxy apikey revoke --id=ID       Revoke an API key
  edgeproxy routes list [--all]         List stored routes
  edgeproxy routes reload               Ask running proxies for a full reload
  edgeproxy block add --cidr=CIDR       Block a client address or network
  edgeproxy block remove --cidr=CIDR    Unblock a client address or network
  edgeproxy block list                  List blocked networks
  edgeproxy version                     Print version
  edgeproxy help                        Show this help

Environment Variables (also read from ./.env):
  EDGE_LISTEN_HTTP        HTTP listen address (default: :8080)
  EDGE_LISTEN_HTTPS       HTTPS listen address (default: disabled)
  EDGE_LISTEN_ADMIN       Admin API listen address (default: 127.0.0.1:9090)
  EDGE_HTTP3              Also serve HTTP/3 on the HTTPS port (true|false)
  EDGE_DB_PATH            SQLite database path (default: ./edgeproxy.db)
  EDGE_ROUTES_FILE        YAML routes overlay, hot-reloaded on change
  EDGE_SEAL_KEY           Master key for cookies and certificate keys (64 hex chars)
  EDGE_ACME               Issue certificates via ACME for routed hosts (true|false)
  EDGE_LOG_LEVEL          Log level: debug|info|warn|error (default: info)
  EDGE_LOG_FORMAT         Log format: text|json (default: text)
  EDGE_SHUTDOWN_TIMEOUT   Graceful shutdown deadline (default: 30s)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("edgeproxy", Version)
}

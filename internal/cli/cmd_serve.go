package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/koltyakov/edgeproxy/internal/config"
	"github.com/koltyakov/edgeproxy/internal/domain"
	ilog "github.com/koltyakov/edgeproxy/internal/log"
	"github.com/koltyakov/edgeproxy/internal/server"
	"github.com/koltyakov/edgeproxy/internal/store/sqlite"
)

func runServe(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseProxyFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	// The server closes the store during shutdown; Close is idempotent.
	defer func() { _ = store.Close() }()

	pepper, err := resolveServerPepper(ctx, store, cfg.APIKeyPepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	cfg.APIKeyPepper = pepper

	s, err := server.New(cfg, store, logger, Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	logger.Info("edgeproxy starting", "version", Version, "http", cfg.ListenHTTP, "https", cfg.ListenHTTPS, "admin", cfg.ListenAdmin)
	if err := s.Run(ctx); err != nil {
		// The shutdown coordinator already logged a timeout.
		if !errors.Is(err, domain.ErrShutdownTimeout) {
			fmt.Fprintln(os.Stderr, "server error:", err)
		}
		return 1
	}
	return 0
}

func resolveServerPepper(ctx context.Context, store *sqlite.Store, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return store.ResolveServerPepper(ctx, configured)
	}

	current, exists, err := store.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		return current, nil
	}
	return store.ResolveServerPepper(ctx, chooseServerPepper())
}

func chooseServerPepper() string {
	machineID := detectMachineID()
	if machineID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("edgeproxy-pepper:" + machineID))
	return hex.EncodeToString(sum[:])
}

func detectMachineID() string {
	for _, p := range []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	} {
		if b, err := os.ReadFile(p); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				return v
			}
		}
	}
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output(); err == nil {
			if id := parseDarwinIOPlatformUUID(string(out)); id != "" {
				return id
			}
		}
	}
	return ""
}

func parseDarwinIOPlatformUUID(raw string) string {
	const marker = `"IOPlatformUUID" = "`
	_, rest, ok := strings.Cut(raw, marker)
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, `"`)
	if !ok {
		return ""
	}
	return strings.TrimSpace(id)
}

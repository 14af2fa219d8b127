package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

const fileWatchDebounce = 250 * time.Millisecond

// FileSource reads additional routes from a YAML file. File routes sit below
// storage routes: a host present in both is served from storage.
type FileSource struct {
	path string
	log  *slog.Logger
}

type fileRoutes struct {
	Routes []fileRoute `yaml:"routes"`
}

type fileRoute struct {
	Host        string        `yaml:"host"`
	Upstreams   []string      `yaml:"upstreams"`
	Redirect    *fileRedirect `yaml:"redirect"`
	Static      string        `yaml:"static"`
	Project     fileTenantRef `yaml:"project"`
	Environment fileTenantRef `yaml:"environment"`
	Deployment  fileTenantRef `yaml:"deployment"`
	Security    *fileSecurity `yaml:"security"`
	Disabled    bool          `yaml:"disabled"`
}

type fileRedirect struct {
	URL    string `yaml:"url"`
	Status int    `yaml:"status"`
}

type fileSecurity struct {
	Preset                  string `yaml:"preset"`
	ContentSecurityPolicy   string `yaml:"content_security_policy"`
	XFrameOptions           string `yaml:"x_frame_options"`
	StrictTransportSecurity string `yaml:"strict_transport_security"`
	ReferrerPolicy          string `yaml:"referrer_policy"`
}

type fileTenantRef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Slug string `yaml:"slug"`
}

func NewFileSource(path string, logger *slog.Logger) *FileSource {
	return &FileSource{path: strings.TrimSpace(path), log: logger}
}

func (f *FileSource) Path() string {
	return f.path
}

// Load parses the file. A missing file yields no routes and no error.
func (f *FileSource) Load() ([]domain.Route, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutesYAML(data)
}

// ParseRoutesYAML decodes the routes file format.
func ParseRoutesYAML(data []byte) ([]domain.Route, error) {
	var doc fileRoutes
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	out := make([]domain.Route, 0, len(doc.Routes))
	for i, fr := range doc.Routes {
		if fr.Disabled {
			continue
		}
		host := strings.ToLower(strings.TrimSpace(fr.Host))
		if host == "" {
			return nil, fmt.Errorf("routes[%d]: missing host", i)
		}
		rt := domain.Route{
			Host:        host,
			Project:     domain.TenantRef(fr.Project),
			Environment: domain.TenantRef(fr.Environment),
			Deployment:  domain.TenantRef(fr.Deployment),
			Enabled:     true,
		}
		if fr.Security != nil {
			sec := domain.SecurityHeaders(*fr.Security)
			rt.Security = &sec
		}
		variants := 0
		if len(fr.Upstreams) > 0 {
			rt.Kind = domain.RouteKindUpstream
			rt.Upstreams = fr.Upstreams
			variants++
		}
		if fr.Redirect != nil {
			rt.Kind = domain.RouteKindRedirect
			rt.RedirectURL = fr.Redirect.URL
			rt.RedirectStatus = fr.Redirect.Status
			variants++
		}
		if fr.Static != "" {
			rt.Kind = domain.RouteKindStatic
			rt.StaticPath = fr.Static
			variants++
		}
		if variants != 1 {
			return nil, fmt.Errorf("routes[%d] %s: exactly one of upstreams, redirect, static is required", i, host)
		}
		out = append(out, rt)
	}
	return out, nil
}

// Watch calls onChange (debounced) whenever the file is written, created or
// renamed into place. The watcher is restarted with exponential backoff if
// it fails, until ctx is done.
func (f *FileSource) Watch(ctx context.Context, onChange func()) {
	bo := newBackoff(time.Second, 5*time.Minute)
	for {
		err := f.watchOnce(ctx, onChange)
		if ctx.Err() != nil {
			return
		}
		delay := bo.next()
		f.log.Warn("routes file watcher stopped, restarting", "path", f.path, "err", err, "retry_in", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (f *FileSource) watchOnce(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so atomic rename-into-place updates are seen.
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(f.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(fileWatchDebounce, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			f.log.Warn("routes file watcher error", "path", f.path, "err", err)
		}
	}
}

package tools

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"devnetctl/internal/topology"
)

var (
	ErrFetchInvalidPin      = errors.New("tools: invalid dependency pin")
	ErrFetchUnsupportedRepo = errors.New("tools: unsupported repository")
	ErrFetchSandbox         = errors.New("tools: fetch destination outside tools root")
)

// Fetcher materializes pinned external tool repositories under a sandboxed
// root, one directory per dependency name. Re-fetching an existing checkout
// moves it to the pinned ref instead of recloning.
type Fetcher struct {
	root   string
	runner CommandRunner
}

func NewFetcher(root string, runner CommandRunner) (*Fetcher, error) {
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Fetcher{root: abs, runner: runner}, nil
}

// FetchAll pins every dependency, in name order so runs are deterministic.
func (f *Fetcher) FetchAll(deps map[string]topology.DependencySpec) error {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := f.Fetch(name, deps[name]); err != nil {
			return fmt.Errorf("dependency %q: %w", name, err)
		}
	}
	return nil
}

func (f *Fetcher) Fetch(name string, pin topology.DependencySpec) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: missing name", ErrFetchInvalidPin)
	}
	if strings.TrimSpace(pin.Repo) == "" || strings.TrimSpace(pin.Ref) == "" {
		return fmt.Errorf("%w: %s needs repo and ref", ErrFetchInvalidPin, name)
	}
	if err := validateRepo(pin.Repo); err != nil {
		return err
	}

	dest := filepath.Clean(filepath.Join(f.root, name))
	if !isWithin(dest, f.root) {
		return fmt.Errorf("%w: %q", ErrFetchSandbox, name)
	}

	log.Info().Str("dependency", name).Str("repo", pin.Repo).Str("ref", pin.Ref).Msg("pinning dependency")

	if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
		if _, err := RunChecked(f.runner, "git", "clone", pin.Repo, dest); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		return fmt.Errorf("%w: destination %s exists but is not a git checkout", ErrFetchInvalidPin, dest)
	}

	if _, err := RunChecked(f.runner, "git", "-C", dest, "fetch", "origin", pin.Ref); err != nil {
		return err
	}
	if _, err := RunChecked(f.runner, "git", "-C", dest, "checkout", "FETCH_HEAD"); err != nil {
		return err
	}
	return nil
}

// Dir returns the checkout directory for a dependency name.
func (f *Fetcher) Dir(name string) string {
	return filepath.Join(f.root, name)
}

func validateRepo(repo string) error {
	u, err := url.Parse(repo)
	if err != nil {
		return fmt.Errorf("%w: repo=%q parse error: %v", ErrFetchUnsupportedRepo, repo, err)
	}
	if u.Scheme != "https" || !strings.EqualFold(u.Host, "github.com") {
		return fmt.Errorf("%w: repo=%q must be https://github.com/*", ErrFetchUnsupportedRepo, repo)
	}
	if strings.TrimSpace(u.Path) == "" || u.Path == "/" {
		return fmt.Errorf("%w: repo=%q missing repository path", ErrFetchUnsupportedRepo, repo)
	}
	return nil
}

func isWithin(path string, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && rel != "..")
}

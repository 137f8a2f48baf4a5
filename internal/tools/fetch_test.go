package tools

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"devnetctl/internal/testutil/testlog"
	"devnetctl/internal/topology"
)

func TestFetchClonesMissingCheckout(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{}
	fetcher, err := NewFetcher(t.TempDir(), runner)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	pin := topology.DependencySpec{
		Repo: "https://github.com/example/genesis-contracts",
		Ref:  "0d2c9f1",
	}
	if err := fetcher.Fetch("genesis_contracts", pin); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if len(runner.calls) != 3 {
		t.Fatalf("expected clone+fetch+checkout, got %d calls: %v", len(runner.calls), runner.calls)
	}
	if runner.calls[0][1] != "clone" {
		t.Fatalf("first call should clone: %v", runner.calls[0])
	}
	if got := runner.calls[1]; got[3] != "fetch" || got[5] != pin.Ref {
		t.Fatalf("second call should fetch the pinned ref: %v", got)
	}
	if got := runner.calls[2]; got[4] != "FETCH_HEAD" {
		t.Fatalf("third call should checkout FETCH_HEAD: %v", got)
	}
}

func TestFetchMovesExistingCheckout(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bench", ".git"), 0o755); err != nil {
		t.Fatalf("seed checkout: %v", err)
	}
	runner := &fakeRunner{}
	fetcher, err := NewFetcher(root, runner)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	pin := topology.DependencySpec{Repo: "https://github.com/example/bench", Ref: "v1.2.0"}
	if err := fetcher.Fetch("bench", pin); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("existing checkout must not reclone, got calls: %v", runner.calls)
	}
	if runner.calls[0][3] != "fetch" {
		t.Fatalf("first call should fetch: %v", runner.calls[0])
	}
}

func TestFetchRejectsNonGitDestination(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bench"), 0o755); err != nil {
		t.Fatalf("seed dir: %v", err)
	}
	fetcher, err := NewFetcher(root, &fakeRunner{})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	pin := topology.DependencySpec{Repo: "https://github.com/example/bench", Ref: "v1.2.0"}
	if err := fetcher.Fetch("bench", pin); !errors.Is(err, ErrFetchInvalidPin) {
		t.Fatalf("expected ErrFetchInvalidPin, got %v", err)
	}
}

func TestFetchValidatesRepo(t *testing.T) {
	testlog.Start(t)
	fetcher, err := NewFetcher(t.TempDir(), &fakeRunner{})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	cases := []struct {
		name string
		pin  topology.DependencySpec
		want error
	}{
		{"ssh scheme", topology.DependencySpec{Repo: "git@github.com:x/y.git", Ref: "main"}, ErrFetchUnsupportedRepo},
		{"wrong host", topology.DependencySpec{Repo: "https://example.com/x/y", Ref: "main"}, ErrFetchUnsupportedRepo},
		{"missing ref", topology.DependencySpec{Repo: "https://github.com/x/y"}, ErrFetchInvalidPin},
	}
	for _, tc := range cases {
		if err := fetcher.Fetch(tc.name, tc.pin); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestFetchSandboxEscape(t *testing.T) {
	testlog.Start(t)
	fetcher, err := NewFetcher(t.TempDir(), &fakeRunner{})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	pin := topology.DependencySpec{Repo: "https://github.com/x/y", Ref: "main"}
	if err := fetcher.Fetch("../escape", pin); !errors.Is(err, ErrFetchSandbox) {
		t.Fatalf("expected ErrFetchSandbox, got %v", err)
	}
}

func TestFetchAllDeterministicOrder(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{}
	fetcher, err := NewFetcher(t.TempDir(), runner)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	deps := map[string]topology.DependencySpec{
		"zeta":  {Repo: "https://github.com/x/zeta", Ref: "main"},
		"alpha": {Repo: "https://github.com/x/alpha", Ref: "main"},
	}
	if err := fetcher.FetchAll(deps); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	// clone calls carry the destination path; alpha must come first.
	first := runner.calls[0][3]
	if filepath.Base(first) != "alpha" {
		t.Fatalf("expected alpha fetched first, got %q", first)
	}
}

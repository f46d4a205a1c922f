package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/db"
)

// runDoctor checks the pieces start needs: a loadable config, git, the
// runner binaries, and an openable database. A missing non-default runner
// only warns; everything else missing fails the run.
func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configDir := fs.String("config", "", "directory containing config.json")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	failed := false
	report := func(name, status, detail string) {
		fmt.Printf("%-12s %-6s %s\n", name, status, detail)
	}
	fail := func(name, detail string) {
		failed = true
		report(name, "FAIL", detail)
	}

	cfg, err := config.LoadWithPath(*configDir)
	if err != nil {
		fail("config", err.Error())
		fmt.Println("\nFix the configuration first; the remaining checks depend on it.")
		return 1
	}
	report("config", "ok", fmt.Sprintf("%d repos, %d users, default runner %s",
		len(cfg.Repos), len(cfg.Users), cfg.Runner.Default))

	if path, err := exec.LookPath("git"); err != nil {
		fail("git", "not on PATH; clones and worktrees need git")
	} else {
		report("git", "ok", path)
	}

	checkRunner := func(name, explicit, binary string) {
		path := explicit
		var err error
		if path == "" {
			path, err = exec.LookPath(binary)
		} else {
			_, err = os.Stat(path)
		}
		switch {
		case err == nil:
			report(name, "ok", path)
		case cfg.Runner.Default == name:
			fail(name, fmt.Sprintf("default runner binary %q not found", binary))
		default:
			report(name, "warn", fmt.Sprintf("%q not found; tasks pinned to %s will fail", binary, name))
		}
	}
	checkRunner("claude-code", cfg.Runner.ClaudePath, "claude")
	checkRunner("codex", cfg.Runner.CodexPath, "codex")

	if pool, err := db.Open(cfg.Database.Path, cfg.Database.BusyTimeoutMs); err != nil {
		fail("database", err.Error())
	} else {
		pingErr := pool.Writer().Ping()
		pool.Close()
		if pingErr != nil {
			fail("database", pingErr.Error())
		} else {
			report("database", "ok", cfg.Database.Path)
		}
	}

	if failed {
		fmt.Println("\nProblems found.")
		return 1
	}
	fmt.Println("\nAll checks passed.")
	return 0
}

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// runInit asks for the handful of settings a fresh install needs and writes
// them to config.json. Everything else falls back to defaults at load time.
func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configDir := fs.String("config", "", "directory to write config.json into")
	force := fs.Bool("force", false, "overwrite an existing config.json")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := configFilePath(*configDir)
	if !*force {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "%s already exists; re-run with -force to overwrite\n", path)
			return 1
		}
	}

	sc := bufio.NewScanner(os.Stdin)
	out := os.Stdout

	fmt.Fprintln(out, "dispatchd setup. Enter accepts the default in brackets.")
	fmt.Fprintln(out)

	port := promptPort(sc, out, "HTTP port", 8080)
	dbPath := promptLine(sc, out, "Database path", "./dispatchd.db")
	reposDir := promptLine(sc, out, "Repos directory", "./repos")
	defRunner := promptLine(sc, out, "Default runner (claude-code or codex)", "claude-code")
	if defRunner != "claude-code" && defRunner != "codex" {
		fmt.Fprintf(os.Stderr, "unknown runner %q\n", defRunner)
		return 1
	}

	repos := map[string]any{}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "First repository (leave the name empty to skip):")
	if name := promptLine(sc, out, "  name", ""); name != "" {
		url := promptLine(sc, out, "  git URL", "")
		if url == "" {
			fmt.Fprintln(os.Stderr, "a repository needs a git URL")
			return 1
		}
		branch := promptLine(sc, out, "  default branch", "main")
		repos[name] = map[string]any{"url": url, "defaultBranch": branch}
	}

	users := map[string]any{}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "First user (leave the id empty to skip):")
	if id := promptLine(sc, out, "  platform user id (e.g. cli:alice)", ""); id != "" {
		name := promptLine(sc, out, "  display name", id)
		users[id] = map[string]any{"name": name, "repos": []string{"*"}}
	}

	doc := map[string]any{
		"server":   map[string]any{"port": port},
		"database": map[string]any{"path": dbPath},
		"logging":  map[string]any{"level": "info", "format": "text"},
		"reposDir": reposDir,
		"runner":   map[string]any{"default": defRunner},
		"repos":    repos,
		"users":    users,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not encode config: %v\n", err)
		return 1
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "could not write %s: %v\n", path, err)
		return 1
	}

	fmt.Fprintf(out, "\nWrote %s. Run \"dispatchd doctor\" to verify the environment, then \"dispatchd start\".\n", path)
	return 0
}

// promptLine reads one answer, returning def on a blank line or EOF.
func promptLine(sc *bufio.Scanner, out io.Writer, label, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	if !sc.Scan() {
		fmt.Fprintln(out)
		return def
	}
	text := strings.TrimSpace(sc.Text())
	if text == "" {
		return def
	}
	return text
}

// promptPort re-asks until the answer parses as a port. EOF keeps the
// default, so the loop always terminates.
func promptPort(sc *bufio.Scanner, out io.Writer, label string, def int) int {
	for {
		text := promptLine(sc, out, label, strconv.Itoa(def))
		n, err := strconv.Atoi(text)
		if err == nil && n > 0 && n <= 65535 {
			return n
		}
		fmt.Fprintf(out, "  %q is not a valid port\n", text)
	}
}

// ABOUTME: Loads environment variables from dotenv files found on a fixed search path.
// ABOUTME: Sets variables only when not already present in the environment (no clobber).
package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// loadDotEnv reads one dotenv file and sets any variables not already in the
// environment. Missing files are silently ignored.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

// parseEnvLine splits one dotenv line into a key/value pair. Comments, blank
// lines, and lines without '=' report ok=false. Accepts an optional
// "export " prefix and matching single or double quotes around the value;
// values can themselves contain '='.
func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), unquote(strings.TrimSpace(value)), true
}

// unquote strips one layer of matching single or double quotes.
func unquote(value string) string {
	if len(value) < 2 {
		return value
	}
	first, last := value[0], value[len(value)-1]
	if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
		return value[1 : len(value)-1]
	}
	return value
}

// loadDotEnvAuto loads every file on the dotenv search path, nearest first.
// Earlier files win because loadDotEnv never clobbers.
func loadDotEnvAuto() {
	for _, path := range envSearchPath() {
		loadDotEnv(path)
	}
}

// envSearchPath lists candidate dotenv files in precedence order:
//  1. .env in the working directory and each of its parents
//  2. .env next to the current executable
//  3. config.env in the stampede config directory
func envSearchPath() []string {
	var paths []string
	seen := map[string]bool{}
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	if wd, err := os.Getwd(); err == nil {
		for dir := wd; ; dir = filepath.Dir(dir) {
			add(filepath.Join(dir, ".env"))
			if filepath.Dir(dir) == dir {
				break
			}
		}
	}

	if exe, err := os.Executable(); err == nil {
		add(filepath.Join(filepath.Dir(exe), ".env"))
	}

	if cfgDir, err := defaultConfigDir(); err == nil {
		add(filepath.Join(cfgDir, "config.env"))
	}

	return paths
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Input limits for configuration sources.
const (
	maxConfigSize = 1 << 20
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

var configExtensions = []string{".json", ".yaml", ".yml"}

// validateConfigPath accepts absolute paths and relative paths that stay
// under the working directory, with a JSON or YAML extension.
func validateConfigPath(path string) error {
	switch {
	case path == "":
		return errors.New("config path is empty")
	case len(path) > maxPathLen:
		return fmt.Errorf("config path exceeds %d bytes", maxPathLen)
	}

	if !filepath.IsAbs(path) {
		if err := withinWorkingDir(path); err != nil {
			return err
		}
	}

	if ext := strings.ToLower(filepath.Ext(path)); !slices.Contains(configExtensions, ext) {
		return fmt.Errorf("config file %q has extension %q, expected one of %s",
			path, ext, strings.Join(configExtensions, ", "))
	}
	return nil
}

func withinWorkingDir(path string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	rel, err := filepath.Rel(wd, filepath.Join(wd, filepath.Clean(path)))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("config path %q escapes the working directory", path)
	}
	return nil
}

// safeReadFile reads a regular config file of at most maxConfigSize bytes.
// Size and type are checked on the opened handle.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config path %q is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file %q is larger than %d bytes", path, maxConfigSize)
	}
	return data, nil
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%s exceeds %d bytes", key, maxEnvVarLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// validateJSONDepth walks the token stream and fails once arrays and
// objects nest deeper than maxJSONDepth.
func validateJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch tok {
		case json.Delim('{'), json.Delim('['):
			if depth++; depth > maxJSONDepth {
				return fmt.Errorf("nesting exceeds %d levels", maxJSONDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a policy document from a JSON or YAML file. The document is
// validated but not installed; callers install it into an Engine.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("policy: %s: unsupported document format", path)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadDir loads every policy document in a directory, keyed by document
// name. Unparseable files are skipped with a log line so one bad document
// cannot block the rest; the engine stays fail-closed either way.
func LoadDir(dir string, logger *slog.Logger) (map[string]*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make(map[string]*Document, len(names))
	for _, name := range names {
		doc, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping policy document", "file", name, "error", err)
			continue
		}
		if _, dup := docs[doc.Name]; dup {
			logger.Warn("duplicate policy document name, keeping first", "name", doc.Name, "file", name)
			continue
		}
		docs[doc.Name] = doc
	}
	return docs, nil
}

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadLines reads a label file with one class name per line. Windows line
// endings and blank lines are dropped.
func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// readYAMLNames reads a dataset yaml (names as a list or an index map).
func readYAMLNames(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	switch doc.Names.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := doc.Names.Decode(&names); err != nil {
			return nil, err
		}
		return names, nil
	case yaml.MappingNode:
		var byIdx map[int]string
		if err := doc.Names.Decode(&byIdx); err != nil {
			return nil, err
		}
		return denseNames(byIdx), nil
	default:
		return nil, fmt.Errorf("%s: no names list", path)
	}
}

func denseNames(byIdx map[int]string) []string {
	if len(byIdx) == 0 {
		return nil
	}
	keys := make([]int, 0, len(byIdx))
	for k := range byIdx {
		if k >= 0 {
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, keys[len(keys)-1]+1)
	for _, k := range keys {
		names[k] = byIdx[k]
	}
	return names
}

// LoadNames resolves a model's label table: inline names win, otherwise the
// labels file is read (yaml or plain text by extension).
func LoadNames(inline []string, path string) ([]string, error) {
	if len(inline) > 0 {
		return append([]string(nil), inline...), nil
	}
	if path == "" {
		return nil, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return readYAMLNames(path)
	default:
		return ReadLines(path)
	}
}

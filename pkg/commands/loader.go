// Package commands loads operator-supplied command groups from a directory of
// plain text files.
package commands

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// CommandGroup is a named batch of commands read from one or more files sharing a stem
type CommandGroup struct {
	// Name is the file base name with the extension stripped
	Name string
	// Commands are the file lines verbatim, trailing newline included
	Commands []string
}

// LoadDir reads every regular file in dir (non-recursive) and returns one group
// per file stem, sorted by name. Files sharing a stem are merged in file-name
// order and files without lines contribute no group.
func LoadDir(dir string) ([]CommandGroup, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read command directory: %w", err)
	}

	// os.ReadDir returns entries sorted by file name
	byName := make(map[string]*CommandGroup)
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		// Stat follows symlinks so linked command files are picked up
		info, err := os.Stat(path)
		if err != nil {
			klog.Warningf("Skipping %s: %v", path, err)
			continue
		}
		if !info.Mode().IsRegular() {
			klog.V(4).Infof("Skipping non-regular entry %s", path)
			continue
		}

		lines, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			klog.V(4).Infof("Command file %s is empty", path)
			continue
		}

		name := stem(entry.Name())
		group, ok := byName[name]
		if !ok {
			group = &CommandGroup{Name: name}
			byName[name] = group
		}
		group.Commands = append(group.Commands, lines...)
		klog.V(4).Infof("Loaded %d commands from %s into group %q", len(lines), path, name)
	}

	groups := make([]CommandGroup, 0, len(byName))
	for _, g := range byName {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	klog.V(2).Infof("Loaded %d command groups from %s", len(groups), dir)
	return groups, nil
}

// ParseFile reads the lines of one command file.
func ParseFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read command file: %w", err)
	}

	lines, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command file %s: %w", path, err)
	}
	return lines, nil
}

// Parse splits data into lines, keeping each line's newline. Empty lines are
// kept as commands; a final line without newline is kept as is.
func Parse(data []byte) ([]string, error) {
	var lines []string

	r := bufio.NewReader(bytes.NewReader(data))
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			lines = append(lines, line)
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// stem strips the last extension: "ip.route.txt" -> "ip.route", ".hidden" -> ".hidden"
func stem(name string) string {
	ext := filepath.Ext(name)
	if ext == name {
		return name
	}
	return strings.TrimSuffix(name, ext)
}

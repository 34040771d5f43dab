package routeros

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// Fixed remote commands and artifact names
const (
	// ListFilesCommand lists every file as one key=value record per line
	ListFilesCommand = "/file print terse without-paging"

	// BackupName is the name passed to /system backup save; RouterOS appends .backup
	BackupName = "rtrbackup"
	// BackupFile is the file produced by SaveBackup(BackupName)
	BackupFile = BackupName + ".backup"

	// ConfigName is the name passed to /export file=; RouterOS appends .rsc
	ConfigName = "config"
	// ConfigFile is the file produced by ExportConfig(ConfigName)
	ConfigFile = ConfigName + ".rsc"
)

// ListFiles returns every entry of the device file system
func (c *sshClient) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	klog.V(4).Info("Listing device files")

	output, err := c.RunCommand(ctx, ListFilesCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	files := ParseFileList(output)
	klog.V(4).Infof("Device reported %d file entries", len(files))
	return files, nil
}

// FileExists checks whether a file with exactly this name is present
func (c *sshClient) FileExists(ctx context.Context, name string) (bool, error) {
	if err := utils.ValidateRemoteName(name); err != nil {
		return false, err
	}

	cmd := fmt.Sprintf(`%s where name=%s`, ListFilesCommand, quoteArg(name))
	output, err := c.RunCommand(ctx, cmd)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", name, err)
	}

	for _, f := range ParseFileList(output) {
		if f.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// RemoveFile deletes a file from the device
func (c *sshClient) RemoveFile(ctx context.Context, name string) error {
	if err := utils.ValidateRemoteName(name); err != nil {
		return err
	}

	klog.V(4).Infof("Removing remote file %s", name)
	if _, err := c.RunCommand(ctx, fmt.Sprintf("/file remove %s", quoteArg(name))); err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// SaveBackup creates a binary system backup named <name>.backup on the device
func (c *sshClient) SaveBackup(ctx context.Context, name string) error {
	if err := utils.ValidateRemoteName(name); err != nil {
		return err
	}

	klog.V(2).Infof("Saving system backup %s.backup", name)
	if _, err := c.RunCommand(ctx, fmt.Sprintf("/system backup save name=%s", quoteArg(name))); err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}
	return nil
}

// ExportConfig writes the configuration export to <name>.rsc on the device
func (c *sshClient) ExportConfig(ctx context.Context, name string) error {
	if err := utils.ValidateRemoteName(name); err != nil {
		return err
	}

	klog.V(2).Infof("Exporting configuration to %s.rsc", name)
	if _, err := c.RunCommand(ctx, fmt.Sprintf("/export file=%s", quoteArg(name))); err != nil {
		return fmt.Errorf("failed to export config: %w", err)
	}
	return nil
}

// quoteArg quotes a RouterOS argument only when it contains whitespace
func quoteArg(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

// ParseFileList extracts file entries from `/file print` output.
//
// Terse output (one key=value record per line) is parsed by field name. When that
// yields nothing the output is treated as a table and sliced at the header's
// column positions. Malformed or empty input returns nil.
func ParseFileList(output string) []RemoteFile {
	if files := parseTerseFileList(output); len(files) > 0 {
		return files
	}
	return parseFileTable(output)
}

// parseTerseFileList parses lines such as:
//
//	0 name="flash/my notes.txt" type=".txt file" size=1024 last-modified=2024-05-01 10:00:00
func parseTerseFileList(output string) []RemoteFile {
	var files []RemoteFile

	for _, line := range splitLines(output) {
		fields := parseTerseFields(line)
		name, ok := fields["name"]
		if !ok || name == "" {
			continue
		}
		files = append(files, RemoteFile{
			Name: name,
			Type: fields["type"],
			Size: parseSizeField(fields["size"]),
		})
	}

	return files
}

// parseTerseFields returns the key=value pairs of one terse line.
// Quoted values are unquoted; tokens without '=' are ignored.
func parseTerseFields(line string) map[string]string {
	matches := utils.TersePairPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return nil
	}

	fields := make(map[string]string, len(matches))
	for _, m := range matches {
		fields[m[1]] = unquoteValue(m[2])
	}
	return fields
}

func unquoteValue(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if s, err := strconv.Unquote(v); err == nil {
			return s
		}
		return v[1 : len(v)-1]
	}
	return v
}

var headerWordPattern = regexp.MustCompile(`\S+`)

// tableColumn is one header cell of a RouterOS table print
type tableColumn struct {
	name  string
	start int
}

// parseFileTable parses the column layout of plain `/file print`:
//
//	# NAME                     TYPE         SIZE CREATION-TIME
//	0 skins                    directory         jan/02/1970 00:00:13
//	1 auto-before-reset.backup backup     20.9KiB jan/02/1970 00:00:41
//
// Names containing spaces survive because cells are located by column position
// rather than by splitting on whitespace.
func parseFileTable(output string) []RemoteFile {
	lines := splitLines(output)

	headerIdx := -1
	for i, line := range lines {
		if utils.TableHeaderPattern.MatchString(line) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil
	}

	var columns []tableColumn
	for _, loc := range headerWordPattern.FindAllStringIndex(lines[headerIdx], -1) {
		columns = append(columns, tableColumn{name: lines[headerIdx][loc[0]:loc[1]], start: loc[0]})
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].start < columns[j].start })

	var files []RemoteFile
	for _, line := range lines[headerIdx+1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := sliceRow(line, columns)
		name := cells["NAME"]
		if name == "" {
			continue
		}
		files = append(files, RemoteFile{
			Name: name,
			Type: cells["TYPE"],
			Size: parseSizeField(cells["SIZE"]),
		})
	}

	return files
}

// sliceRow assigns each word of a table row to the header column its midpoint
// falls in, so left-aligned (NAME, TYPE) and right-aligned (SIZE) cells both land
// in the right place. A cell keeps the row text between its first and last word.
func sliceRow(line string, columns []tableColumn) map[string]string {
	type span struct{ start, end int }
	spans := make(map[string]*span, len(columns))

	for _, loc := range headerWordPattern.FindAllStringIndex(line, -1) {
		mid := (loc[0] + loc[1]) / 2
		col := -1
		for i := range columns {
			if columns[i].start <= mid {
				col = i
			}
		}
		if col < 0 {
			continue
		}
		name := columns[col].name
		if sp, ok := spans[name]; ok {
			sp.end = loc[1]
		} else {
			spans[name] = &span{start: loc[0], end: loc[1]}
		}
	}

	cells := make(map[string]string, len(spans))
	for name, sp := range spans {
		cells[name] = line[sp.start:sp.end]
	}
	return cells
}

func splitLines(output string) []string {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	return strings.Split(output, "\n")
}

// parseSizeField converts RouterOS sizes ("1024", "20.9KiB", "1 048 576") to bytes.
// Unknown formats return 0.
func parseSizeField(s string) int64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return 0
	}

	unitStart := len(s)
	for i, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			unitStart = i
			break
		}
	}

	size, err := parseSize(s[:unitStart], s[unitStart:])
	if err != nil {
		return 0
	}
	return size
}

// parseSize converts human-readable size to bytes
func parseSize(value, unit string) (int64, error) {
	num, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}

	multiplier := int64(1)
	switch strings.ToUpper(unit) {
	case "", "B":
	case "KIB", "KB", "K":
		multiplier = 1024
	case "MIB", "MB", "M":
		multiplier = 1024 * 1024
	case "GIB", "GB", "G":
		multiplier = 1024 * 1024 * 1024
	case "TIB", "TB", "T":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}

	return int64(num * float64(multiplier)), nil
}

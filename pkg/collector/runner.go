package collector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/commands"
	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// bannerWidth is the width of the group banner and its rule lines
const bannerWidth = 40

// GroupResult records the outcome of one command group
type GroupResult struct {
	Name       string `yaml:"name"`
	OutputFile string `yaml:"output_file"`
	Commands   int    `yaml:"commands"`
	Executed   int    `yaml:"executed"`
	Error      string `yaml:"error,omitempty"`

	Err error `yaml:"-"`
}

// Failed reports whether the group stopped before running every command
func (r GroupResult) Failed() bool {
	return r.Error != ""
}

func (r *GroupResult) setError(err error) {
	r.Err = err
	r.Error = err.Error()
}

// GroupOutputName returns the output file name of a group
func GroupOutputName(group string) string {
	return group + "_output.txt"
}

// Banner returns the three banner lines that open a group output file
func Banner(name string) string {
	rule := strings.Repeat("#", bannerWidth)

	centered := name
	if width := utf8.RuneCountInString(name); width < bannerWidth {
		left := (bannerWidth - width) / 2
		right := bannerWidth - width - left
		centered = strings.Repeat(" ", left) + name + strings.Repeat(" ", right)
	}

	return rule + "\n" + centered + "\n" + rule + "\n"
}

// RunGroups runs every group in order. Each group's output file is complete
// and closed before the next group starts. A failing command aborts only the
// rest of its own group. Once ctx is done the remaining groups are recorded as
// not run.
func (c *Collector) RunGroups(ctx context.Context, groups []commands.CommandGroup) []GroupResult {
	results := make([]GroupResult, 0, len(groups))

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			klog.Warningf("Not running group %s: %v", g.Name, err)
			r := GroupResult{Name: g.Name, Commands: len(g.Commands)}
			r.setError(fmt.Errorf("not run: %w", err))
			results = append(results, r)
			continue
		}
		results = append(results, c.RunGroup(ctx, g))
	}

	return results
}

// RunGroup executes one group and writes output/<group>_output.txt:
//
//	########################################
//	                 system
//	########################################
//	[+] Command: /system resource print
//	<raw output>
func (c *Collector) RunGroup(ctx context.Context, g commands.CommandGroup) GroupResult {
	name := GroupOutputName(g.Name)
	result := GroupResult{Name: g.Name, OutputFile: name, Commands: len(g.Commands)}

	path := filepath.Join(c.config.OutputDir, name)
	f, err := os.Create(path)
	if err != nil {
		result.setError(utils.NewStageError("group", g.Name, err))
		return result
	}

	w := bufio.NewWriter(f)
	runErr := c.runGroup(ctx, g, w, &result)

	flushErr := w.Flush()
	closeErr := f.Close()
	if runErr == nil && flushErr != nil {
		runErr = fmt.Errorf("writing %s: %w", path, flushErr)
	}
	if runErr == nil && closeErr != nil {
		runErr = fmt.Errorf("closing %s: %w", path, closeErr)
	}

	if runErr != nil {
		result.setError(utils.NewStageError("group", g.Name, runErr))
		c.metrics.RecordGroupAborted()
		return result
	}

	klog.V(2).Infof("Group %s: %d commands written to %s", g.Name, result.Executed, name)
	return result
}

func (c *Collector) runGroup(ctx context.Context, g commands.CommandGroup, w *bufio.Writer, result *GroupResult) error {
	if _, err := w.WriteString(Banner(g.Name)); err != nil {
		return err
	}

	for i, cmd := range g.Commands {
		display := strings.TrimRight(cmd, "\r\n")
		if _, err := fmt.Fprintf(w, "[+] Command: %s\n", display); err != nil {
			return err
		}

		output, err := c.runCommand(ctx, cmd)
		c.metrics.RecordCommand(g.Name, err)
		if err != nil {
			err = fmt.Errorf("command %d (%s): %w", i+1, display, err)
			_, _ = fmt.Fprintf(w, "[!] Aborted: %v\n", err)
			return err
		}
		result.Executed++

		if _, err := w.WriteString(output + "\n"); err != nil {
			return err
		}
	}

	return nil
}

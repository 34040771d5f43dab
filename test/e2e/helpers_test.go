package e2e

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/rosac/pkg/archive"
	"git.srvlab.io/whiskey/rosac/pkg/collector"
	"git.srvlab.io/whiskey/rosac/pkg/commands"
	"git.srvlab.io/whiskey/rosac/pkg/routeros"
)

// Constants for test configuration
const (
	defaultTimeout = 2 * time.Minute
	artifactWait   = 3 * time.Second
)

// writeCommandDir lays out commandFiles in a fresh directory
func writeCommandDir() string {
	dir := GinkgoT().TempDir()
	for name, content := range commandFiles {
		Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)).To(Succeed())
	}
	return dir
}

// connectClient opens a verified session to the mock router, closed when the spec ends
func connectClient() routeros.Client {
	key, err := os.ReadFile(keyFile)
	Expect(err).NotTo(HaveOccurred())

	client, err := routeros.NewClient(routeros.ClientConfig{
		Address:        mockRouter.Address(),
		Port:           mockRouter.Port(),
		User:           "ir",
		PrivateKey:     key,
		KnownHostsFile: knownHostsFile,
		Timeout:        5 * time.Second,
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(client.Connect(ctx)).To(Succeed())
	DeferCleanup(func() { _ = client.Close() })
	return client
}

// runCollection runs a full pipeline against the suite router into a fresh
// work directory. It returns the summary and the work directory.
func runCollection(opts collector.Options) (*collector.Summary, string) {
	return runCollectionWith(connectClient(), opts)
}

// runCollectionWith runs a full pipeline against client
func runCollectionWith(client routeros.Client, opts collector.Options) (*collector.Summary, string) {
	groups, err := commands.LoadDir(writeCommandDir())
	Expect(err).NotTo(HaveOccurred())

	if opts.WorkDir == "" {
		opts.WorkDir = GinkgoT().TempDir()
	}
	if opts.ArtifactWait == 0 {
		opts.ArtifactWait = artifactWait
	}
	opts.User = "ir"
	opts.Version = testRunID

	summary, err := collector.NewPipeline(client, groups, opts).Run(ctx)
	Expect(err).NotTo(HaveOccurred())
	Expect(summary.Archive).NotTo(BeNil())
	return summary, opts.WorkDir
}

// extractArchive unpacks a run archive and returns the extracted output directory
func extractArchive(res *archive.Result) string {
	dest := GinkgoT().TempDir()
	Expect(archive.Extract(res.Path, dest)).To(Succeed())
	return filepath.Join(dest, collector.OutputDirName)
}

// treeFiles lists the regular files below root as sorted slash paths
func treeFiles(root string) []string {
	var files []string
	Expect(filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})).To(Succeed())
	sort.Strings(files)
	return files
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

// issuedCommands returns the commands the device saw since the last history reset
func issuedCommands() []string {
	var cmds []string
	for _, entry := range mockRouter.GetCommandHistory() {
		cmds = append(cmds, entry.Command)
	}
	return cmds
}

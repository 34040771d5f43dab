package e2e

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/rosac/pkg/collector"
	"git.srvlab.io/whiskey/rosac/pkg/routeros"
)

var _ = Describe("Collection", func() {
	BeforeEach(func() {
		mockRouter.ClearCommandHistory()
	})

	It("should run only the operator commands when no optional stage is enabled", func() {
		summary, workDir := runCollection(collector.Options{})

		By("Checking the device saw nothing but the command files")
		Expect(issuedCommands()).To(Equal([]string{
			"/interface print terse without-paging",
			"/interface ethernet print terse",
			"/ip route print terse",
			"/system identity print",
			"/system resource print",
		}))

		By("Checking only the archive is left in the work directory")
		entries, err := os.ReadDir(workDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Name()).To(MatchRegexp(`^output_\d{8}-\d{6}\.tar\.gz$`))

		By("Checking the archive contents")
		out := extractArchive(summary.Archive)
		Expect(treeFiles(out)).To(Equal([]string{
			"interface_output.txt",
			"manifest.yaml",
			"routing_output.txt",
			"system_output.txt",
		}))

		iface := readFile(filepath.Join(out, "interface_output.txt"))
		Expect(iface).To(HavePrefix(collector.Banner("interface")))
		Expect(iface).To(ContainSubstring("[+] Command: /interface print terse without-paging\n"))
		Expect(iface).To(ContainSubstring("name=ether2"))
		Expect(readFile(filepath.Join(out, "system_output.txt"))).To(ContainSubstring("name: MikroTik"))
	})

	It("should download device files, the system backup and the configuration export", func() {
		summary, _ := runCollection(collector.Options{GetFiles: true, SysBackup: true, ConfBackup: true})

		Expect(summary.Manifest.Failures()).To(BeZero())

		out := extractArchive(summary.Archive)
		Expect(treeFiles(out)).To(ContainElements(
			"files/log.0.txt",
			"files/flash/pub/my notes.txt",
			"files/flash/skins/default.json",
			"files/backup/"+routeros.BackupFile,
			"files/config/"+routeros.ConfigFile,
		))
		Expect(readFile(filepath.Join(out, "files/flash/pub/my notes.txt"))).To(Equal(deviceFiles["flash/pub/my notes.txt"]))
		Expect(readFile(filepath.Join(out, "files/config", routeros.ConfigFile))).To(ContainSubstring("set name=MikroTik"))

		By("Checking the device artifacts were removed again")
		Expect(mockRouter.HasFile(routeros.BackupFile)).To(BeFalse())
		Expect(mockRouter.HasFile(routeros.ConfigFile)).To(BeFalse())
		Expect(issuedCommands()).To(ContainElements(
			"/system backup save name="+routeros.BackupName,
			"/export file="+routeros.ConfigName,
			"/file remove "+routeros.BackupFile,
			"/file remove "+routeros.ConfigFile,
		))
	})

	It("should write a manifest describing the run", func() {
		summary, _ := runCollection(collector.Options{GetFiles: true})

		out := extractArchive(summary.Archive)
		m, err := collector.ReadManifest(filepath.Join(out, collector.ManifestFile))
		Expect(err).NotTo(HaveOccurred())

		Expect(m.RunID).NotTo(BeEmpty())
		Expect(m.Version).To(Equal(testRunID))
		Expect(m.Host).To(Equal(mockRouter.Address()))
		Expect(m.User).To(Equal("ir"))
		Expect(m.Session).To(Equal("closed"))
		Expect(m.Archive).To(Equal(filepath.Base(summary.Archive.Path)))
		Expect(m.Groups).To(HaveLen(len(commandFiles)))
		Expect(m.Downloads).To(HaveLen(len(deviceFiles)))
		for _, d := range m.Downloads {
			Expect(d.Error).To(BeEmpty(), d.Remote)
		}
	})

	It("should refuse to run over a leftover output directory", func() {
		workDir := GinkgoT().TempDir()
		leftover := filepath.Join(workDir, collector.OutputDirName)
		Expect(os.MkdirAll(leftover, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(leftover, "old_output.txt"), []byte("old"), 0o644)).To(Succeed())

		_, err := collector.NewPipeline(connectClient(), nil, collector.Options{WorkDir: workDir}).Run(ctx)
		Expect(err).To(MatchError(ContainSubstring("already exists")))
		Expect(issuedCommands()).To(BeEmpty())
	})
})

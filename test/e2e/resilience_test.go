package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/rosac/pkg/collector"
	"git.srvlab.io/whiskey/rosac/pkg/commands"
	"git.srvlab.io/whiskey/rosac/pkg/routeros"
	"git.srvlab.io/whiskey/rosac/pkg/utils"
	"git.srvlab.io/whiskey/rosac/test/mock"
)

var _ = Describe("Resilience", func() {
	BeforeEach(func() {
		mockRouter.ClearCommandHistory()
		DeferCleanup(func() {
			// Reset error mode so other specs are not affected
			mockRouter.ErrorInjector().SetMode(mock.ErrorModeNone, 0)
		})
	})

	It("should abort only the rest of a group when a command fails", func() {
		By("Letting the first command succeed and failing every later one")
		mockRouter.ErrorInjector().SetMode(mock.ErrorModeCommandFail, 1)

		summary, _ := runCollection(collector.Options{})
		out := extractArchive(summary.Archive)

		iface := readFile(filepath.Join(out, "interface_output.txt"))
		Expect(iface).To(ContainSubstring("name=ether1"))
		Expect(iface).To(ContainSubstring("[!] Aborted: command 2"))

		By("Checking later groups still ran their first command")
		for _, name := range []string{"routing_output.txt", "system_output.txt"} {
			Expect(readFile(filepath.Join(out, name))).To(ContainSubstring("[!] Aborted: command 1"), name)
		}
		Expect(issuedCommands()).To(ContainElements("/ip route print terse", "/system identity print"))
		Expect(issuedCommands()).NotTo(ContainElement("/system resource print"))

		By("Checking device-reported failures did not mark the session dead")
		Expect(summary.Manifest.Session).To(Equal("closed"))
		Expect(summary.Manifest.Failures()).To(Equal(4), "three aborted groups plus the commands stage")
	})

	It("should report a backup that never appears and still remove it", func() {
		mockRouter.ErrorInjector().SetMode(mock.ErrorModeNoArtifact, 0)

		summary, _ := runCollection(collector.Options{SysBackup: true, ArtifactWait: time.Second})

		Expect(summary.Manifest.Downloads).To(HaveLen(1))
		backup := summary.Manifest.Downloads[0]
		Expect(backup.Kind).To(Equal(collector.KindBackup))
		Expect(backup.Err).To(MatchError(utils.ErrArtifactNotCreated))
		Expect(issuedCommands()).To(ContainElement("/file remove " + routeros.BackupFile))

		out := extractArchive(summary.Archive)
		Expect(treeFiles(out)).NotTo(ContainElement(ContainSubstring("backup/")))
	})

	It("should keep going when the device refuses to create artifacts", func() {
		mockRouter.ErrorInjector().SetMode(mock.ErrorModeArtifactFail, 0)

		summary, _ := runCollection(collector.Options{SysBackup: true, ConfBackup: true})

		Expect(summary.Manifest.Downloads).To(HaveLen(2))
		for _, d := range summary.Manifest.Downloads {
			Expect(d.Error).To(ContainSubstring("not enough space"), d.Kind)
		}
		Expect(summary.Archive.Path).To(BeAnExistingFile())
	})

	It("should wait for artifacts the device writes late", func() {
		By("Starting a router with realistic artifact delays")
		for key, value := range map[string]string{
			"MOCK_ROUTER_REALISTIC_TIMING": "true",
			"MOCK_ROUTER_SSH_LATENCY_MS":   "0",
			"MOCK_ROUTER_BACKUP_DELAY_MS":  "600",
			"MOCK_ROUTER_EXPORT_DELAY_MS":  "300",
		} {
			Expect(os.Setenv(key, value)).To(Succeed())
			DeferCleanup(os.Unsetenv, key)
		}
		slow, err := mock.NewMockRouterServer(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(slow.Start()).To(Succeed())
		DeferCleanup(slow.Stop)

		key, err := os.ReadFile(keyFile)
		Expect(err).NotTo(HaveOccurred())
		client, err := routeros.NewClient(routeros.ClientConfig{
			Address:    slow.Address(),
			Port:       slow.Port(),
			User:       "ir",
			PrivateKey: key,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Connect(ctx)).To(Succeed())
		DeferCleanup(client.Close)

		summary, _ := runCollectionWith(client, collector.Options{SysBackup: true, ConfBackup: true})
		for _, d := range summary.Manifest.Downloads {
			Expect(d.Error).To(BeEmpty(), d.Kind)
			Expect(d.Bytes).To(BeNumerically(">", 0), d.Kind)
		}
		Expect(slow.HasFile(routeros.BackupFile)).To(BeFalse())
	})

	It("should archive partial results when the run is cancelled", func() {
		groups, err := commands.LoadDir(writeCommandDir())
		Expect(err).NotTo(HaveOccurred())

		cancelled, stop := context.WithCancel(ctx)
		stop()

		summary, err := collector.NewPipeline(connectClient(), groups, collector.Options{
			WorkDir:  GinkgoT().TempDir(),
			GetFiles: true,
		}).Run(cancelled)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Archive.Path).To(BeAnExistingFile())
		Expect(issuedCommands()).To(BeEmpty())

		for _, s := range summary.Manifest.Stages {
			if s.Enabled {
				Expect(strings.HasPrefix(s.Error, "not run")).To(BeTrue(), s.Name)
			}
		}
	})
})

//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/infra"
	"github.com/eliteGoblin/focusd/ota_mgr/internal/usecase"
	"github.com/eliteGoblin/focusd/ota_mgr/test/fixtures"
)

const runtimeVersion = "1.0.0"

var _ = Describe("OTA Manager", func() {
	var (
		ctx       context.Context
		tmpDir    string
		key       []byte
		server    *fixtures.UpdateServer
		store     *infra.EncryptedStore
		restarted []string
	)

	// startManager simulates one process lifetime over the shared data dir.
	startManager := func() *usecase.Manager {
		if store != nil {
			Expect(store.Close()).To(Succeed())
		}
		var err error
		store, err = infra.NewEncryptedStore(tmpDir, key)
		Expect(err).NotTo(HaveOccurred())

		bundleDir := filepath.Join(tmpDir, "bundles")
		client := infra.NewHTTPUpdateClient(infra.HTTPClientOptions{
			ManifestURL:    server.ManifestURL(),
			RuntimeVersion: runtimeVersion,
			Channel:        "production",
			BundleDir:      bundleDir,
		}, zap.NewNop())
		restart := func(_ context.Context, bundlePath string) error {
			restarted = append(restarted, bundlePath)
			return nil
		}

		m, err := usecase.NewManager(ctx, usecase.Deps{
			Store:     store,
			Source:    client,
			Fetcher:   client,
			Applier:   infra.NewDirApplier(bundleDir, restart, zap.NewNop()),
			Confirmer: infra.AutoConfirmer{Answer: domain.ActionPostpone},
			Logger:    zap.NewNop(),
		}, usecase.Options{
			Build: domain.BuildInfo{
				RuntimeVersion: runtimeVersion,
				Channel:        "production",
				UpdateURL:      server.ManifestURL(),
				Platform:       "linux",
				Enabled:        true,
			},
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = m.UpdateConfiguration(ctx, domain.ConfigPatch{RetryDelay: durationPtr(10 * time.Millisecond)})
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	activities := func(m *usecase.Manager) []domain.Activity {
		var out []domain.Activity
		for _, e := range m.GetUpdateHistory(ctx).Logs {
			out = append(out, e.Activity)
		}
		return out
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		tmpDir, err = os.MkdirTemp("", "otamgr-integration-*")
		Expect(err).NotTo(HaveOccurred())
		key, err = infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		server = fixtures.NewUpdateServer()
		store = nil
		restarted = nil
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
		server.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("Checking for updates", func() {
		Context("when nothing is published", func() {
			It("should report no update", func() {
				m := startManager()
				outcome, err := m.CheckForUpdates(ctx, false, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.Available).To(BeFalse())
				Expect(outcome.Reason).To(Equal(usecase.ReasonNoUpdate))
			})

			It("should send the runtime version and channel", func() {
				m := startManager()
				_, err := m.CheckForUpdates(ctx, false, true)
				Expect(err).NotTo(HaveOccurred())

				reqs := server.ManifestRequests()
				Expect(reqs).NotTo(BeEmpty())
				Expect(reqs[0].Get("X-Runtime-Version")).To(Equal(runtimeVersion))
				Expect(reqs[0].Get("X-Channel")).To(Equal("production"))
			})
		})

		Context("when the manifest targets another runtime", func() {
			It("should skip it as incompatible", func() {
				server.Publish("u2", "2.0.0", []byte("bundle v2"))
				m := startManager()

				outcome, err := m.CheckForUpdates(ctx, false, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.Reason).To(Equal(usecase.ReasonIncompatible))
				Expect(activities(m)).To(ContainElement(domain.ActivitySkippedIncompatible))
			})
		})

		Context("when the server keeps failing", func() {
			It("should exhaust retries and bump the retry count", func() {
				server.SetFailing(true)
				m := startManager()

				outcome := m.CheckForUpdatesWithRetry(ctx, false, true)
				Expect(outcome.Err).NotTo(BeEmpty())
				Expect(outcome.Attempts).To(Equal(3))
				Expect(outcome.RetryCount).To(Equal(1))
				Expect(activities(m)).To(ContainElement(domain.ActivityCheckRetriesExhausted))
			})
		})
	})

	Describe("Downloading and applying an update", func() {
		Context("when a valid bundle is published", func() {
			It("should download, activate and confirm it across a restart", func() {
				server.Publish("u1", runtimeVersion, []byte("bundle v1"))
				m := startManager()

				outcome, err := m.CheckForUpdates(ctx, false, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.Available).To(BeTrue())

				status := m.GetUpdateStatus(ctx)
				Expect(status.PendingUpdate).NotTo(BeNil())
				Expect(status.PendingUpdate.Manifest.ID).To(Equal("u1"))
				Expect(status.PendingUpdate.Verified).To(BeTrue())

				Expect(m.RestartApp(ctx)).To(Succeed())
				Expect(restarted).To(HaveLen(1))
				data, err := os.ReadFile(restarted[0])
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("bundle v1"))

				// next process lifetime
				server.Withdraw()
				m = startManager()
				Expect(m.Initialize(ctx)).To(Succeed())

				status = m.GetUpdateStatus(ctx)
				Expect(status.CurrentUpdateID).To(Equal("u1"))
				Expect(status.PendingUpdate).To(BeNil())
				Expect(activities(m)).To(ContainElement(domain.ActivityUpdateApplied))
				Expect(m.GetUpdateHistory(ctx).Statistics.SuccessfulUpdates).To(Equal(1))
			})

			It("should not download the running bundle again", func() {
				server.Publish("u1", runtimeVersion, []byte("bundle v1"))
				m := startManager()
				_, err := m.CheckForUpdates(ctx, false, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(m.RestartApp(ctx)).To(Succeed())

				m = startManager()
				ok, err := m.DownloadUpdate(ctx, false)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
			})
		})

		Context("when the bundle does not match its advertised hash", func() {
			It("should reject it and block the update id", func() {
				server.PublishWithHash("bad", runtimeVersion, []byte("tampered"),
					"0000000000000000000000000000000000000000000000000000000000000000")
				m := startManager()

				ok, err := m.DownloadUpdate(ctx, false)
				Expect(err).To(MatchError(domain.ErrIntegrity))
				Expect(ok).To(BeFalse())
				Expect(m.IsUpdateBlocked(ctx, "bad")).To(BeTrue())

				outcome, err := m.CheckForUpdates(ctx, false, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.Reason).To(Equal(usecase.ReasonBlocked))
			})
		})
	})

	Describe("Persisted state", func() {
		It("should keep configuration and blockades across restarts", func() {
			m := startManager()
			_, err := m.UpdateConfiguration(ctx, domain.ConfigPatch{AutoRestart: boolPtr(true)})
			Expect(err).NotTo(HaveOccurred())
			Expect(m.SetUpdateBlockade(ctx, "u9", usecase.ReasonManualBlock)).To(Succeed())

			m = startManager()
			Expect(m.GetConfiguration().AutoRestart).To(BeTrue())
			Expect(m.IsUpdateBlocked(ctx, "u9")).To(BeTrue())

			Expect(m.ResetUpdateState(ctx)).To(Succeed())
			Expect(m.IsUpdateBlocked(ctx, "u9")).To(BeFalse())
		})

		It("should not open with a different key", func() {
			m := startManager()
			Expect(m.SetUpdateBlockade(ctx, "u9", "r")).To(Succeed())
			Expect(store.Close()).To(Succeed())
			store = nil

			other, err := infra.GenerateKey()
			Expect(err).NotTo(HaveOccurred())
			s, err := infra.NewEncryptedStore(tmpDir, other)
			if err == nil {
				_, _, err = s.Get(ctx, usecase.KeyConfig)
				s.Close()
			}
			Expect(err).To(HaveOccurred())
		})
	})
})

func durationPtr(d time.Duration) *time.Duration { return &d }

func boolPtr(b bool) *bool { return &b }

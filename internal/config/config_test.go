package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Default", func() {
		It("returns sane defaults", func() {
			cfg := config.Default()
			Expect(cfg.Server.WebhookPort).To(Equal("8080"))
			Expect(cfg.Database.Port).To(Equal(5432))
			Expect(cfg.Database.MaxOpenConns).To(Equal(25))
			Expect(cfg.Gateway.DNSRoot).To(Equal("filbeam.io"))
			Expect(cfg.Gateway.LegacyDomain).To(Equal("filcdn.io"))
			Expect(cfg.Gateway.EnforceQuota).To(BeTrue())
		})
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				valid := `
server:
  webhook_port: "8090"
  gateway_port: "8091"
  metrics_port: "9091"

database:
  host: "db.internal"
  port: 5433
  user: "filbeam_rw"
  database: "filbeam_prod"
  sslmode: "require"

gateway:
  dns_root: "filbeam.io"
  legacy_domain: "filcdn.io"
  enforce_quota: true
  bot_tokens:
    tok-abc: "Googlebot"

webhook:
  secret_header: "X-FilBeam-Webhook-Secret"
  secret: "shh"

reporter:
  cron_schedule: "0 */1 * * *"
  default_lockup_period_days: 10
`
				Expect(os.WriteFile(configFile, []byte(valid), 0644)).To(Succeed())
			})

			It("loads configuration successfully", func() {
				cfg, err := config.Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.WebhookPort).To(Equal("8090"))
				Expect(cfg.Database.Host).To(Equal("db.internal"))
				Expect(cfg.Database.Port).To(Equal(5433))
				Expect(cfg.Gateway.BotTokens).To(HaveKeyWithValue("tok-abc", "Googlebot"))
				Expect(cfg.Webhook.Secret).To(Equal("shh"))
				Expect(cfg.Reporter.DefaultLockupPeriodDays).To(Equal(10))
			})
		})

		Context("when environment overrides are set", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(configFile, []byte("database:\n  host: file-host\n"), 0644)).To(Succeed())
				os.Setenv("DB_HOST", "env-host")
			})
			AfterEach(func() {
				os.Unsetenv("DB_HOST")
			})

			It("prefers the environment value", func() {
				cfg, err := config.Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Database.Host).To(Equal("env-host"))
			})
		})

		Context("when the file does not exist", func() {
			It("returns an error", func() {
				_, err := config.Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("durations", func() {
		It("parses go duration strings for timeouts", func() {
			valid := "server:\n  read_timeout: 30s\n"
			Expect(os.WriteFile(configFile, []byte(valid), 0644)).To(Succeed())
			cfg, err := config.Load(configFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Server.ReadTimeout).To(Equal(30 * time.Second))
		})
	})

	Describe("NewWatcher", func() {
		It("picks up an edited bot token table without a restart", func() {
			Expect(os.WriteFile(configFile, []byte("gateway:\n  bot_tokens:\n    tok1: bot-one\n"), 0644)).To(Succeed())
			w, err := config.NewWatcher(configFile, logr.Discard())
			Expect(err).NotTo(HaveOccurred())
			defer w.Close()

			Expect(w.Current().Gateway.BotTokens).To(HaveKeyWithValue("tok1", "bot-one"))

			Expect(os.WriteFile(configFile, []byte("gateway:\n  bot_tokens:\n    tok1: bot-two\n"), 0644)).To(Succeed())
			Eventually(func() string {
				return w.Current().Gateway.BotTokens["tok1"]
			}, 2*time.Second, 10*time.Millisecond).Should(Equal("bot-two"))
		})
	})
})

package database_test

import (
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/internal/database"
)

func TestDatabase(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Database Configuration Suite")
}

var _ = Describe("Database Configuration", func() {
	Describe("DefaultConfig", func() {
		It("should return correct default values", func() {
			config := database.DefaultConfig()

			Expect(config.Host).To(Equal("localhost"))
			Expect(config.Port).To(Equal(5432))
			Expect(config.Database).To(Equal("filbeam"))
			Expect(config.SSLMode).To(Equal("disable"))
			Expect(config.MaxOpenConns).To(Equal(25))
			Expect(config.MaxIdleConns).To(Equal(5))
			Expect(config.ConnMaxLifetime).To(Equal(5 * time.Minute))
			Expect(config.ConnMaxIdleTime).To(Equal(5 * time.Minute))
		})
	})

	Describe("LoadFromEnv", func() {
		var originalEnvVars map[string]string

		BeforeEach(func() {
			originalEnvVars = map[string]string{
				"DB_HOST":     os.Getenv("DB_HOST"),
				"DB_PORT":     os.Getenv("DB_PORT"),
				"DB_USER":     os.Getenv("DB_USER"),
				"DB_PASSWORD": os.Getenv("DB_PASSWORD"),
				"DB_NAME":     os.Getenv("DB_NAME"),
				"DB_SSL_MODE": os.Getenv("DB_SSL_MODE"),
			}
		})

		AfterEach(func() {
			for key, value := range originalEnvVars {
				if value == "" {
					os.Unsetenv(key)
				} else {
					os.Setenv(key, value)
				}
			}
		})

		Context("when all environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("DB_HOST", "testhost")
				os.Setenv("DB_PORT", "5433")
				os.Setenv("DB_USER", "testuser")
				os.Setenv("DB_PASSWORD", "testpass")
				os.Setenv("DB_NAME", "testdb")
				os.Setenv("DB_SSL_MODE", "require")
			})

			It("should override defaults", func() {
				config := database.LoadFromEnv()
				Expect(config.Host).To(Equal("testhost"))
				Expect(config.Port).To(Equal(5433))
				Expect(config.User).To(Equal("testuser"))
				Expect(config.Password).To(Equal("testpass"))
				Expect(config.Database).To(Equal("testdb"))
				Expect(config.SSLMode).To(Equal("require"))
			})
		})

		Context("when no environment variables are set", func() {
			BeforeEach(func() {
				for key := range originalEnvVars {
					os.Unsetenv(key)
				}
			})

			It("should fall back to defaults", func() {
				config := database.LoadFromEnv()
				Expect(config).To(Equal(database.DefaultConfig()))
			})
		})
	})

	Describe("DSN", func() {
		It("formats a libpq-style connection string", func() {
			cfg := database.DefaultConfig()
			cfg.Password = "secret"
			Expect(cfg.DSN()).To(ContainSubstring("host=localhost"))
			Expect(cfg.DSN()).To(ContainSubstring("password=secret"))
		})
	})
})

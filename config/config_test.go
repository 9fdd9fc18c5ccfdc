// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reborndb/reborn-go/config"
	"github.com/reborndb/reborn-go/discovery"
)

const validConfig = `
zookeeper:
  servers:
    - "zk1:2181"
    - "10.0.0.2:2181"
  session_timeout: "10s"
  path: "/zk/reborn/db_test/proxy"
  retry_base_delay: "200ms"
  retry_max_delay: "5s"

redis:
  pool_size: 16
  timeout: "500ms"
  password: "secret"
  ping_on_acquire: true

logging:
  level: "debug"
  format: "json"

metrics:
  address: ":9100"

probe:
  interval: "1s"
`

var _ = Describe("Config", func() {
	var tempDir string

	writeConfig := func(name, content string) string {
		path := filepath.Join(tempDir, name)
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	setenv := func(key, value string) {
		Expect(os.Setenv(key, value)).To(Succeed())
		DeferCleanup(os.Unsetenv, key)
	}

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
	})

	Describe("Load", func() {
		Context("with a valid config file", func() {
			var cfg *config.Config

			BeforeEach(func() {
				var err error
				cfg, err = config.Load(writeConfig("reborn.yaml", validConfig))
				Expect(err).NotTo(HaveOccurred())
			})

			It("should parse the zookeeper section", func() {
				Expect(cfg.Zookeeper.Servers).To(Equal([]string{"zk1:2181", "10.0.0.2:2181"}))
				Expect(cfg.Zookeeper.SessionTimeout).To(Equal(10 * time.Second))
				Expect(cfg.Zookeeper.Path).To(Equal("/zk/reborn/db_test/proxy"))
				Expect(cfg.Zookeeper.RetryBaseDelay).To(Equal(200 * time.Millisecond))
				Expect(cfg.Zookeeper.RetryMaxDelay).To(Equal(5 * time.Second))
			})

			It("should parse the redis section", func() {
				Expect(cfg.Redis.PoolSize).To(Equal(16))
				Expect(cfg.Redis.Timeout).To(Equal(500 * time.Millisecond))
				Expect(cfg.Redis.Password).To(Equal("secret"))
				Expect(cfg.Redis.PingOnAcquire).To(BeTrue())
			})

			It("should fill in defaults", func() {
				Expect(cfg.Redis.MinIdleConns).To(BeZero())
				Expect(cfg.Probe.Interval).To(Equal(time.Second))
				Expect(cfg.Probe.Key).To(Equal("reborn:probe"))
			})

			It("should build a logger", func() {
				var buf bytes.Buffer
				logger, err := cfg.NewLogger(&buf)
				Expect(err).NotTo(HaveOccurred())
				logger.Debug("probe")
				Expect(buf.String()).To(ContainSubstring(`"msg":"probe"`))
			})

			It("should build pool options", func() {
				opts := cfg.PoolOptions(nil, prometheus.NewRegistry())
				Expect(opts).To(HaveLen(7))
			})
		})

		Context("with environment variables", func() {
			It("should override the file", func() {
				setenv("REBORN_ZOOKEEPER_PATH", "/zk/reborn/db_other/proxy")
				setenv("REBORN_REDIS_PASSWORD", "from-env")
				setenv("REBORN_ZOOKEEPER_SERVERS", "zk7:2181,zk8:2181")
				cfg, err := config.Load(writeConfig("reborn.yaml", validConfig))
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Zookeeper.Path).To(Equal("/zk/reborn/db_other/proxy"))
				Expect(cfg.Redis.Password).To(Equal("from-env"))
				Expect(cfg.Zookeeper.Servers).To(Equal([]string{"zk7:2181", "zk8:2181"}))
			})

			It("should use defaults when no config file exists", func() {
				wd, err := os.Getwd()
				Expect(err).NotTo(HaveOccurred())
				Expect(os.Chdir(tempDir)).To(Succeed())
				DeferCleanup(os.Chdir, wd)
				setenv("REBORN_ZOOKEEPER_PATH", "/reborn/proxy")

				cfg, err := config.Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Zookeeper.Servers).To(Equal([]string{"127.0.0.1:2181"}))
				Expect(cfg.Zookeeper.SessionTimeout).To(Equal(30 * time.Second))
				Expect(cfg.Zookeeper.RetryBaseDelay).To(Equal(discovery.DefaultRetryBaseDelay))
				Expect(cfg.Zookeeper.RetryMaxDelay).To(Equal(discovery.DefaultRetryMaxDelay))
				Expect(cfg.Redis.Timeout).To(BeZero())
				Expect(cfg.Logging.Level).To(Equal(config.LogLevelInfo))
				Expect(cfg.Logging.Format).To(Equal("text"))
				Expect(cfg.Metrics.Address).To(BeEmpty())
			})
		})

		Context("with an invalid configuration", func() {
			DescribeTable("should be rejected",
				func(content string) {
					_, err := config.Load(writeConfig("reborn.yaml", content))
					Expect(err).To(HaveOccurred())
				},
				Entry("missing path", `
zookeeper:
  servers: ["zk1:2181"]
`),
				Entry("relative path", `
zookeeper:
  path: "reborn/proxy"
`),
				Entry("server without port", `
zookeeper:
  servers: ["zk1"]
  path: "/reborn/proxy"
`),
				Entry("max delay below base delay", `
zookeeper:
  path: "/reborn/proxy"
  retry_base_delay: "1s"
  retry_max_delay: "100ms"
`),
				Entry("negative timeout", `
zookeeper:
  path: "/reborn/proxy"
redis:
  timeout: "-1s"
`),
				Entry("unknown log level", `
zookeeper:
  path: "/reborn/proxy"
logging:
  level: "verbose"
`),
				Entry("unknown log format", `
zookeeper:
  path: "/reborn/proxy"
logging:
  format: "xml"
`),
				Entry("bad metrics address", `
zookeeper:
  path: "/reborn/proxy"
metrics:
  address: "localhost"
`),
				Entry("zero probe interval", `
zookeeper:
  path: "/reborn/proxy"
probe:
  interval: "0s"
`),
			)

			It("should fail when the given file does not exist", func() {
				_, err := config.Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})
	})
})

package main

import (
	"os"
	"strings"
	"sync"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
)

type commandContext struct {
	logLevelFlag *string
	logJSONFlag  *bool

	// lookup reads the environment; tests replace it.
	lookup config.LookupFunc

	configOnce sync.Once
	config     *config.EngineConfig
	configErr  error

	loggerOnce sync.Once
	logger     *logging.ZapLogger
	loggerErr  error
}

func newCommandContext(logLevelFlag *string, logJSONFlag *bool) *commandContext {
	return &commandContext{
		logLevelFlag: logLevelFlag,
		logJSONFlag:  logJSONFlag,
		lookup:       os.LookupEnv,
	}
}

func (c *commandContext) ensureConfig() (*config.EngineConfig, error) {
	c.configOnce.Do(func() {
		cfg, err := config.EngineConfigFromEnv(c.lookup)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.LogLevel = strings.TrimSpace(*c.logLevelFlag)
		}
		if c.logJSONFlag != nil && *c.logJSONFlag {
			cfg.LogJSON = true
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		config.SetEngineConfig(cfg)
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*logging.ZapLogger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.NewZap(cfg.LogLevel, cfg.LogJSON)
	})
	return c.logger, c.loggerErr
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/divij2510/MediNote-App-sub001/internal/config"
	"github.com/divij2510/MediNote-App-sub001/internal/localstore"
)

const defaultConfigPath = "configs/config.yaml"

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

// ensureConfig loads the configuration once. Without --config the default
// path is used when it exists, otherwise built-in defaults apply.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		if path == "" {
			if _, err := os.Stat(defaultConfigPath); err == nil {
				path = defaultConfigPath
			}
		}

		var cfg *config.Config
		if path == "" {
			cfg = config.Default()
		} else {
			loaded, err := config.Load(path)
			if err != nil {
				c.configErr = err
				return
			}
			cfg = loaded
		}

		if c.logLevelFlag != nil && *c.logLevelFlag != "" {
			cfg.Logging.Level = *c.logLevelFlag
			if err := cfg.Logging.Validate(); err != nil {
				c.configErr = fmt.Errorf("--log-level: %w", err)
				return
			}
		}

		c.config = cfg
		c.configPath = path
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) loggerValue() *slog.Logger {
	c.loggerOnce.Do(func() {
		c.logger = initLogger(c.configValue().Logging)
	})
	return c.logger
}

// openLocalStore opens the client's chunk store from the client config
func (c *commandContext) openLocalStore() (*localstore.Store, error) {
	cfg := c.configValue()
	store, err := localstore.Open(cfg.Client.StoreDir, localstore.Options{
		MaxPendingBytes: cfg.Client.MaxPendingBytes,
		MaxRetries:      cfg.Client.MaxRetries,
		Logger:          c.loggerValue(),
	})
	if errors.Is(err, localstore.ErrLocked) {
		return nil, fmt.Errorf("local store %s is in use by another medinote process; stop the recorder first", cfg.Client.StoreDir)
	}
	return store, err
}

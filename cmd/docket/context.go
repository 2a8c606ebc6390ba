package main

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/definition"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *zap.Logger
	loggerErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := "config.yaml"
		if c.configFlag != nil && strings.TrimSpace(*c.configFlag) != "" {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*zap.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = observability.NewLogger(cfg.Observability)
	})
	return c.logger, c.loggerErr
}

// loadTemplates reads every template under dirs, or under the configured
// directories when dirs is empty, and validates them against the configured
// condition schema.
func loadTemplates(cfg *config.Config, dirs []string) ([]model.WorkflowTemplate, []definition.VError, error) {
	if len(dirs) == 0 {
		dirs = cfg.Templates.Directories
	}
	tpls, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, nil, fmt.Errorf("load templates: %w", err)
	}
	verrs := definition.NewValidator(cfg.Conditions.Schema).Validate(tpls)
	return tpls, verrs, nil
}

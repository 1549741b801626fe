package config

import (
	"reflect"
	"strings"

	logx "jobflow/pkg/logx"
)

// Changes summarizes a reload. Logging is applied live; every other section
// only takes effect after a restart.
type Changes struct {
	Sections        []string
	Logging         bool
	RestartRequired bool
}

// Diff compares two configs section by section. Secrets are never part of
// the returned log fields.
func Diff(oldCfg, newCfg *Config) (Changes, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Changes
	attrs := make([]logx.Field, 0, 8)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.Sections = append(c.Sections, "logging")
		c.Logging = true
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Backend, newCfg.Backend) {
		c.Sections = append(c.Sections, "backend")
		attrs = append(attrs,
			logx.String("backend.driver", newCfg.Backend.Driver),
			logx.Bool("backend.redis.password_set", newCfg.Backend.Redis.Password != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		c.Sections = append(c.Sections, "admin")
		attrs = append(attrs, logx.Bool("admin.enabled", newCfg.Admin.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		c.Sections = append(c.Sections, "journal")
		attrs = append(attrs, logx.String("journal.driver", newCfg.Journal.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Processors, newCfg.Processors) {
		c.Sections = append(c.Sections, "processors")
		attrs = append(attrs, logx.Int("processors", len(newCfg.Processors)))
	}
	c.RestartRequired = len(c.Sections) > 0 && !(len(c.Sections) == 1 && c.Logging)
	if len(c.Sections) > 0 {
		attrs = append(attrs, logx.String("sections", strings.Join(c.Sections, ",")))
	}
	return c, attrs
}

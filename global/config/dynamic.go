package config

import (
	"time"

	"chatgate/tools/errs"

	"gopkg.in/yaml.v3"
)

// Dynamic is the subset of settings that may change while running.
// Zero values mean "not present in the document".
type Dynamic struct {
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	LogLevel       string
}

// ParseDynamic extracts the hot-reloadable subset from a full YAML config document.
func ParseDynamic(content string) (Dynamic, error) {
	var doc struct {
		Backend struct {
			RequestTimeout time.Duration `yaml:"request_timeout"`
			IdleTimeout    time.Duration `yaml:"idle_timeout"`
		} `yaml:"backend"`
		Log LogConfig `yaml:"log"`
	}
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return Dynamic{}, errs.WrapMsg(err, "parse dynamic config")
	}
	d := Dynamic{
		RequestTimeout: doc.Backend.RequestTimeout,
		IdleTimeout:    doc.Backend.IdleTimeout,
		LogLevel:       doc.Log.Level,
	}
	if d.RequestTimeout < 0 || d.IdleTimeout < 0 {
		return Dynamic{}, errs.ErrArgs.WrapMsg("negative timeout in dynamic config")
	}
	return d, nil
}

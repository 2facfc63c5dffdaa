// Package config holds the configuration context of cbserver.
//
// A Context is read from YAML with unknown keys rejected:
//
//	listen: ":8080"
//	logging:
//	  level: info        # any logrus level
//	  format: text       # text or json
//	fan-out-limit: 8
//	reconnect:
//	  wait-time: 1000    # milliseconds, default for access strings without one
//	  timeout: 0
//	  max-tries: 0
//	config-databases:
//	  - "type=postgresql;host=db1;name=kea;user=kea;password=secret"
//	  - "type=redis;host=cache;server-tags=east"
//	hooks-libraries:
//	  - library: /usr/lib/hooks/libdhcp_lease_cmds.so
//	    parameters:
//	      enabled: true
//
// Contexts are values. Clone returns a deep copy so a candidate
// configuration can be staged and dropped without touching the running
// one.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/cbstore/internal/cb"
)

// Context is the complete cbserver configuration.
type Context struct {
	Listen         string         `yaml:"listen"`
	Logging        Logging        `yaml:"logging"`
	FanOutLimit    int            `yaml:"fan-out-limit"`
	Reconnect      Reconnect      `yaml:"reconnect"`
	Databases      []string       `yaml:"config-databases"`
	HooksLibraries []HooksLibrary `yaml:"hooks-libraries,omitempty"`
}

// Logging selects the logrus level and formatter.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Reconnect is the default reconnect policy, in milliseconds.
type Reconnect struct {
	WaitTime int `yaml:"wait-time"`
	Timeout  int `yaml:"timeout"`
	MaxTries int `yaml:"max-tries"`
}

// HooksLibrary is an already parsed hooks library entry. The libraries
// are loaded by the consuming server, cbserver only carries them.
type HooksLibrary struct {
	Library    string         `yaml:"library"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Context {
	return Context{
		Listen:      ":8080",
		Logging:     Logging{Level: "info", Format: "text"},
		FanOutLimit: cb.DefaultFanOutLimit,
		Reconnect:   Reconnect{WaitTime: 1000},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Context{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are an error.
func Parse(data []byte) (Context, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Context{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	return c, nil
}

// Validate checks values the decoder cannot.
func (c Context) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen must not be empty")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("config: logging.format %q is not text or json", c.Logging.Format)
	}
	if c.FanOutLimit < 0 {
		return fmt.Errorf("config: fan-out-limit %d is negative", c.FanOutLimit)
	}
	if c.Reconnect.WaitTime < 0 || c.Reconnect.Timeout < 0 || c.Reconnect.MaxTries < 0 {
		return errors.New("config: reconnect values must not be negative")
	}
	for i, access := range c.Databases {
		if _, err := cb.ParseAccessString(access); err != nil {
			return fmt.Errorf("config: config-databases[%d]: %w", i, err)
		}
	}
	for i, lib := range c.HooksLibraries {
		if lib.Library == "" {
			return fmt.Errorf("config: hooks-libraries[%d]: library is required", i)
		}
	}
	return nil
}

// Policy returns the default reconnect policy for new backends.
func (c Context) Policy() cb.ReconnectPolicy {
	return cb.ReconnectPolicy{
		RetryInterval: time.Duration(c.Reconnect.WaitTime) * time.Millisecond,
		Timeout:       time.Duration(c.Reconnect.Timeout) * time.Millisecond,
		MaxRetries:    c.Reconnect.MaxTries,
	}
}

// ConfigureLogger applies the logging section to log.
func (c Context) ConfigureLogger(log *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if c.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Clone returns a deep copy of c.
func (c Context) Clone() Context {
	out := c
	out.Databases = slices.Clone(c.Databases)
	if c.HooksLibraries != nil {
		out.HooksLibraries = make([]HooksLibrary, len(c.HooksLibraries))
		for i, lib := range c.HooksLibraries {
			out.HooksLibraries[i] = HooksLibrary{
				Library:    lib.Library,
				Parameters: cloneMap(lib.Parameters),
			}
		}
	}
	return out
}

// Marshal renders c as YAML.
func (c Context) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

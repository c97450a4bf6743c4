// Package config loads the frt configuration file. The wrapped tool owns the
// real command line, so everything configurable lives in a yaml file plus a
// couple of env knobs handled by the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Bridge modes for discovering produced files in the working directory.
const (
	ModeWatch = "watch"
	ModePoll  = "poll"
)

// Duration is a time.Duration accepting "300ms" style yaml values
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("can't parse duration %q: %w", n.Value, err)
	}
	*d = Duration(v)
	return nil
}

// Config describes server/client contexts and wrapper behavior
type Config struct {
	Server struct {
		Host             string `yaml:"host"`
		Username         string `yaml:"username"`
		IdentityFile     string `yaml:"identity_file"`
		WorkingDirectory string `yaml:"working_directory"`
		FfmpegPath       string `yaml:"ffmpeg_path"`
		FfprobePath      string `yaml:"ffprobe_path"`
	} `yaml:"server"`

	Client struct {
		WorkingDirectory string `yaml:"working_directory"`
		FfmpegPath       string `yaml:"ffmpeg_path"`
		FfprobePath      string `yaml:"ffprobe_path"`
	} `yaml:"client"`

	Bridge struct {
		Mode         string   `yaml:"mode"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"bridge"`

	Logging struct {
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		Debug      bool   `yaml:"debug"`
	} `yaml:"logging"`

	History struct {
		File string `yaml:"file"`
	} `yaml:"history"`

	// MarkerPrefix explicitly tags an argument as a file path, e.g. "file:".
	// Anything without the prefix falls back to extension-shape detection.
	MarkerPrefix string `yaml:"marker_prefix"`
}

// Load reads and parses yaml config from the given file, applying defaults
// matching the stock frt setup
func Load(fname string) (*Config, error) {
	res := &Config{}
	data, err := os.ReadFile(fname) // nolint gosec
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}
	if err = yaml.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", fname, err)
	}
	res.setDefaults()
	return res, nil
}

func (c *Config) setDefaults() {
	if c.Client.WorkingDirectory == "" {
		c.Client.WorkingDirectory = "/opt/frt"
	}
	if c.Client.FfmpegPath == "" {
		c.Client.FfmpegPath = "/usr/bin/ffmpeg"
	}
	if c.Client.FfprobePath == "" {
		c.Client.FfprobePath = "/usr/bin/ffprobe"
	}
	if c.Server.FfmpegPath == "" {
		c.Server.FfmpegPath = "/usr/bin/ffmpeg"
	}
	if c.Server.FfprobePath == "" {
		c.Server.FfprobePath = "/usr/bin/ffprobe"
	}
	if c.Bridge.Mode == "" {
		c.Bridge.Mode = ModePoll
	}
	if c.Bridge.PollInterval == 0 {
		c.Bridge.PollInterval = Duration(300 * time.Millisecond)
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

// Validate checks required connection parameters. Called before any working
// directory is created, a failure here must leave no trace on disk.
func (c *Config) Validate() error {
	required := []struct{ name, val string }{
		{"server.host", c.Server.Host},
		{"server.username", c.Server.Username},
		{"server.working_directory", c.Server.WorkingDirectory},
	}
	for _, p := range required {
		if p.val == "" {
			return fmt.Errorf("missing required configuration option %s", p.name)
		}
	}
	if c.Bridge.Mode != ModeWatch && c.Bridge.Mode != ModePoll {
		return fmt.Errorf("invalid bridge.mode %q, expected %q or %q", c.Bridge.Mode, ModeWatch, ModePoll)
	}
	return nil
}

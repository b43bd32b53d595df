// Package config holds the tool-wide settings shared between the host
// launcher, the image preparation step and the container entrypoint.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the settings file is looked up unless overridden.
const DefaultPath = "/etc/dmakepkg/config.yaml"

// Settings captures the tunable parameters of the build environment.
type Settings struct {
	// Bridge is the container bridge interface the cache is exposed on.
	Bridge string `yaml:"bridge"`
	// CacheDir is the host package cache served to the build network.
	CacheDir string `yaml:"cache_dir"`
	// CachePort is the TCP port of the package cache file server.
	CachePort int `yaml:"cache_port"`
	// ImageTag is the tag given to the prepared build image.
	ImageTag string `yaml:"image_tag"`
	// NamePrefix prefixes the generated per-invocation container name.
	NamePrefix string `yaml:"name_prefix"`
	// MakepkgConf is the build-tool configuration file consulted on the host
	// and inside the container.
	MakepkgConf string `yaml:"makepkg_conf"`
	// PacmanConf is the package-index configuration file optionally mounted
	// into the container.
	PacmanConf string `yaml:"pacman_conf"`
	// PreserveSymlinks controls whether the source copy keeps symlinks
	// verbatim instead of following them.
	PreserveSymlinks bool `yaml:"preserve_symlinks"`
}

// Defaults mirror the paths and ports of a stock Arch host.
var Defaults = Settings{
	Bridge:      "docker0",
	CacheDir:    "/var/cache/pacman/pkg",
	CachePort:   8990,
	ImageTag:    "makepkg",
	NamePrefix:  "dmakepkg",
	MakepkgConf: "/etc/makepkg.conf",
	PacmanConf:  "/etc/pacman.conf",
}

// Load reads settings from path. A missing file yields the defaults; any
// field left empty or zero in the file also falls back to its default.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults, nil
		}
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}

	settings := Defaults
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", path, err)
	}
	settings.fillDefaults()
	return settings, nil
}

func (s *Settings) fillDefaults() {
	if s.Bridge == "" {
		s.Bridge = Defaults.Bridge
	}
	if s.CacheDir == "" {
		s.CacheDir = Defaults.CacheDir
	}
	if s.CachePort == 0 {
		s.CachePort = Defaults.CachePort
	}
	if s.ImageTag == "" {
		s.ImageTag = Defaults.ImageTag
	}
	if s.NamePrefix == "" {
		s.NamePrefix = Defaults.NamePrefix
	}
	if s.MakepkgConf == "" {
		s.MakepkgConf = Defaults.MakepkgConf
	}
	if s.PacmanConf == "" {
		s.PacmanConf = Defaults.PacmanConf
	}
}

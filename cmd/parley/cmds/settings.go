package cmds

import (
	"os"
	"path/filepath"

	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/parley/pkg/config"
	"github.com/go-go-golems/parley/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// widgetSections returns the sections every parley command shares.
func widgetSections() ([]schema.Section, error) {
	widgetSection, err := config.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build widget section")
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	return []schema.Section{widgetSection, redisSection}, nil
}

// loadSettings layers the config file, when one is found, under the command
// line flags.
func loadSettings(parsed *values.Values) (*config.WidgetSettings, error) {
	flags := config.NewWidgetSettings()
	if err := parsed.DecodeSectionInto(config.SectionSlug, flags); err != nil {
		return nil, errors.Wrap(err, "decode widget flags")
	}

	s := config.NewWidgetSettings()
	path, err := config.ResolveFile(flags.ConfigFile)
	if err != nil {
		return nil, errors.Wrap(err, "resolve widget config")
	}
	if path != "" {
		log.Debug().Str("component", "cli").Str("path", path).Msg("loading widget config")
		if s, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := s.Overlay(flags); err != nil {
		return nil, err
	}

	rs := redisstream.DefaultSettings()
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &rs); err != nil {
		return nil, errors.Wrap(err, "decode redis flags")
	}
	if rs.Enabled {
		s.Events = rs
	}
	return s, nil
}

// defaultSessionStore is where a terminal keeps its session state between
// parley runs, so "parley call" can resume what an earlier run started.
func defaultSessionStore() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "locate cache dir")
	}
	dir = filepath.Join(dir, config.AppName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create cache dir")
	}
	return filepath.Join(dir, "session.db"), nil
}

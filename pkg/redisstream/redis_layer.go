package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

// Settings configures where host events are published.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" yaml:"enabled"`
	Addr     string `glazed:"redis-addr" yaml:"addr"`
	Group    string `glazed:"redis-group" yaml:"group"`
	Consumer string `glazed:"redis-consumer" yaml:"consumer"`
	Topic    string `glazed:"redis-topic" yaml:"topic"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "parley",
		Consumer: "widget-1",
		Topic:    "parley.host-events",
	}
}

// NewSection returns the glazed section for the event transport.
func NewSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SectionSlug,
		"Redis Streams transport for host events",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Publish host events to Redis Streams instead of in memory")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group), fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer), fields.WithHelp("Redis consumer name")),
			fields.New("redis-topic", fields.TypeString, fields.WithDefault(d.Topic), fields.WithHelp("Stream that host events are written to")),
		),
	)
}

package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	appconfig "github.com/go-go-golems/glazed/pkg/config"
	"github.com/go-go-golems/parley/pkg/assistant"
	"github.com/go-go-golems/parley/pkg/callstore"
	"github.com/go-go-golems/parley/pkg/redisstream"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	SectionSlug = "widget"
	AppName     = "parley"

	DefaultAPIURL              = "https://api.vapi.ai"
	DefaultMode                = "voice"
	DefaultReconnectStorageKey = "vapi_widget_web_call"
	DefaultConsentKey          = "vapi_widget_consent"
)

var (
	ErrMissingPublicKey = errors.New("public key is required")
	ErrMissingAssistant = errors.New("an assistant id or inline assistant is required")
	ErrInlineChat       = errors.New("an inline assistant is only supported in voice mode")
)

// WidgetSettings is the host-facing configuration of one widget instance.
// The glazed tags bind the CLI section, the yaml tags the config file.
type WidgetSettings struct {
	PublicKey   string `glazed:"public-key" yaml:"publicKey"`
	APIURL      string `glazed:"api-url" yaml:"apiUrl"`
	Mode        string `glazed:"mode" yaml:"mode"`
	AssistantID string `glazed:"assistant-id" yaml:"assistantId"`
	// On the command line overrides and inline assistants are passed as JSON.
	AssistantOverridesJSON string         `glazed:"assistant-overrides" yaml:"-"`
	AssistantJSON          string         `glazed:"assistant" yaml:"-"`
	AssistantOverrides     map[string]any `yaml:"assistantOverrides,omitempty"`
	Assistant              map[string]any `yaml:"assistant,omitempty"`

	ReconnectStorageKey string `glazed:"reconnect-storage-key" yaml:"reconnectStorageKey"`
	StorageType         string `glazed:"storage-type" yaml:"storageType"`
	AutoDeleteOnLeave   bool   `glazed:"auto-delete-on-leave" yaml:"autoDeleteOnLeave"`
	StoreBackend        string `glazed:"store-backend" yaml:"storeBackend"`
	StoreDSN            string `glazed:"store-dsn" yaml:"storeDsn"`
	// SessionStore is a SQLite file holding the session-scoped state (the
	// session record and the tab id). Empty or "memory" keeps it in memory,
	// so it ends with the process.
	SessionStore string `glazed:"session-store" yaml:"sessionStore"`

	RequireConsent bool   `glazed:"require-consent" yaml:"requireConsent"`
	ConsentKey     string `glazed:"consent-key" yaml:"consentKey"`

	// ConfigFile is the widget YAML file. glazed owns the config-file flag.
	ConfigFile string `glazed:"widget-config" yaml:"-"`

	Events redisstream.Settings `yaml:"events"`
}

func NewWidgetSettings() *WidgetSettings {
	return &WidgetSettings{
		APIURL:              DefaultAPIURL,
		Mode:                DefaultMode,
		ReconnectStorageKey: DefaultReconnectStorageKey,
		StorageType:         string(callstore.PolicySession),
		StoreBackend:        "memory",
		ConsentKey:          DefaultConsentKey,
		Events:              redisstream.DefaultSettings(),
	}
}

// NewSection returns the glazed section carrying the widget flags.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Widget configuration",
		schema.WithFields(
			fields.New("widget-config", fields.TypeString, fields.WithHelp("YAML widget config; defaults to the parley app config file")),
			fields.New("public-key", fields.TypeString, fields.WithHelp("Public API key")),
			fields.New("api-url", fields.TypeString, fields.WithDefault(DefaultAPIURL), fields.WithHelp("Backend base URL")),
			fields.New("mode", fields.TypeChoice, fields.WithChoices("voice", "chat", "hybrid"), fields.WithDefault(DefaultMode), fields.WithHelp("Widget mode")),
			fields.New("assistant-id", fields.TypeString, fields.WithHelp("Assistant id")),
			fields.New("assistant-overrides", fields.TypeString, fields.WithHelp("Assistant overrides as a JSON object")),
			fields.New("assistant", fields.TypeString, fields.WithHelp("Inline assistant as a JSON object (voice only)")),
			fields.New("reconnect-storage-key", fields.TypeString, fields.WithDefault(DefaultReconnectStorageKey), fields.WithHelp("Key of the stored call record")),
			fields.New("storage-type", fields.TypeChoice, fields.WithChoices("session", "cookies"), fields.WithDefault("session"), fields.WithHelp("Scope of the stored call record")),
			fields.New("auto-delete-on-leave", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Do not keep calls resumable after the widget closes")),
			fields.New("store-backend", fields.TypeChoice, fields.WithChoices("memory", "sqlite", "redis"), fields.WithDefault("memory"), fields.WithHelp("Backend shared between widget instances")),
			fields.New("store-dsn", fields.TypeString, fields.WithHelp("SQLite file path or redis address for the shared backend")),
			fields.New("session-store", fields.TypeString, fields.WithHelp("SQLite file for this widget's session state; empty or memory keeps it in memory")),
			fields.New("require-consent", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Require recorded consent before connecting")),
			fields.New("consent-key", fields.TypeString, fields.WithDefault(DefaultConsentKey), fields.WithHelp("Key consent is recorded under")),
		),
	)
}

// FromYAML decodes a config file on top of the defaults.
func FromYAML(data []byte) (*WidgetSettings, error) {
	s := NewWidgetSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "parse widget config")
	}
	return s, nil
}

func LoadFromFile(path string) (*WidgetSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read widget config %s", path)
	}
	return FromYAML(data)
}

// ResolveFile returns explicit when set, otherwise the app config file if
// one exists, otherwise "".
func ResolveFile(explicit string) (string, error) {
	return appconfig.ResolveAppConfigPath(AppName, explicit)
}

func (s *WidgetSettings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// Overlay copies the non-empty command line values onto s. Flags that carry
// a default only override when they differ from it.
func (s *WidgetSettings) Overlay(flags *WidgetSettings) error {
	if flags == nil {
		return nil
	}
	setString := func(dst *string, v, def string) {
		if v != "" && v != def {
			*dst = v
		}
	}
	setString(&s.PublicKey, flags.PublicKey, "")
	setString(&s.APIURL, flags.APIURL, DefaultAPIURL)
	setString(&s.Mode, flags.Mode, DefaultMode)
	setString(&s.AssistantID, flags.AssistantID, "")
	setString(&s.ReconnectStorageKey, flags.ReconnectStorageKey, DefaultReconnectStorageKey)
	setString(&s.StorageType, flags.StorageType, string(callstore.PolicySession))
	setString(&s.StoreBackend, flags.StoreBackend, "memory")
	setString(&s.StoreDSN, flags.StoreDSN, "")
	setString(&s.SessionStore, flags.SessionStore, "")
	setString(&s.ConsentKey, flags.ConsentKey, DefaultConsentKey)
	if flags.AutoDeleteOnLeave {
		s.AutoDeleteOnLeave = true
	}
	if flags.RequireConsent {
		s.RequireConsent = true
	}
	if flags.AssistantOverridesJSON != "" {
		s.AssistantOverridesJSON = flags.AssistantOverridesJSON
	}
	if flags.AssistantJSON != "" {
		s.AssistantJSON = flags.AssistantJSON
	}
	return s.decodeJSONFields()
}

func (s *WidgetSettings) decodeJSONFields() error {
	if strings.TrimSpace(s.AssistantOverridesJSON) != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(s.AssistantOverridesJSON), &m); err != nil {
			return errors.Wrap(err, "assistant-overrides is not a JSON object")
		}
		s.AssistantOverrides = m
	}
	if strings.TrimSpace(s.AssistantJSON) != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(s.AssistantJSON), &m); err != nil {
			return errors.Wrap(err, "assistant is not a JSON object")
		}
		s.Assistant = m
	}
	return nil
}

// AssistantRef layers the configured assistant fields.
func (s *WidgetSettings) AssistantRef() assistant.Ref {
	return assistant.Ref{
		ID:        strings.TrimSpace(s.AssistantID),
		Overrides: s.AssistantOverrides,
		Assistant: s.Assistant,
	}
}

func (s *WidgetSettings) StorageKey() string {
	if k := strings.TrimSpace(s.ReconnectStorageKey); k != "" {
		return k
	}
	return DefaultReconnectStorageKey
}

func (s *WidgetSettings) Policy() (callstore.Policy, error) {
	return callstore.ParsePolicy(s.StorageType)
}

// Validate checks what has to hold before any network activity.
func (s *WidgetSettings) Validate() error {
	if err := s.decodeJSONFields(); err != nil {
		return err
	}
	if strings.TrimSpace(s.PublicKey) == "" {
		return ErrMissingPublicKey
	}
	mode := strings.ToLower(strings.TrimSpace(s.Mode))
	switch mode {
	case "", "voice", "chat", "hybrid":
	default:
		return errors.Errorf("unknown mode %q", s.Mode)
	}
	if _, err := s.Policy(); err != nil {
		return err
	}
	switch s.StoreBackend {
	case "", "memory":
	case "sqlite", "redis":
		if strings.TrimSpace(s.StoreDSN) == "" {
			return errors.Errorf("store-backend %s needs store-dsn", s.StoreBackend)
		}
	default:
		return errors.Errorf("unknown store backend %q", s.StoreBackend)
	}

	ref := s.AssistantRef()
	if ref.Kind() == assistant.KindNone {
		return ErrMissingAssistant
	}
	if mode == "chat" && ref.Kind() == assistant.KindInline {
		return ErrInlineChat
	}
	if mode == "chat" || mode == "hybrid" {
		if err := ref.ValidateForChat(); err != nil {
			return errors.Wrap(err, "chat needs an assistant id")
		}
	}
	return nil
}

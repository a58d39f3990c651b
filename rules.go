package s3ui

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/jhurlocker/s3ui/pkg/bucketevent"
)

// RulesConfig is the optional delivery-rule file loaded from --rules-config.
// Rules are evaluated in order; the first rule whose "when" expression matches
// the event decides its fate. With no matching rule (or no rules file at all)
// the event is delivered to the bucket's configured webhook URL.
type RulesConfig struct {
	Rules []*DeliveryRule `yaml:"rules"`
}

// DeliveryRule decides whether and where one event is delivered.
// When is a CEL expression over the event. If Skip is true, matching events
// are dropped. WebhookURL, when set, overrides the bucket's configured URL
// and may itself be a CEL expression.
type DeliveryRule struct {
	When       ExprOrBool   `yaml:"when"`
	Skip       bool         `yaml:"skip,omitempty"`
	WebhookURL ExprOrString `yaml:"webhook_url,omitempty"`
}

// LoadRulesConfig loads and validates a delivery-rule file.
func LoadRulesConfig(path string, env *CELEnv) (*RulesConfig, error) {
	cleanPath := filepath.Clean(path)
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules config file: %w", err)
	}
	defer f.Close()
	return ParseRulesConfig(f, env)
}

// ParseRulesConfig parses and validates a delivery-rule document from a reader.
func ParseRulesConfig(r io.Reader, env *CELEnv) (*RulesConfig, error) {
	var cfg RulesConfig
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse rules config: %w", err)
	}
	if err := cfg.Bind(env); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bind validates and binds CEL expressions in the configuration.
func (c *RulesConfig) Bind(env *CELEnv) error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}
	for i, rule := range c.Rules {
		if rule.When.Raw() == "" {
			return fmt.Errorf("rule[%d]: when is required", i)
		}
		if err := rule.When.Bind(env); err != nil {
			return fmt.Errorf("rule[%d].when: %w", i, err)
		}
		if rule.WebhookURL.Raw() != "" {
			if err := rule.WebhookURL.Bind(env); err != nil {
				return fmt.Errorf("rule[%d].webhook_url: %w", i, err)
			}
		}
		if rule.Skip && rule.WebhookURL.Raw() != "" {
			return fmt.Errorf("rule[%d]: skip and webhook_url are mutually exclusive", i)
		}
	}
	return nil
}

// Match finds the first matching rule for the given event.
// Returns nil if no rule matches.
func (c *RulesConfig) Match(env *CELEnv, event *bucketevent.Event) (*DeliveryRule, error) {
	for _, rule := range c.Rules {
		matched, err := rule.When.Eval(env, event)
		if err != nil {
			return nil, err
		}
		if matched {
			return rule, nil
		}
	}
	return nil, nil
}

// Resolve applies the rules to an event and returns the delivery destination.
// deliver is false when a skip rule matched. A nil RulesConfig delivers
// everything to defaultURL.
func (c *RulesConfig) Resolve(env *CELEnv, event *bucketevent.Event, defaultURL string) (url string, deliver bool, err error) {
	if c == nil {
		return defaultURL, true, nil
	}
	rule, err := c.Match(env, event)
	if err != nil {
		return "", false, err
	}
	if rule == nil {
		return defaultURL, true, nil
	}
	if rule.Skip {
		slog.Debug("delivery rule skipped event", "event", event.String())
		return "", false, nil
	}
	if rule.WebhookURL.Raw() == "" {
		return defaultURL, true, nil
	}
	url, err = rule.WebhookURL.Eval(env, event)
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

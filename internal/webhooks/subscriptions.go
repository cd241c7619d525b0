// Package webhooks fans lifecycle events out to HTTP subscribers.
package webhooks

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tomluvoe/agentgw/pkg/models"
)

// Subscription is one webhook target as declared in the webhooks file.
type Subscription struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret,omitempty"`
	Enabled bool     `yaml:"enabled"`
}

type subscriptionsFile struct {
	Webhooks []Subscription `yaml:"webhooks"`
}

// LoadSubscriptions reads webhook subscriptions from a YAML file. A
// missing file yields an empty list, not an error.
func LoadSubscriptions(path string) ([]Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read webhooks file: %w", err)
	}

	var file subscriptionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse webhooks file: %w", err)
	}
	return file.Webhooks, nil
}

func (s *Subscription) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("subscription name is required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("events is required")
	}
	return nil
}

// wants reports whether the subscription listens for the event kind.
// "*" subscribes to everything.
func (s *Subscription) wants(kind models.EventKind) bool {
	for _, e := range s.Events {
		if e == "*" || e == string(kind) {
			return true
		}
	}
	return false
}

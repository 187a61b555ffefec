package plugins

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/gofiber/fiber/v2"
	"gopkg.in/yaml.v3"
)

// Plugin is a feature mounted on the control service
type Plugin interface {
	// Name returns the plugin identifier
	Name() string

	// RegisterRoutes adds the plugin's HTTP routes to the app
	RegisterRoutes(app *fiber.App)

	// Shutdown releases hardware and stops background work
	Shutdown() error
}

// PluginFactory builds a plugin from its section of the service config. The
// section is nil when the plugin is enabled without settings.
type PluginFactory func(section *yaml.Node, log *slog.Logger) (Plugin, error)

var registry = make(map[string]PluginFactory)

// Register adds a plugin factory to the registry
func Register(name string, factory PluginFactory) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("plugin %q registered twice", name))
	}
	registry[name] = factory
}

// Get retrieves a plugin factory by name
func Get(name string) (PluginFactory, bool) {
	factory, exists := registry[name]
	return factory, exists
}

// Names lists the registered plugins
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeSection fills cfg from section, leaving defaults for absent keys
func decodeSection(section *yaml.Node, cfg interface{}) error {
	if section == nil || section.Kind == 0 {
		return nil
	}
	if section.Kind == yaml.ScalarNode && section.Tag == "!!null" {
		return nil
	}
	return section.Decode(cfg)
}

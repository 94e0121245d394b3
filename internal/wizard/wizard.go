// Package wizard provides an interactive setup wizard that writes
// proxy.json for the SOCKS5 proxy.
package wizard

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/postalsys/socks5proxy/internal/config"
)

// Wizard drives the interactive prompts that produce a ServerConfig.
type Wizard struct {
	existing config.ServerConfig
}

// New creates a setup wizard pre-filled with listen address 0.0.0.0 and
// port 1080.
func New() *Wizard {
	return &Wizard{
		existing: config.ServerConfig{
			ListenIPAddress: "0.0.0.0",
			ListenPort:      1080,
		},
	}
}

// LoadExisting pre-fills the wizard's prompts from an existing
// proxy.json at path, if it loads and validates. A file that is missing,
// unreadable or invalid is not an error: the prompts keep their current
// values.
func (w *Wizard) LoadExisting(path string) error {
	cfg, err := config.LoadProxyConfig(path)
	if err != nil {
		return nil
	}
	w.existing = cfg
	return nil
}

// Run prompts the operator for the listen endpoint and any IP→label
// mappings, then returns the assembled configuration.
func (w *Wizard) Run() (config.ServerConfig, error) {
	cfg := w.existing

	listenIP := cfg.ListenIPAddress
	portStr := strconv.Itoa(cfg.ListenPort)
	healthAddr := cfg.HealthAddress
	if healthAddr == "" {
		healthAddr = config.DefaultHealthAddress
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen IP address").
				Description("Address the SOCKS5 proxy accepts connections on").
				Value(&listenIP).
				Validate(validateIPLiteral),
			huh.NewInput().
				Title("Listen port").
				Value(&portStr).
				Validate(validatePort),
			huh.NewInput().
				Title("Health/metrics address").
				Description("Leave as-is to expose /healthz and /metrics on loopback only").
				Value(&healthAddr),
		),
	)
	if err := form.Run(); err != nil {
		return config.ServerConfig{}, fmt.Errorf("wizard prompts: %w", err)
	}

	port, _ := strconv.Atoi(portStr)
	cfg.ListenIPAddress = listenIP
	cfg.ListenPort = port
	cfg.HealthAddress = healthAddr

	mappings, err := w.promptMappings(cfg.IPAddressMappings)
	if err != nil {
		return config.ServerConfig{}, err
	}
	cfg.IPAddressMappings = mappings

	return cfg, nil
}

// promptMappings repeatedly asks whether to add another IP→label
// mapping, appending to existing until the operator declines.
func (w *Wizard) promptMappings(existing []config.IPAddressMapping) ([]config.IPAddressMapping, error) {
	mappings := append([]config.IPAddressMapping{}, existing...)

	for {
		var addMore bool
		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add a friendly-name mapping for an IP address?").
					Value(&addMore),
			),
		)
		if err := confirmForm.Run(); err != nil {
			return nil, fmt.Errorf("wizard prompts: %w", err)
		}
		if !addMore {
			break
		}

		var ip, label string
		mappingForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().Title("IP address").Value(&ip).Validate(validateIPLiteral),
				huh.NewInput().Title("Friendly name").Value(&label).Validate(validateLabel),
			),
		)
		if err := mappingForm.Run(); err != nil {
			return nil, fmt.Errorf("wizard prompts: %w", err)
		}

		mappings = append(mappings, config.IPAddressMapping{IPAddress: ip, FriendlyName: label})
	}

	return mappings, nil
}

// WriteConfig marshals cfg as indented JSON and writes it to path.
func WriteConfig(cfg config.ServerConfig, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}

func validateIPLiteral(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("%q is not a valid IP address literal", s)
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%q is not a number", s)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validateLabel(s string) error {
	if len(s) == 0 || len(s) > 64 {
		return fmt.Errorf("friendly name must be 1-64 characters")
	}
	return nil
}

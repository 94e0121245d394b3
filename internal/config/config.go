// Package config provides configuration parsing and validation for the
// SOCKS5 proxy.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/postalsys/socks5proxy/internal/socks5"
)

// ServerConfig is the schema of proxy.json: the SOCKS5 listener address,
// port, and the set of IP-to-friendly-name label mappings.
type ServerConfig struct {
	ListenIPAddress   string            `json:"ListenIPAddress" validate:"required,ip_addr_literal"`
	ListenPort        int               `json:"ListenPort" validate:"required,min=1,max=65535"`
	IPAddressMappings []IPAddressMapping `json:"IPAddressMappings"`

	// HealthAddress is optional. When empty, the health/metrics endpoint
	// (4.10) is disabled.
	HealthAddress string `json:"HealthAddress,omitempty" validate:"omitempty,hostname_port"`
}

// IPAddressMapping binds a raw IP literal to a friendly display name.
type IPAddressMapping struct {
	IPAddress    string `json:"IPAddress" validate:"required"`
	FriendlyName string `json:"FriendlyName" validate:"required"`
}

// AppSettings is the schema of the optional appsettings.json: logging sink
// configuration only.
type AppSettings struct {
	LogLevel  string `json:"LogLevel"`
	LogFormat string `json:"LogFormat"`
}

// DefaultAppSettings returns the logging defaults used when
// appsettings.json is absent.
func DefaultAppSettings() AppSettings {
	return AppSettings{
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DefaultHealthAddress is used by the init wizard when the operator
// accepts the suggested health endpoint binding.
const DefaultHealthAddress = "127.0.0.1:9091"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("ip_addr_literal", validateIPAddrLiteral)
	return v
}

// validateIPAddrLiteral accepts any literal net.ParseIP can parse, plus
// the unspecified-address wildcards "0.0.0.0" and "::".
func validateIPAddrLiteral(fl validator.FieldLevel) bool {
	return net.ParseIP(fl.Field().String()) != nil
}

// LoadProxyConfig reads and validates the SOCKS5 server configuration
// file at path. A missing file produces an error naming the full
// resolved path.
func LoadProxyConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig

	abs, absErr := filepath.Abs(path)
	if absErr != nil {
		abs = path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file not found: %s", abs)
		}
		return cfg, fmt.Errorf("reading config file %s: %w", abs, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", abs, err)
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validating config file %s: %w", abs, describeValidationErrors(err))
	}

	return cfg, nil
}

// LoadAppSettings reads the optional appsettings.json file. A missing
// file is not an error: it returns DefaultAppSettings().
func LoadAppSettings(path string) (AppSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultAppSettings(), nil
		}
		return AppSettings{}, fmt.Errorf("reading app settings file %s: %w", path, err)
	}

	settings := DefaultAppSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		return AppSettings{}, fmt.Errorf("parsing app settings file %s: %w", path, err)
	}

	return settings, nil
}

// BuildLabelMap converts the raw IPAddressMappings from proxy.json into
// a socks5.FriendlyNames lookup, along with any warnings (unparseable or
// duplicate entries) the caller should log.
func BuildLabelMap(entries []IPAddressMapping) (*socks5.FriendlyNames, []string) {
	labelEntries := make([]socks5.LabelEntry, len(entries))
	for i, e := range entries {
		labelEntries[i] = socks5.LabelEntry{
			IPAddress:    e.IPAddress,
			FriendlyName: e.FriendlyName,
		}
	}
	return socks5.NewFriendlyNames(labelEntries)
}

// describeValidationErrors turns validator.ValidationErrors into a single
// readable error listing each offending field and the constraint it broke.
func describeValidationErrors(err error) error {
	invalidErr, ok := err.(*validator.InvalidValidationError)
	if ok {
		return invalidErr
	}

	valErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var parts []string
	for _, e := range valErrs {
		parts = append(parts, fmt.Sprintf("field %q fails %q constraint", e.Field(), e.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}

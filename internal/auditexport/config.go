package auditexport

import (
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/platform/env"
)

const (
	FormatNDJSON = "ndjson"

	// DestinationHTTP streams exports from GET /audit/{runId}/export.
	DestinationHTTP = "http"
	// DestinationArchive leaves the audit trail to the run archive bundle.
	DestinationArchive = "archive"
)

type Config struct {
	Format      string
	Destination string
}

func ConfigFromEnv() (Config, error) {
	format, err := env.OneOf("AUDIT_EXPORT_FORMAT", FormatNDJSON, FormatNDJSON)
	if err != nil {
		return Config{}, err
	}
	destination, err := env.OneOf("AUDIT_EXPORT_DESTINATION", DestinationHTTP, DestinationHTTP, DestinationArchive)
	if err != nil {
		return Config{}, err
	}
	return Config{Format: format, Destination: destination}.normalized()
}

// normalized lowercases the fields and fills the defaults.
func (c Config) normalized() (Config, error) {
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	c.Destination = strings.ToLower(strings.TrimSpace(c.Destination))
	if c.Format == "" {
		c.Format = FormatNDJSON
	}
	if c.Destination == "" {
		c.Destination = DestinationHTTP
	}
	if c.Format != FormatNDJSON {
		return Config{}, fmt.Errorf("unsupported audit export format: %s", c.Format)
	}
	switch c.Destination {
	case DestinationHTTP, DestinationArchive:
	default:
		return Config{}, fmt.Errorf("unsupported audit export destination: %s", c.Destination)
	}
	return c, nil
}

func (c Config) Validate() error {
	_, err := c.normalized()
	return err
}

// ViaArchive reports whether exports are left to the run archive.
func (c Config) ViaArchive() bool {
	return strings.EqualFold(strings.TrimSpace(c.Destination), DestinationArchive)
}

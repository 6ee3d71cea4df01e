// Package render encodes payload bytes as QR code images.
package render

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

type Config struct {
	ErrorCorrection string `yaml:"error_correction"`
	Size            int    `yaml:"size"`
}

func (c *Config) ApplyDefaults() {
	if c.ErrorCorrection == "" {
		c.ErrorCorrection = "M"
	}
	if c.Size == 0 {
		c.Size = 256
	}
}

func (c *Config) Validate() error {
	if _, err := recoveryLevel(c.ErrorCorrection); err != nil {
		return err
	}
	if c.Size < 21 {
		return fmt.Errorf("qr.size must be at least 21 pixels")
	}
	return nil
}

// PNG renders square PNG images.
type PNG struct {
	level qrcode.RecoveryLevel
	size  int
}

func NewPNG(cfg Config) (*PNG, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := recoveryLevel(cfg.ErrorCorrection)
	return &PNG{level: level, size: cfg.Size}, nil
}

func (p *PNG) Render(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("render: empty payload")
	}
	return qrcode.Encode(string(data), p.level, p.size)
}

func recoveryLevel(s string) (qrcode.RecoveryLevel, error) {
	switch strings.ToUpper(s) {
	case "L":
		return qrcode.Low, nil
	case "M":
		return qrcode.Medium, nil
	case "Q":
		return qrcode.High, nil
	case "H":
		return qrcode.Highest, nil
	default:
		return 0, fmt.Errorf("qr.error_correction must be one of L, M, Q, H, got %q", s)
	}
}

var _ ports.Renderer = (*PNG)(nil)

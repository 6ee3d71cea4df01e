package render

import (
	"bytes"
	"image/png"
	"strings"
	"testing"
)

func TestPNGRender(t *testing.T) {
	r, err := NewPNG(Config{ErrorCorrection: "q", Size: 128})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	img, err := r.Render([]byte(`{"sequence_number":1}`))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if w := decoded.Bounds().Dx(); w != 128 {
		t.Fatalf("expected 128px image, got %d", w)
	}

	if _, err := r.Render(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestPNGRejectsOversizedPayload(t *testing.T) {
	r, _ := NewPNG(Config{ErrorCorrection: "H"})
	if _, err := r.Render([]byte(strings.Repeat("x", 4000))); err == nil {
		t.Fatalf("expected capacity error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{ErrorCorrection: "X"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid level error")
	}
	cfg = Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p == nil {
		t.Fatal("expected provider")
	}
	// Inert helpers must still be usable.
	ctx, done := p.TrackOperation(context.Background(), "ledger.append")
	if ctx == nil {
		t.Fatal("expected context")
	}
	done(errors.New("boom"))

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "veriground-core" {
		t.Errorf("service name = %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("sample rate = %v", cfg.SampleRate)
	}
	if cfg.BatchTimeout != 5*time.Second {
		t.Errorf("batch timeout = %v", cfg.BatchTimeout)
	}
}

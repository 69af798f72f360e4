package tiers

import (
	"errors"
	"testing"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		input   string
		want    Name
		wantErr bool
	}{
		{"basic", Basic, false},
		{"PRO", Pro, false},
		{" studio ", Studio, false},
		{"enterprise", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Lookup(tt.input)
			if tt.wantErr {
				if !errors.Is(err, cperrors.ErrInvalidTier) {
					t.Fatalf("Lookup(%q) err = %v, want ErrInvalidTier", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup(%q): %v", tt.input, err)
			}
			if got.Name != tt.want {
				t.Errorf("Lookup(%q) = %q, want %q", tt.input, got.Name, tt.want)
			}
		})
	}
}

func TestLimits(t *testing.T) {
	pro, _ := Lookup("pro")
	limits, err := pro.Limits(3)
	if err != nil {
		t.Fatalf("Limits: %v", err)
	}
	if limits.MaxArtists != 8 || limits.MaxManagers != 2 || limits.ExtraSlots != 3 {
		t.Fatalf("limits = %+v", limits)
	}

	basic, _ := Lookup("basic")
	if _, err := basic.Limits(1); !errors.Is(err, cperrors.ErrInvalidTier) {
		t.Fatalf("basic with seats err = %v, want ErrInvalidTier", err)
	}
	if _, err := pro.Limits(-1); !errors.Is(err, cperrors.ErrInvalidTier) {
		t.Fatalf("negative seats err = %v, want ErrInvalidTier", err)
	}
	if _, err := pro.Limits(MaxExtraSeats + 1); !errors.Is(err, cperrors.ErrInvalidTier) {
		t.Fatalf("too many seats err = %v, want ErrInvalidTier", err)
	}
}

func TestCatalogDerive(t *testing.T) {
	c := NewCatalog(map[Name]string{
		Basic:  "price_basic",
		Pro:    "price_pro",
		Studio: "",
	}, "price_seat")

	if got := c.Derive("price_pro", map[string]string{"tier": "basic"}); got != Pro {
		t.Fatalf("price should win over metadata, got %q", got)
	}
	if got := c.Derive("price_unknown", map[string]string{"tier": "Studio"}); got != Studio {
		t.Fatalf("metadata fallback = %q, want studio", got)
	}
	if got := c.Derive("", map[string]string{"tier": "gold"}); got != "" {
		t.Fatalf("unknown metadata tier = %q, want empty", got)
	}
	if _, err := c.PriceFor(Studio); !errors.Is(err, cperrors.ErrInvalidTier) {
		t.Fatalf("unpriced tier err = %v, want ErrInvalidTier", err)
	}
	if !c.IsSeatPrice("price_seat") || c.IsSeatPrice("price_pro") {
		t.Fatal("IsSeatPrice mismatch")
	}
}

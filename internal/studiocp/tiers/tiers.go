// Package tiers defines the studio plan table and the mapping between plans
// and billing provider price identifiers.
package tiers

import (
	"fmt"
	"strings"

	cperrors "github.com/inkdesk/studiocp/internal/errors"
)

// Name identifies a plan.
type Name string

const (
	Basic  Name = "basic"
	Pro    Name = "pro"
	Studio Name = "studio"
)

// MaxExtraSeats bounds a single checkout's extra seat quantity.
const MaxExtraSeats = 50

// Tier describes the seat limits granted by a plan.
type Tier struct {
	Name             Name
	BaseArtists      int
	MaxManagers      int
	AllowsExtraSeats bool
}

// Limits are the derived seat limits persisted on a tenant.
type Limits struct {
	MaxArtists  int
	MaxManagers int
	ExtraSlots  int
}

var table = map[Name]Tier{
	Basic:  {Name: Basic, BaseArtists: 2, MaxManagers: 1, AllowsExtraSeats: false},
	Pro:    {Name: Pro, BaseArtists: 5, MaxManagers: 2, AllowsExtraSeats: true},
	Studio: {Name: Studio, BaseArtists: 15, MaxManagers: 5, AllowsExtraSeats: true},
}

// Lookup returns the tier for name. Matching is case-insensitive.
func Lookup(name string) (Tier, error) {
	t, ok := table[Name(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return Tier{}, fmt.Errorf("tier %q: %w", name, cperrors.ErrInvalidTier)
	}
	return t, nil
}

// Valid reports whether name is a known tier.
func Valid(name string) bool {
	_, err := Lookup(name)
	return err == nil
}


// Limits derives the persisted limits for extraSeats purchased seats.
func (t Tier) Limits(extraSeats int) (Limits, error) {
	if extraSeats < 0 || extraSeats > MaxExtraSeats {
		return Limits{}, fmt.Errorf("extra seats %d out of range: %w", extraSeats, cperrors.ErrInvalidTier)
	}
	if extraSeats > 0 && !t.AllowsExtraSeats {
		return Limits{}, fmt.Errorf("tier %s does not offer extra seats: %w", t.Name, cperrors.ErrInvalidTier)
	}
	return Limits{
		MaxArtists:  t.BaseArtists + extraSeats,
		MaxManagers: t.MaxManagers,
		ExtraSlots:  extraSeats,
	}, nil
}

// Catalog maps tiers to provider price identifiers and back.
type Catalog struct {
	prices    map[Name]string
	byPrice   map[string]Name
	seatPrice string
}

// NewCatalog builds a catalog. Empty price IDs leave the tier unpurchasable.
func NewCatalog(prices map[Name]string, seatPrice string) *Catalog {
	c := &Catalog{
		prices:    make(map[Name]string, len(prices)),
		byPrice:   make(map[string]Name, len(prices)),
		seatPrice: strings.TrimSpace(seatPrice),
	}
	for name, price := range prices {
		price = strings.TrimSpace(price)
		if price == "" {
			continue
		}
		c.prices[name] = price
		c.byPrice[price] = name
	}
	return c
}

// PriceFor returns the price identifier for a tier.
func (c *Catalog) PriceFor(name Name) (string, error) {
	price, ok := c.prices[name]
	if !ok {
		return "", fmt.Errorf("tier %s has no configured price: %w", name, cperrors.ErrInvalidTier)
	}
	return price, nil
}

// SeatPrice returns the extra seat price identifier, if configured.
func (c *Catalog) SeatPrice() string {
	return c.seatPrice
}

// IsSeatPrice reports whether priceID is the extra seat price.
func (c *Catalog) IsSeatPrice(priceID string) bool {
	return c.seatPrice != "" && strings.TrimSpace(priceID) == c.seatPrice
}

// TierForPrice returns the tier sold under priceID.
func (c *Catalog) TierForPrice(priceID string) (Name, bool) {
	name, ok := c.byPrice[strings.TrimSpace(priceID)]
	return name, ok
}

// Derive picks the tier from a price identifier first and metadata second.
// An empty result means neither source identifies a known tier.
func (c *Catalog) Derive(priceID string, metadata map[string]string) Name {
	if name, ok := c.TierForPrice(priceID); ok {
		return name
	}
	if metadata != nil {
		if v := strings.ToLower(strings.TrimSpace(metadata["tier"])); v != "" && Valid(v) {
			return Name(v)
		}
	}
	return ""
}

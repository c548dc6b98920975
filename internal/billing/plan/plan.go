package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is the ordered billing period of a plan.
type Tier int

const (
	TierNone Tier = iota
	TierDay
	TierWeek
	TierMonth
	TierYear
)

const day = 24 * time.Hour

// periods are fixed per tier. The year tier carries 30 loyalty days on top of 360.
var periods = map[Tier]time.Duration{
	TierDay:   1 * day,
	TierWeek:  7 * day,
	TierMonth: 30 * day,
	TierYear:  390 * day,
}

var tierNames = map[Tier]string{
	TierNone:  "none",
	TierDay:   "day",
	TierWeek:  "week",
	TierMonth: "month",
	TierYear:  "year",
}

// Tiers lists every tier in ascending order.
func Tiers() []Tier {
	return []Tier{TierNone, TierDay, TierWeek, TierMonth, TierYear}
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Period returns the access window granted by one completed invoice of this tier.
func (t Tier) Period() time.Duration {
	return periods[t]
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// Max returns the higher of two tiers.
func Max(a, b Tier) Tier {
	if b > a {
		return b
	}
	return a
}

// ParseTier maps a tier name (or common alias) to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TierNone, nil
	case "day", "daily":
		return TierDay, nil
	case "week", "weekly":
		return TierWeek, nil
	case "month", "monthly":
		return TierMonth, nil
	case "year", "yearly", "annual":
		return TierYear, nil
	default:
		return TierNone, fmt.Errorf("unknown plan tier %q", s)
	}
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Family is one of the parallel subscription lineages a user can hold.
type Family string

const (
	FamilyStandard Family = "standard"
	FamilyUltimate Family = "ultimate"
)

// Families lists both lineages in a stable order.
func Families() []Family {
	return []Family{FamilyStandard, FamilyUltimate}
}

// FamilyOf returns the lineage for the ultimate flag.
func FamilyOf(ultimate bool) Family {
	if ultimate {
		return FamilyUltimate
	}
	return FamilyStandard
}

// Ultimate reports whether the family is the ultimate lineage.
func (f Family) Ultimate() bool {
	return f == FamilyUltimate
}

// Product is the billing configuration for a platform price or product id.
type Product struct {
	PriceID  string          `json:"price_id"`
	Tier     Tier            `json:"tier"`
	Ultimate bool            `json:"ultimate"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Family returns the product's lineage.
func (p Product) Family() Family {
	return FamilyOf(p.Ultimate)
}

// Catalog resolves platform price ids to products.
type Catalog struct {
	byPriceID map[string]Product
}

// NewCatalog builds a catalog, rejecting duplicate or tierless entries.
func NewCatalog(products []Product) (*Catalog, error) {
	c := &Catalog{byPriceID: make(map[string]Product, len(products))}
	for _, p := range products {
		p.PriceID = strings.TrimSpace(p.PriceID)
		if p.PriceID == "" {
			return nil, fmt.Errorf("catalog entry missing price_id")
		}
		if p.Tier == TierNone || !p.Tier.Valid() {
			return nil, fmt.Errorf("catalog entry %q has no billable tier", p.PriceID)
		}
		if _, dup := c.byPriceID[p.PriceID]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %q", p.PriceID)
		}
		p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
		c.byPriceID[p.PriceID] = p
	}
	return c, nil
}

// Lookup returns the product for a price id.
func (c *Catalog) Lookup(priceID string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	p, ok := c.byPriceID[strings.TrimSpace(priceID)]
	return p, ok
}

// Len returns the number of configured products.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byPriceID)
}

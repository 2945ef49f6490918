package plans

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PlanID identifies an internal subscription plan
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanPro        PlanID = "pro"
	PlanEnterprise PlanID = "enterprise"
)

// PlanCredits is the credit allotment a plan grants each billing period
type PlanCredits struct {
	Included int64 `yaml:"included" json:"included"`
}

// Plan describes a subscription plan and the provider prices that map to it
type Plan struct {
	ID       PlanID   `yaml:"id"`
	Name     string   `yaml:"name"`
	Included int64    `yaml:"included_credits"`
	PriceIDs []string `yaml:"prices"`
}

// CreditPack is a one-time purchasable bundle of non-expiring credits
type CreditPack struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Credits int64  `yaml:"credits" json:"credits"`
	PriceID string `yaml:"price" json:"-"`
}

// Resolver resolves provider identifiers to plans and packs
type Resolver interface {
	PlanIDForPrice(priceID string) (PlanID, bool)
	CreditsForPlan(planID PlanID) (PlanCredits, bool)
	CreditPackForPrice(priceID string) (CreditPack, bool)
}

// catalogFile is the on-disk YAML layout
type catalogFile struct {
	Plans       []Plan       `yaml:"plans"`
	CreditPacks []CreditPack `yaml:"credit_packs"`
}

// Catalog is an immutable Resolver built from plan and pack definitions
type Catalog struct {
	plans      map[PlanID]Plan
	priceToPln map[string]PlanID
	packs      map[string]CreditPack
}

var _ Resolver = (*Catalog)(nil)

// NewCatalog builds a catalog and validates it
func NewCatalog(plans []Plan, packs []CreditPack) (*Catalog, error) {
	c := &Catalog{
		plans:      make(map[PlanID]Plan, len(plans)),
		priceToPln: make(map[string]PlanID),
		packs:      make(map[string]CreditPack, len(packs)),
	}

	var errs []error
	seenPrice := func(priceID string) bool {
		_, plan := c.priceToPln[priceID]
		_, pack := c.packs[priceID]
		return plan || pack
	}

	for _, p := range plans {
		if p.ID == "" {
			errs = append(errs, errors.New("plan with empty id"))
			continue
		}
		if _, dup := c.plans[p.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate plan %q", p.ID))
			continue
		}
		if p.Included < 0 {
			errs = append(errs, fmt.Errorf("plan %q has negative included credits", p.ID))
		}
		if len(p.PriceIDs) == 0 {
			errs = append(errs, fmt.Errorf("plan %q has no prices", p.ID))
		}
		for _, price := range p.PriceIDs {
			if seenPrice(price) {
				errs = append(errs, fmt.Errorf("price %q mapped more than once", price))
				continue
			}
			c.priceToPln[price] = p.ID
		}
		c.plans[p.ID] = p
	}

	for _, pack := range packs {
		switch {
		case pack.ID == "":
			errs = append(errs, errors.New("credit pack with empty id"))
			continue
		case pack.PriceID == "":
			errs = append(errs, fmt.Errorf("credit pack %q has no price", pack.ID))
			continue
		case pack.Credits <= 0:
			errs = append(errs, fmt.Errorf("credit pack %q must grant a positive number of credits", pack.ID))
			continue
		case seenPrice(pack.PriceID):
			errs = append(errs, fmt.Errorf("price %q mapped more than once", pack.PriceID))
			continue
		}
		c.packs[pack.PriceID] = pack
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return c, nil
}

// ParseCatalog builds a catalog from YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(f.Plans, f.CreditPacks)
}

// LoadCatalog reads and parses a catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in plans used when no catalog file is configured
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		[]Plan{
			{ID: PlanFree, Name: "Free", Included: 10, PriceIDs: []string{"price_free"}},
			{ID: PlanPro, Name: "Pro", Included: 100, PriceIDs: []string{"price_pro_monthly", "price_pro_yearly"}},
			{ID: PlanEnterprise, Name: "Enterprise", Included: 500, PriceIDs: []string{"price_enterprise_monthly", "price_enterprise_yearly"}},
		},
		[]CreditPack{
			{ID: "pack_small", Name: "Small credit pack", Credits: 50, PriceID: "price_pack_small"},
			{ID: "pack_large", Name: "Large credit pack", Credits: 250, PriceID: "price_pack_large"},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// PlanIDForPrice returns the plan a price belongs to
func (c *Catalog) PlanIDForPrice(priceID string) (PlanID, bool) {
	id, ok := c.priceToPln[priceID]
	return id, ok
}

// CreditsForPlan returns the credit allotment of a plan
func (c *Catalog) CreditsForPlan(planID PlanID) (PlanCredits, bool) {
	p, ok := c.plans[planID]
	if !ok {
		return PlanCredits{}, false
	}
	return PlanCredits{Included: p.Included}, true
}

// CreditPackForPrice returns the credit pack sold under a price
func (c *Catalog) CreditPackForPrice(priceID string) (CreditPack, bool) {
	pack, ok := c.packs[priceID]
	return pack, ok
}

// Plan returns a plan definition by id
func (c *Catalog) Plan(planID PlanID) (Plan, bool) {
	p, ok := c.plans[planID]
	return p, ok
}

// Len returns the number of plans and credit packs
func (c *Catalog) Len() (plans, packs int) {
	return len(c.plans), len(c.packs)
}

package quota

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultCatalog []byte

// Plan is a tier's daily caps. Zero means unlimited.
type Plan struct {
	Name          string  `yaml:"-" json:"name"`
	MealsPerDay   int64   `yaml:"meals_per_day" json:"meals_per_day"`
	TokensPerDay  int64   `yaml:"tokens_per_day" json:"tokens_per_day"`
	CostUSDPerDay float64 `yaml:"cost_usd_per_day" json:"cost_usd_per_day"`
}

// Catalog maps plan names to limits. Tenants pins tenants to a plan without a
// tenant_plans row.
type Catalog struct {
	DefaultPlan string            `yaml:"default_plan"`
	Plans       map[string]Plan   `yaml:"plans"`
	Tenants     map[string]string `yaml:"tenants"`
}

// DefaultCatalog returns the built-in free/pro/family tiers.
func DefaultCatalog() Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded plan catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a YAML catalog from path, or the embedded one when path is empty.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read plans file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode plans: %w", err)
	}
	if len(c.Plans) == 0 {
		return Catalog{}, fmt.Errorf("plans: at least one plan is required")
	}
	for name, p := range c.Plans {
		if p.MealsPerDay < 0 || p.TokensPerDay < 0 || p.CostUSDPerDay < 0 {
			return Catalog{}, fmt.Errorf("plan %s: limits must not be negative", name)
		}
		p.Name = name
		c.Plans[name] = p
	}
	if c.DefaultPlan == "" {
		c.DefaultPlan = "free"
	}
	if _, ok := c.Plans[c.DefaultPlan]; !ok {
		return Catalog{}, fmt.Errorf("default plan %q is not defined", c.DefaultPlan)
	}
	for tenant, plan := range c.Tenants {
		if _, ok := c.Plans[plan]; !ok {
			return Catalog{}, fmt.Errorf("tenant %s: unknown plan %q", tenant, plan)
		}
	}
	return c, nil
}

// WithDefault returns a copy whose fallback plan is name, if it exists.
func (c Catalog) WithDefault(name string) (Catalog, error) {
	if name == "" {
		return c, nil
	}
	if _, ok := c.Plans[name]; !ok {
		return Catalog{}, fmt.Errorf("default plan %q is not defined", name)
	}
	c.DefaultPlan = name
	return c, nil
}

// Resolve picks the plan for a tenant: the assigned plan when known, then the
// catalog's tenant pin, then the default.
func (c Catalog) Resolve(tenantID, assigned string) Plan {
	if p, ok := c.Plans[assigned]; ok {
		return p
	}
	if p, ok := c.Plans[c.Tenants[tenantID]]; ok {
		return p
	}
	return c.Plans[c.DefaultPlan]
}

package config

import (
	"os"

	"jobapply-engine/internal/domain"

	"gopkg.in/yaml.v3"
)

// CompaniesFile maps portal ids to company boards, e.g.
//
//	greenhouse:
//	  - slug: stripe
//	    name: Stripe
type CompaniesFile map[string][]domain.Company

// OverlayCompanies replaces the company list of every portal named in the
// file at companiesPath. A missing file is not an error.
func OverlayCompanies(cfg *Config, companiesPath string) error {
	b, err := os.ReadFile(companiesPath)
	if err != nil {
		// Missing companies file should not kill startup
		return nil
	}

	var cf CompaniesFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return err
	}

	for i, p := range cfg.Portals {
		if cs, ok := cf[p.ID]; ok && len(cs) > 0 {
			cfg.Portals[i].Companies = cs
		}
	}
	return nil
}

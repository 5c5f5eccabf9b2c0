package domain

// Company is one employer board on a portal.
type Company struct {
	Slug string `json:"slug" yaml:"slug" koanf:"slug"`
	Name string `json:"name" yaml:"name" koanf:"name"`
}

func (c Company) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Slug
}

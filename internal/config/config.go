// internal/config/config.go
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"finnwatch-engine/internal/domain"
)

// Condition is one report filter rule. Either a plain (Column, Op, Value)
// comparison or an Or group of alternatives, never both.
type Condition struct {
	Column string      `yaml:"column"`
	Op     string      `yaml:"op"`
	Value  interface{} `yaml:"value"`
	Or     []Condition `yaml:"or,omitempty"`
}

type SortSpec struct {
	Column    string `yaml:"column"`
	Ascending bool   `yaml:"ascending"`
}

// KindConfig holds the per-partition settings for one property kind.
type KindConfig struct {
	Enabled     bool     `yaml:"enabled"`
	SubjectAny  []string `yaml:"subject_any"`
	MasterLists []string `yaml:"master_lists"`
}

type Config struct {
	App struct {
		DataDir   string `yaml:"data_dir"`
		OutputDir string `yaml:"output_dir"`
	} `yaml:"app"`

	Email struct {
		IMAPHost       string `yaml:"imap_host"`
		IMAPPort       int    `yaml:"imap_port"`
		Username       string `yaml:"username"`
		Mailbox        string `yaml:"mailbox"`
		KeyringAccount string `yaml:"keyring_account"`
		DaysBack       int    `yaml:"days_back"`
		MaxMessages    int    `yaml:"max_messages"`
		Reprocess      bool   `yaml:"reprocess"`
	} `yaml:"email"`

	Work struct {
		Lat     float64 `yaml:"lat"`
		Lng     float64 `yaml:"lng"`
		Address string  `yaml:"address"`
	} `yaml:"work"`

	MaxTransitMinutes int `yaml:"max_transit_minutes"`

	Kinds struct {
		Rental KindConfig `yaml:"rental"`
		Sale   KindConfig `yaml:"sale"`
	} `yaml:"kinds"`

	Resolver struct {
		// RetryAmbiguous controls whether a previously ambiguous address is
		// geocoded again on later runs, or left for manual review.
		RetryAmbiguous bool `yaml:"retry_ambiguous"`
	} `yaml:"resolver"`

	APILimits struct {
		Geocoding   int `yaml:"geocoding"`
		Distance    int `yaml:"distance"`
		Places      int `yaml:"places"`
		WarnPercent int `yaml:"warn_percent"`
	} `yaml:"api_limits"`

	Report struct {
		Filters []Condition `yaml:"filters"`
		SortBy  []SortSpec  `yaml:"sort_by"`
	} `yaml:"report"`

	Notify struct {
		Enabled        bool   `yaml:"enabled"`
		SMTPHost       string `yaml:"smtp_host"`
		SMTPPort       int    `yaml:"smtp_port"`
		From           string `yaml:"from"`
		To             string `yaml:"to"`
		KeyringAccount string `yaml:"keyring_account"`
	} `yaml:"notify"`
}

func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(b, &cfg)
	return cfg, err
}

// Kind returns the per-kind block for k.
func (c Config) Kind(k domain.PropertyKind) KindConfig {
	if k == domain.KindSale {
		return c.Kinds.Sale
	}
	return c.Kinds.Rental
}

// EnabledKinds lists the partitions this run processes, rental first.
func (c Config) EnabledKinds() []domain.PropertyKind {
	var out []domain.PropertyKind
	if c.Kinds.Rental.Enabled {
		out = append(out, domain.KindRental)
	}
	if c.Kinds.Sale.Enabled {
		out = append(out, domain.KindSale)
	}
	return out
}

// Fingerprint derives the distance-cache fingerprint for one kind under the
// current work location and commute threshold.
func (c Config) Fingerprint(k domain.PropertyKind) string {
	return domain.ComputeFingerprint(c.Work.Lat, c.Work.Lng, c.MaxTransitMinutes, k)
}

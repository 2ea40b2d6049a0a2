package hnsw

import (
	"fmt"

	"github.com/sanonone/kektorbrain/pkg/core/distance"
)

// Config holds the construction parameters of an HNSW graph.
type Config struct {
	// Max number of connections per node per layer. Default: 16.
	M int `yaml:"m" json:"m"`
	// Size of the dynamic candidate list during insertion. Default: 200.
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`
	// Default size of the candidate list during search. Default: 64.
	EfSearch int `yaml:"ef_search" json:"ef_search"`
	// Storage precision of the vectors. Default: float32.
	Precision distance.PrecisionType `yaml:"precision" json:"precision"`
	// Fraction (0.0-1.0) of soft-deleted nodes that makes Vacuum compact
	// the graph. Default: 0.2.
	DeleteThreshold float64 `yaml:"delete_threshold" json:"delete_threshold"`
	// Seed for the level generator. Zero picks a fixed default so builds
	// are reproducible.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the parameters used when none are supplied.
func DefaultConfig() Config {
	return Config{
		M:               16,
		EfConstruction:  200,
		EfSearch:        64,
		Precision:       distance.Float32,
		DeleteThreshold: 0.2,
		Seed:            42,
	}
}

func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	if c.M <= 0 {
		c.M = def.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = def.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = def.EfSearch
	}
	if c.Precision == "" {
		c.Precision = def.Precision
	}
	if c.DeleteThreshold <= 0 || c.DeleteThreshold > 1 {
		c.DeleteThreshold = def.DeleteThreshold
	}
	if c.Seed == 0 {
		c.Seed = def.Seed
	}
	switch c.Precision {
	case distance.Float32, distance.Float16:
	default:
		return c, fmt.Errorf("unsupported precision: %s", c.Precision)
	}
	return c, nil
}

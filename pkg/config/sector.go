package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CoOccurrenceRule rejects a bid when the trigger word appears alongside a
// negative context without any positive signal.
type CoOccurrenceRule struct {
	Trigger          string   `yaml:"trigger"`
	NegativeContexts []string `yaml:"negative_contexts"`
	PositiveSignals  []string `yaml:"positive_signals"`
}

// ValueRange is a sector's ideal contract value band.
type ValueRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Sector is one configured business vertical with its keyword profile.
type Sector struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	Keywords   []string `yaml:"keywords"`
	Exclusions []string `yaml:"exclusions"`
	// RelaxedExclusions replaces Exclusions during the relaxation fallback
	// pass when the strict run rejects everything.
	RelaxedExclusions []string `yaml:"relaxed_exclusions"`

	// ContextRequired maps a generic keyword to confirming terms that must
	// co-occur for the match to count.
	ContextRequired map[string][]string `yaml:"context_required"`

	CoOccurrenceRules []CoOccurrenceRule `yaml:"co_occurrence_rules"`

	MaxContractValue float64             `yaml:"max_contract_value"`
	IdealValueRange  ValueRange          `yaml:"ideal_value_range"`
	Synonyms         map[string][]string `yaml:"synonyms"`
}

// Validate checks the minimum viable sector definition.
func (s *Sector) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("sector missing id")
	}
	if len(s.Keywords) == 0 {
		return fmt.Errorf("sector %s has no keywords", s.ID)
	}
	return nil
}

// SectorRegistry indexes sectors by id.
type SectorRegistry struct {
	sectors map[string]*Sector
}

// NewSectorRegistry builds a registry from the given sectors.
func NewSectorRegistry(sectors []*Sector) (*SectorRegistry, error) {
	r := &SectorRegistry{sectors: make(map[string]*Sector, len(sectors))}
	for _, s := range sectors {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.sectors[s.ID]; dup {
			return nil, fmt.Errorf("duplicate sector id %q", s.ID)
		}
		r.sectors[s.ID] = s
	}
	return r, nil
}

// Get retrieves a sector by id (whitespace-insensitive).
func (r *SectorRegistry) Get(id string) (*Sector, error) {
	s, ok := r.sectors[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("unknown sector %q", id)
	}
	return s, nil
}

// Len returns the number of registered sectors.
func (r *SectorRegistry) Len() int { return len(r.sectors) }

// IDs returns sorted sector ids for logging.
func (r *SectorRegistry) IDs() []string {
	ids := make([]string, 0, len(r.sectors))
	for id := range r.sectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type sectorsFile struct {
	Sectors []*Sector `yaml:"sectors"`
}

// LoadSectors reads every *.yaml under dir and merges their sector lists.
// Falls back to the builtin registry when the directory is absent.
func LoadSectors(dir string) (*SectorRegistry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSectorRegistry(builtinSectors())
		}
		return nil, fmt.Errorf("reading sector config dir: %w", err)
	}

	var sectors []*Sector
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		var f sectorsFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
		sectors = append(sectors, f.Sectors...)
	}
	if len(sectors) == 0 {
		sectors = builtinSectors()
	}
	return NewSectorRegistry(sectors)
}

// builtinSectors ships a minimal default profile so a bare deployment can
// serve searches before any sector files are mounted.
func builtinSectors() []*Sector {
	return []*Sector{
		{
			ID:   "vestuario",
			Name: "Vestuário e Uniformes",
			Keywords: []string{
				"uniforme", "camiseta", "camisa", "calca", "jaleco",
				"avental", "farda", "vestuario", "confeccao", "costura",
				"malha", "tecido", "bordado",
			},
			Exclusions: []string{
				"uniformizacao de processos", "epi", "capacete",
				"bota", "luva de seguranca",
			},
			RelaxedExclusions: []string{"uniformizacao de processos"},
			ContextRequired: map[string][]string{
				"tecido": {"malha", "algodao", "poliester", "confeccao"},
				"malha":  {"camiseta", "uniforme", "tecido", "algodao"},
			},
			CoOccurrenceRules: []CoOccurrenceRule{
				{
					Trigger:          "uniforme",
					NegativeContexts: []string{"escolar apostila", "procedimento"},
					PositiveSignals:  []string{"camiseta", "calca", "tecido", "confeccao"},
				},
			},
			MaxContractValue: 5_000_000,
			IdealValueRange:  ValueRange{Min: 50_000, Max: 1_500_000},
			Synonyms: map[string][]string{
				"camiseta": {"camisa polo", "blusa"},
				"calca":    {"bermuda", "short"},
			},
		},
	}
}

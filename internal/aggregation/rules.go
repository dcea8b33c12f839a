package aggregation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

// Profile selects the L1 buffering and flush behaviour of a stream.
type Profile string

const (
	// ProfileOAL streams take raw per-request events: large queue, size-triggered flush.
	ProfileOAL Profile = "oal"
	// ProfileMAL streams take pre-aggregated meter samples: small queue, period-triggered flush.
	ProfileMAL Profile = "mal"
)

// EntityFromPrincipal makes a stream key records by the event's principal.
const EntityFromPrincipal = "principal_id"

// StreamRule defines one metric stream.
// Rules are loaded at startup from YAML files and fingerprinted for staleness detection.
type StreamRule struct {
	Name        string
	SourceEvent string
	Function    string
	// Field is the event data field aggregated; empty for count.
	Field string
	// EntityField is the data field that names the entity, or EntityFromPrincipal.
	EntityField   string
	Profile       Profile
	Downsampling  bool
	SupportUpdate bool
	// AlarmAbove arms the log alarm for the stream when valid.
	AlarmAbove  decimal.NullDecimal
	Fingerprint string
}

// rawRule is the on-disk YAML shape. operator is accepted as an alias of function.
type rawRule struct {
	Name         string `yaml:"name"`
	SourceEvent  string `yaml:"source_event"`
	Function     string `yaml:"function"`
	Operator     string `yaml:"operator"`
	Field        string `yaml:"field"`
	EntityField  string `yaml:"entity_field"`
	Profile      string `yaml:"profile"`
	Downsampling *bool  `yaml:"downsampling"`
	Update       *bool  `yaml:"update"`
	AlarmAbove   string `yaml:"alarm_above"`
}

// RuleRepository defines the interface for loading stream rules.
type RuleRepository interface {
	// Get returns the rule with the given name, or an error if not found.
	Get(ctx context.Context, name string) (*StreamRule, error)

	// List returns all loaded rules, optionally filtered by source event type.
	List(ctx context.Context, sourceEvent string) ([]StreamRule, error)

	// GetRules returns all rules sorted by name.
	GetRules() []StreamRule
}

// FileSystemRuleRepository loads stream rules from *.yaml files in a directory.
// Each file contains exactly one rule at the top level. Rules are loaded once at
// startup and cached in memory.
type FileSystemRuleRepository struct {
	dir   string
	rules map[string]StreamRule // keyed by Name
}

// NewFileSystemRuleRepository creates a new repository and eagerly loads all rules
// from dir. Returns an error if any rule file is malformed or invalid.
func NewFileSystemRuleRepository(dir string) (*FileSystemRuleRepository, error) {
	repo := &FileSystemRuleRepository{
		dir:   dir,
		rules: make(map[string]StreamRule),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemRuleRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no rules directory: zero rules configured
	}
	if err != nil {
		return fmt.Errorf("stream rule dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("stream rule path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading stream rule dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading rule file %s: %w", path, err)
		}

		var raw rawRule
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing rule file %s: %w", path, err)
		}
		if raw.Name == "" {
			continue // skip empty / comment-only files
		}

		rule, err := raw.toRule()
		if err != nil {
			return err
		}
		rule.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(data))

		if _, exists := r.rules[rule.Name]; exists {
			return fmt.Errorf("rule %q: duplicate rule name (check multiple YAML files)", rule.Name)
		}
		r.rules[rule.Name] = rule
	}
	return nil
}

func (raw rawRule) toRule() (StreamRule, error) {
	fn := raw.Function
	if fn == "" {
		fn = raw.Operator
	}
	rule := StreamRule{
		Name:          raw.Name,
		SourceEvent:   raw.SourceEvent,
		Function:      fn,
		Field:         raw.Field,
		EntityField:   raw.EntityField,
		Profile:       Profile(strings.ToLower(raw.Profile)),
		Downsampling:  raw.Downsampling == nil || *raw.Downsampling,
		SupportUpdate: raw.Update == nil || *raw.Update,
	}
	if rule.EntityField == "" {
		rule.EntityField = EntityFromPrincipal
	}
	if rule.Profile == "" {
		rule.Profile = ProfileOAL
	}
	if raw.AlarmAbove != "" {
		above, err := decimal.NewFromString(raw.AlarmAbove)
		if err != nil {
			return rule, fmt.Errorf("rule %q: invalid alarm_above %q: %w", raw.Name, raw.AlarmAbove, err)
		}
		rule.AlarmAbove = decimal.NewNullDecimal(above)
	}
	return rule, rule.Validate()
}

// Validate checks a rule independently of where it was loaded from.
func (r StreamRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name must not be empty")
	}
	if r.SourceEvent == "" {
		return fmt.Errorf("rule %q: source_event must not be empty", r.Name)
	}
	if !metrics.ValidFunction(r.Function) {
		return fmt.Errorf("rule %q: unsupported function %q", r.Name, r.Function)
	}
	if r.Function != metrics.FnCount && r.Field == "" {
		return fmt.Errorf("rule %q: function %q requires a field", r.Name, r.Function)
	}
	if r.Profile != ProfileOAL && r.Profile != ProfileMAL {
		return fmt.Errorf("rule %q: unsupported profile %q (must be oal or mal)", r.Name, r.Profile)
	}
	return nil
}

// Get returns the rule with the given name, or an error if not found.
func (r *FileSystemRuleRepository) Get(_ context.Context, name string) (*StreamRule, error) {
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("stream rule %q not found", name)
	}
	return &rule, nil
}

// List returns all loaded rules, optionally filtered by source event type.
func (r *FileSystemRuleRepository) List(_ context.Context, sourceEvent string) ([]StreamRule, error) {
	var out []StreamRule
	for _, rule := range r.GetRules() {
		if sourceEvent != "" && rule.SourceEvent != sourceEvent {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// GetRules returns all rules sorted by name.
func (r *FileSystemRuleRepository) GetRules() []StreamRule {
	rules := make([]StreamRule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

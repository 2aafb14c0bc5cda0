package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mapping location values.
const (
	MappingOnSource = "source"
	MappingOnTarget = "target"
)

// Back-reference kinds.
const (
	BackReferenceSitelink = "sitelink"
	BackReferenceProperty = "property"
)

// ValuesPlaceholder is the template variable replaced with the chunked ID
// list when a mapping query is executed.
const ValuesPlaceholder = "values"

// Profile holds the full migration configuration for one source/target pair.
type Profile struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description,omitempty"`
	Source        Endpoint       `yaml:"source"`
	Target        Endpoint       `yaml:"target"`
	Mapping       MappingConfig  `yaml:"mapping"`
	BackReference BackRefConfig  `yaml:"back_reference"`
	TypeCasts     TypeCastConfig `yaml:"type_casts"`
	Cache         CacheConfig    `yaml:"cache"`
	Log           LogConfig      `yaml:"log"`
	Request       RequestConfig  `yaml:"request"`
	Trace         TraceConfig    `yaml:"trace"`
}

// Endpoint describes one Wikibase instance.
type Endpoint struct {
	Name              string `yaml:"name"`
	SPARQLURL         string `yaml:"sparql_url"`
	MediaWikiAPIURL   string `yaml:"mediawiki_api_url"`
	MediaWikiRESTURL  string `yaml:"mediawiki_rest_url,omitempty"`
	Website           string `yaml:"website,omitempty"`
	ItemPrefix        string `yaml:"item_prefix"`
	QuickStatementURL string `yaml:"quickstatement_url,omitempty"`
	User              string `yaml:"user,omitempty"`
	Password          string `yaml:"password,omitempty"`
	BotPassword       string `yaml:"bot_password,omitempty"`
	ConsumerKey       string `yaml:"consumer_key,omitempty"`
	ConsumerSecret    string `yaml:"consumer_secret,omitempty"`
	Tag               string `yaml:"tag,omitempty"`
	RequiresLogin     bool   `yaml:"requires_login"`
}

// HasCredentials reports whether any login credential is configured.
func (e *Endpoint) HasCredentials() bool {
	return e.BotPassword != "" || (e.User != "" && e.Password != "") || e.ConsumerKey != ""
}

// MappingConfig describes where and how source→target ID mappings are stored.
type MappingConfig struct {
	LocationOfMapping    string `yaml:"location_of_mapping"`
	ItemMappingQuery     string `yaml:"item_mapping_query"`
	PropertyMappingQuery string `yaml:"property_mapping_query"`
	// Languages is the label/description/alias allow-list. nil means "every
	// language the target supports"; an explicit empty list means none.
	Languages []string `yaml:"languages"`
	// Sitelinks is the sitelink site-key allow-list. nil or empty means none.
	Sitelinks           []string `yaml:"sitelinks"`
	IgnoreUnknownValues bool     `yaml:"ignore_unknown_values"`
	IgnoreNoValues      bool     `yaml:"ignore_no_values"`
}

// BackRefConfig configures the provenance mark per entity kind.
type BackRefConfig struct {
	Item     *BackReference `yaml:"item,omitempty"`
	Property *BackReference `yaml:"property,omitempty"`
}

// BackReference describes a single provenance mark: either a sitelink whose
// site key is ID, or an external-id statement on property ID.
type BackReference struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
}

// TypeCastConfig controls the type-mismatch caster.
type TypeCastConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FallbackLanguage string `yaml:"fallback_language"`
}

// CacheConfig controls the opt-in persistent response cache.
type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	MemoryEntries int    `yaml:"memory_entries"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// RequestConfig holds HTTP client settings.
type RequestConfig struct {
	Timeout       Duration `yaml:"timeout"`
	Retries       int      `yaml:"retries"`
	RatePerSecond float64  `yaml:"rate_per_second"`
}

// TraceConfig controls the SPARQL debug trace.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir,omitempty"`
}

// DefaultProfile returns a profile with all tool-level settings filled in and
// endpoint bundles left for the user to complete.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "my-migration",
		Source: Endpoint{
			Name:            "Wikidata",
			SPARQLURL:       "https://query.wikidata.org/sparql",
			MediaWikiAPIURL: "https://www.wikidata.org/w/api.php",
			Website:         "https://www.wikidata.org",
			ItemPrefix:      "http://www.wikidata.org/entity/",
		},
		Target: Endpoint{
			Name:          "",
			RequiresLogin: true,
		},
		Mapping: MappingConfig{
			LocationOfMapping: MappingOnTarget,
			ItemMappingQuery: `SELECT ?source_item ?target_item WHERE {
  VALUES ?source_item_id { $values }
  ?target_item wdt:P1 ?source_item_id .
  BIND(?source_item_id AS ?source_item)
}
`,
			PropertyMappingQuery: `SELECT ?source_item ?target_item WHERE {
  VALUES ?source_item_id { $values }
  ?target_item wdt:P1 ?source_item_id .
  BIND(?source_item_id AS ?source_item)
}
`,
			Languages: []string{"en"},
			Sitelinks: []string{},
		},
		TypeCasts: TypeCastConfig{
			Enabled:          true,
			FallbackLanguage: "mul",
		},
		Cache: CacheConfig{
			Enabled:       false,
			Path:          "./data/wbmigrate.db",
			MemoryEntries: 1024,
		},
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/wbmigrate.log",
				Level: "INFO",
			},
			Requests: LogSettings{
				Path:  "./logs/requests.log",
				Level: "INFO",
			},
		},
		Request: RequestConfig{
			Timeout:       Duration(300 * time.Second),
			Retries:       4,
			RatePerSecond: 8,
		},
		Trace: TraceConfig{
			Enabled: false,
		},
	}
}

// Load reads the profile at path, merging file values over defaults. Missing
// credentials are filled from the environment (WBM_SOURCE_PASSWORD,
// WBM_TARGET_PASSWORD, WBM_SOURCE_BOT_PASSWORD, WBM_TARGET_BOT_PASSWORD).
// A missing file is an error; use GenerateDefault to create one.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	// Env fallbacks for secrets so profiles can be committed without them.
	if p.Source.Password == "" {
		p.Source.Password = os.Getenv("WBM_SOURCE_PASSWORD")
	}
	if p.Target.Password == "" {
		p.Target.Password = os.Getenv("WBM_TARGET_PASSWORD")
	}
	if p.Source.BotPassword == "" {
		p.Source.BotPassword = os.Getenv("WBM_SOURCE_BOT_PASSWORD")
	}
	if p.Target.BotPassword == "" {
		p.Target.BotPassword = os.Getenv("WBM_TARGET_BOT_PASSWORD")
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the profile for structural errors.
func (p *Profile) Validate() error {
	for side, ep := range map[string]*Endpoint{"source": &p.Source, "target": &p.Target} {
		if ep.SPARQLURL == "" {
			return fmt.Errorf("profile %s: %s.sparql_url is required", p.Name, side)
		}
		if ep.MediaWikiAPIURL == "" {
			return fmt.Errorf("profile %s: %s.mediawiki_api_url is required", p.Name, side)
		}
		if ep.ItemPrefix == "" {
			return fmt.Errorf("profile %s: %s.item_prefix is required", p.Name, side)
		}
	}
	if p.Mapping.LocationOfMapping != MappingOnSource && p.Mapping.LocationOfMapping != MappingOnTarget {
		return fmt.Errorf("profile %s: mapping.location_of_mapping must be %q or %q, got %q",
			p.Name, MappingOnSource, MappingOnTarget, p.Mapping.LocationOfMapping)
	}
	for name, q := range map[string]string{
		"item_mapping_query":     p.Mapping.ItemMappingQuery,
		"property_mapping_query": p.Mapping.PropertyMappingQuery,
	} {
		if !strings.Contains(q, "$"+ValuesPlaceholder) {
			return fmt.Errorf("profile %s: mapping.%s must contain the $%s placeholder", p.Name, name, ValuesPlaceholder)
		}
	}
	for kind, br := range map[string]*BackReference{"item": p.BackReference.Item, "property": p.BackReference.Property} {
		if br == nil {
			continue
		}
		if br.Type != BackReferenceSitelink && br.Type != BackReferenceProperty {
			return fmt.Errorf("profile %s: back_reference.%s.type must be %q or %q, got %q",
				p.Name, kind, BackReferenceSitelink, BackReferenceProperty, br.Type)
		}
		if br.ID == "" {
			return fmt.Errorf("profile %s: back_reference.%s.id is required", p.Name, kind)
		}
		if kind == "property" && br.Type == BackReferenceSitelink {
			return fmt.Errorf("profile %s: back_reference.property cannot use sitelinks", p.Name)
		}
	}
	if p.TypeCasts.FallbackLanguage == "" {
		p.TypeCasts.FallbackLanguage = "mul"
	}
	return nil
}

// MappingEndpoint returns the endpoint bundle hosting the mapping statements.
func (p *Profile) MappingEndpoint() *Endpoint {
	if p.Mapping.LocationOfMapping == MappingOnSource {
		return &p.Source
	}
	return &p.Target
}

// BackReferenceFor returns the configured provenance mark for an entity kind
// key ("item" or "property"), or nil.
func (p *Profile) BackReferenceFor(kind string) *BackReference {
	switch kind {
	case "item":
		return p.BackReference.Item
	case "property":
		return p.BackReference.Property
	}
	return nil
}

// Save writes the profile to the path.
func Save(path string, p *Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	header := []byte(`# wbmigrate migration profile
# ---------------------------
# The mapping queries must bind ?source_item and ?target_item and contain the
# $values placeholder; it is substituted with quoted source IDs ("Q42" ...).
# Durations accept: ns, us, ms, s, m, h, d (day), w (week)

`)
	data = append(header, data...)

	// Inject a comment above enum-valued keys.
	reLoc := regexp.MustCompile(`(?m)^(\s+)location_of_mapping:`)
	data = reLoc.ReplaceAll(data, []byte("${1}# Options: source, target\n${1}location_of_mapping:"))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// GenerateDefault creates a default profile file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return Save(path, DefaultProfile())
}

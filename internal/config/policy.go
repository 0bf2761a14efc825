package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/gramsetu/syncache/internal/expr"
)

// PolicyBundle captures the merged retention policy after loading every
// configured source: per-kind cache budgets, ranking weights, eviction
// curve shape, and pin expressions that exempt entries from eviction.
type PolicyBundle struct {
	Budgets  map[string]BudgetConfig
	Ranking  RankingConfig
	Eviction EvictionConfig
	Pins     []PinConfig
	Sources  []string
	Skipped  []DefinitionSkip
}

// BudgetConfig bounds one content kind.
type BudgetConfig struct {
	MaxBytes int64 `koanf:"maxBytes"`
	MaxItems int   `koanf:"maxItems"`
}

// RankingConfig weighs the signals that produce an entry's priority score.
type RankingConfig struct {
	Weights         WeightsConfig `koanf:"weights"`
	RadiusKm        float64       `koanf:"radiusKm"`
	RecencyHalfLife string        `koanf:"recencyHalfLife"`
}

// WeightsConfig holds the integer weights applied to each ranking signal.
type WeightsConfig struct {
	CategoryMatch int `koanf:"categoryMatch"`
	Proximity     int `koanf:"proximity"`
	Recency       int `koanf:"recency"`
	Importance    int `koanf:"importance"`
}

// EvictionConfig shapes the recency and freshness curves used by the
// eviction planner's retention score.
type EvictionConfig struct {
	RecencyHalfLife string `koanf:"recencyHalfLife"`
	FreshnessLeadup string `koanf:"freshnessLeadup"`
}

// PinConfig is a single compiled-later pin expression with its provenance.
type PinConfig struct {
	Expression string `json:"expression"`
	Source     string `json:"source"`
}

// HalfLife parses the ranking recency half-life, falling back to the
// default when unset or malformed.
func (r RankingConfig) HalfLife() time.Duration {
	return parseDurationOr(r.RecencyHalfLife, 72*time.Hour)
}

// HalfLife parses the eviction recency half-life.
func (e EvictionConfig) HalfLife() time.Duration {
	return parseDurationOr(e.RecencyHalfLife, 168*time.Hour)
}

// Leadup parses the window before expiry in which freshness decays to zero.
func (e EvictionConfig) Leadup() time.Duration {
	return parseDurationOr(e.FreshnessLeadup, 336*time.Hour)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DefaultPolicy returns the retention policy the engine runs with when no
// policy documents are present. Budgets cover every content kind so the
// planner always has a bound to enforce.
func DefaultPolicy() PolicyBundle {
	return PolicyBundle{
		Budgets: map[string]BudgetConfig{
			"scheme":      {MaxBytes: 8 << 20, MaxItems: 1000},
			"resource":    {MaxBytes: 16 << 20, MaxItems: 2000},
			"opportunity": {MaxBytes: 4 << 20, MaxItems: 500},
			"response":    {MaxBytes: 2 << 20, MaxItems: 200},
		},
		Ranking: RankingConfig{
			Weights: WeightsConfig{
				CategoryMatch: 40,
				Proximity:     25,
				Recency:       15,
				Importance:    20,
			},
			RadiusKm:        50,
			RecencyHalfLife: "72h",
		},
		Eviction: EvictionConfig{
			RecencyHalfLife: "168h",
			FreshnessLeadup: "336h",
		},
	}
}

var knownBudgetKinds = map[string]struct{}{
	"scheme":      {},
	"resource":    {},
	"opportunity": {},
	"response":    {},
}

type policyDocument struct {
	Budgets  map[string]BudgetConfig `koanf:"budgets"`
	Ranking  *RankingConfig          `koanf:"ranking"`
	Eviction *EvictionConfig         `koanf:"eviction"`
	Pins     []string                `koanf:"pins"`
}

type policyAggregator struct {
	budgets       map[string]BudgetConfig
	budgetSources map[string]string
	budgetSkips   map[string]*DefinitionSkip

	ranking        *RankingConfig
	rankingSource  string
	rankingSkip    *DefinitionSkip
	eviction       *EvictionConfig
	evictionSource string
	evictionSkip   *DefinitionSkip

	pins     []PinConfig
	pinSkips []*DefinitionSkip

	sources map[string]struct{}
}

func newPolicyAggregator() *policyAggregator {
	return &policyAggregator{
		budgets:       make(map[string]BudgetConfig),
		budgetSources: make(map[string]string),
		budgetSkips:   make(map[string]*DefinitionSkip),
		sources:       make(map[string]struct{}),
	}
}

func (a *policyAggregator) addDocument(doc policyDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for kind, budget := range doc.Budgets {
		a.addBudget(kind, budget, source)
	}
	if doc.Ranking != nil {
		a.addRanking(*doc.Ranking, source)
	}
	if doc.Eviction != nil {
		a.addEviction(*doc.Eviction, source)
	}
	for _, pin := range doc.Pins {
		a.pins = append(a.pins, PinConfig{Expression: pin, Source: source})
	}
}

func (a *policyAggregator) addBudget(kind string, budget BudgetConfig, source string) {
	name := strings.TrimSpace(strings.ToLower(kind))
	if _, ok := knownBudgetKinds[name]; !ok {
		a.recordBudgetSkip(name, fmt.Sprintf("unknown content kind %q", kind), source)
		return
	}
	if existing, ok := a.budgetSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.budgetSources[name]; ok {
		a.recordBudgetSkip(name, "duplicate definition", prev, source)
		delete(a.budgetSources, name)
		delete(a.budgets, name)
		return
	}
	if budget.MaxBytes < 0 || budget.MaxItems < 0 {
		a.recordBudgetSkip(name, "negative budget", source)
		return
	}
	a.budgetSources[name] = source
	a.budgets[name] = budget
}

func (a *policyAggregator) addRanking(cfg RankingConfig, source string) {
	if a.rankingSkip != nil {
		a.rankingSkip.Sources = appendUnique(a.rankingSkip.Sources, source)
		return
	}
	if a.ranking != nil {
		a.rankingSkip = &DefinitionSkip{
			Kind:    "ranking",
			Name:    "ranking",
			Reason:  "duplicate definition",
			Sources: appendUnique(appendUnique(nil, a.rankingSource), source),
		}
		a.ranking = nil
		a.rankingSource = ""
		return
	}
	a.ranking = &cfg
	a.rankingSource = source
}

func (a *policyAggregator) addEviction(cfg EvictionConfig, source string) {
	if a.evictionSkip != nil {
		a.evictionSkip.Sources = appendUnique(a.evictionSkip.Sources, source)
		return
	}
	if a.eviction != nil {
		a.evictionSkip = &DefinitionSkip{
			Kind:    "eviction",
			Name:    "eviction",
			Reason:  "duplicate definition",
			Sources: appendUnique(appendUnique(nil, a.evictionSource), source),
		}
		a.eviction = nil
		a.evictionSource = ""
		return
	}
	a.eviction = &cfg
	a.evictionSource = source
}

func (a *policyAggregator) recordBudgetSkip(name, reason string, sources ...string) {
	if skip, ok := a.budgetSkips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "budget",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.budgetSkips[name] = skip
}

// validatePins drops pin expressions that fail CEL compilation, keeping the
// remainder usable. A bad pin must never take down policy loading.
func (a *policyAggregator) validatePins(env *expr.Environment) {
	valid := a.pins[:0]
	for _, pin := range a.pins {
		trimmed := strings.TrimSpace(pin.Expression)
		if trimmed == "" {
			continue
		}
		if _, err := env.Compile(trimmed); err != nil {
			a.pinSkips = append(a.pinSkips, &DefinitionSkip{
				Kind:    "pin",
				Name:    trimmed,
				Reason:  fmt.Sprintf("invalid expression: %v", err),
				Sources: appendUnique(nil, pin.Source),
			})
			continue
		}
		pin.Expression = trimmed
		valid = append(valid, pin)
	}
	a.pins = valid
}

// bundle merges the aggregated documents over the defaults so every content
// kind keeps a budget even when no document names it.
func (a *policyAggregator) bundle() PolicyBundle {
	out := DefaultPolicy()
	for kind, budget := range a.budgets {
		out.Budgets[kind] = budget
	}
	if a.ranking != nil {
		out.Ranking = *a.ranking
	}
	if a.eviction != nil {
		out.Eviction = *a.eviction
	}
	out.Pins = slices.Clone(a.pins)

	var skipped []DefinitionSkip
	for _, skip := range a.budgetSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	if a.rankingSkip != nil {
		sort.Strings(a.rankingSkip.Sources)
		skipped = append(skipped, *a.rankingSkip)
	}
	if a.evictionSkip != nil {
		sort.Strings(a.evictionSkip.Sources)
		skipped = append(skipped, *a.evictionSkip)
	}
	for _, skip := range a.pinSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		if skipped[i].Kind == skipped[j].Kind {
			return skipped[i].Name < skipped[j].Name
		}
		return skipped[i].Kind < skipped[j].Kind
	})
	out.Skipped = skipped

	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	out.Sources = sources
	return out
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

// LoadPolicy reads every configured policy document and merges it over the
// defaults. Duplicate definitions are quarantined rather than silently
// overwritten so operators can see exactly which file lost.
func LoadPolicy(ctx context.Context, policyCfg PolicyConfig) (PolicyBundle, error) {
	agg := newPolicyAggregator()

	files, err := collectPolicySources(ctx, policyCfg)
	if err != nil {
		return PolicyBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return PolicyBundle{}, ctx.Err()
		default:
		}
		doc, err := loadPolicyDocument(path)
		if err != nil {
			return PolicyBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return PolicyBundle{}, err
	}
	agg.validatePins(env)
	return agg.bundle(), nil
}

func collectPolicySources(ctx context.Context, policyCfg PolicyConfig) ([]string, error) {
	if policyCfg.PolicyFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensurePolicyFile(policyCfg.PolicyFile); err != nil {
			return nil, err
		}
		return []string{policyCfg.PolicyFile}, nil
	}
	if policyCfg.PolicyFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(policyCfg.PolicyFolder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: policy folder %s: %w", policyCfg.PolicyFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: policy folder %s is not a directory", policyCfg.PolicyFolder)
	}
	var files []string
	err = filepath.WalkDir(policyCfg.PolicyFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedPolicyFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk policy folder %s: %w", policyCfg.PolicyFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensurePolicyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: policy file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: policy file %s: expected a file, found directory", path)
	}
	return nil
}

func loadPolicyDocument(path string) (policyDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return policyDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return policyDocument{}, fmt.Errorf("config: load policy from %s: %w", path, err)
	}
	var doc policyDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return policyDocument{}, fmt.Errorf("config: decode policy from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported policy file extension %s", ext)
	}
}

func isSupportedPolicyFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/store"
)

// Document is the on-disk manifest shape, in YAML or JSON.
type Document struct {
	Entries []Entry `yaml:"rules" json:"rules"`
}

// Entry is one rule as written by its owner. Enabled defaults to true and
// AlertCooldownMinutes to DefaultCooldownMinutes when omitted.
type Entry struct {
	Name                 string            `yaml:"name" json:"name"`
	Description          string            `yaml:"description,omitempty" json:"description,omitempty"`
	Target               models.Target     `yaml:"target" json:"target"`
	CheckType            models.CheckType  `yaml:"check_type" json:"check_type"`
	Parameters           models.Parameters `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Severity             string            `yaml:"severity" json:"severity"`
	Schedule             string            `yaml:"schedule" json:"schedule"`
	Enabled              *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	UseSampling          bool              `yaml:"use_sampling,omitempty" json:"use_sampling,omitempty"`
	SampleSize           int               `yaml:"sample_size,omitempty" json:"sample_size,omitempty"`
	AlertCooldownMinutes *int              `yaml:"alert_cooldown_minutes,omitempty" json:"alert_cooldown_minutes,omitempty"`
	TimeoutSeconds       int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Owner                string            `yaml:"owner,omitempty" json:"owner,omitempty"`
}

const DefaultCooldownMinutes = 60

// RuleError lists every field problem of the rule at Index.
type RuleError struct {
	Index  int
	Name   string
	Fields []models.FieldError
}

func (e RuleError) label() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("rules[%d]", e.Index)
}

// Report summarizes a Load.
type Report struct {
	DryRun    bool     `json:"dry_run"`
	Validated []string `json:"validated"`
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	// Offline is set when a dry run could not compare against the store.
	Offline bool `json:"offline,omitempty"`
}

// OfflineReport describes a validated manifest that was not compared with
// stored rules.
func OfflineReport(rules []models.Rule) Report {
	return Report{DryRun: true, Validated: names(rules), Offline: true}
}

func names(rules []models.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Name
	}
	return out
}

// Parse decodes a manifest. JSON input is accepted as YAML. Unknown keys are
// rejected so that a misspelled parameter is not silently ignored.
func Parse(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, models.Errorf(models.CodeManifestInvalid, "manifest is empty")
		}
		return Document{}, models.Errorf(models.CodeManifestInvalid, "parse manifest: %v", err)
	}
	return doc, nil
}

// Rules converts the document to rules and validates every one of them.
// Duplicate names are reported against the later occurrence.
func (d Document) Rules() ([]models.Rule, []RuleError) {
	rules := make([]models.Rule, 0, len(d.Entries))
	var errs []RuleError
	seen := make(map[string]int, len(d.Entries))
	for i, e := range d.Entries {
		r := e.Rule()
		fields := r.Validate()
		if first, dup := seen[r.Name]; dup && r.Name != "" {
			fields = append(fields, models.FieldError{Field: "name", Problem: fmt.Sprintf("duplicates rules[%d]", first)})
		} else {
			seen[r.Name] = i
		}
		if len(fields) > 0 {
			errs = append(errs, RuleError{Index: i, Name: r.Name, Fields: fields})
		}
		rules = append(rules, r)
	}
	return rules, errs
}

// Rule builds the model, applying defaults.
func (e Entry) Rule() models.Rule {
	sev := models.Severity(strings.TrimSpace(e.Severity))
	if parsed, err := models.ParseSeverity(e.Severity); err == nil {
		sev = parsed
	}
	r := models.Rule{
		Name:                 strings.TrimSpace(e.Name),
		Description:          e.Description,
		Target:               e.Target,
		CheckType:            e.CheckType,
		Parameters:           e.Parameters,
		Severity:             sev,
		Schedule:             strings.TrimSpace(e.Schedule),
		Enabled:              true,
		UseSampling:          e.UseSampling,
		SampleSize:           e.SampleSize,
		AlertCooldownMinutes: DefaultCooldownMinutes,
		TimeoutSeconds:       e.TimeoutSeconds,
		Owner:                e.Owner,
	}
	if e.Enabled != nil {
		r.Enabled = *e.Enabled
	}
	if e.AlertCooldownMinutes != nil {
		r.AlertCooldownMinutes = *e.AlertCooldownMinutes
	}
	return r
}

// EntryFor is the inverse of Entry.Rule.
func EntryFor(r models.Rule) Entry {
	enabled := r.Enabled
	cooldown := r.AlertCooldownMinutes
	return Entry{
		Name:                 r.Name,
		Description:          r.Description,
		Target:               r.Target,
		CheckType:            r.CheckType,
		Parameters:           r.Parameters,
		Severity:             string(r.Severity),
		Schedule:             r.Schedule,
		Enabled:              &enabled,
		UseSampling:          r.UseSampling,
		SampleSize:           r.SampleSize,
		AlertCooldownMinutes: &cooldown,
		TimeoutSeconds:       r.TimeoutSeconds,
		Owner:                r.Owner,
	}
}

// Invalid folds rule errors into one MANIFEST_INVALID error.
func Invalid(errs []RuleError) *models.Error {
	e := models.Errorf(models.CodeManifestInvalid, "%d of the manifest's rules are invalid", len(errs))
	for _, re := range errs {
		for _, f := range re.Fields {
			f.Rule = re.label()
			e.Details = append(e.Details, f)
		}
	}
	return e
}

// Validate parses data and checks every rule. It touches no store, so a
// malformed manifest is reported without any connection.
func Validate(data []byte) ([]models.Rule, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	rules, errs := doc.Rules()
	if len(errs) > 0 {
		return nil, Invalid(errs)
	}
	return rules, nil
}

// Load validates every rule before writing any, then upserts them by name.
// dryRun reports the changes without writing.
func Load(ctx context.Context, repo store.Repository, data []byte, dryRun bool) (Report, error) {
	rules, err := Validate(data)
	if err != nil {
		return Report{DryRun: dryRun}, err
	}
	return Apply(ctx, repo, rules, dryRun)
}

// Apply upserts already validated rules by name.
func Apply(ctx context.Context, repo store.Repository, rules []models.Rule, dryRun bool) (Report, error) {
	rep := Report{DryRun: dryRun, Validated: names(rules)}
	for _, r := range rules {
		existing, err := repo.GetRuleByName(ctx, r.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rep.Created = append(rep.Created, r.Name)
		case err != nil:
			return rep, fmt.Errorf("look up rule %s: %w", r.Name, err)
		case existing.SameContent(r):
			rep.Unchanged = append(rep.Unchanged, r.Name)
			continue
		default:
			rep.Updated = append(rep.Updated, r.Name)
		}
		if dryRun {
			continue
		}
		if _, _, err := repo.UpsertRule(ctx, r); err != nil {
			return rep, fmt.Errorf("upsert rule %s: %w", r.Name, err)
		}
	}
	return rep, nil
}

// Export writes rules in the manifest shape so the output can be loaded back.
func Export(w io.Writer, rules []models.Rule, format string) error {
	doc := Document{Entries: make([]Entry, 0, len(rules))}
	for _, r := range rules {
		doc.Entries = append(doc.Entries, EntryFor(r))
	}
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported manifest format %q", format)
	}
}

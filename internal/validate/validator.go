// Package validate turns a raw model response into a clean, verified
// enrichment record.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/sells-group/acronym-cli/internal/model"
)

// FullNamePolicy controls what happens when the full name does not contain
// the acronym.
type FullNamePolicy string

const (
	// FullNameWarn accepts the record with a content warning.
	FullNameWarn FullNamePolicy = "warn"
	// FullNameReject rejects the record as a content failure.
	FullNameReject FullNamePolicy = "reject"
)

// Config controls validation.
type Config struct {
	Enabled              bool
	MinDescriptionLength int
	MinRelatedTerms      int
	FullNamePolicy       FullNamePolicy
}

// DefaultConfig returns the default validation settings.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MinDescriptionLength: 20,
		MinRelatedTerms:      1,
		FullNamePolicy:       FullNameWarn,
	}
}

// Warning texts attached to accepted records.
const (
	WarnFullNameMismatch = "full_name does not contain acronym"
)

var requiredFields = []string{"acronym", "full_name", "description", "context", "related_terms", "industry"}

var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|[^\pL])n/a([^\pL]|$)`),
	regexp.MustCompile(`(?i)\bnot available\b`),
	regexp.MustCompile(`(?i)\btbd\b`),
	regexp.MustCompile(`(?i)lorem ipsum`),
	regexp.MustCompile(`(?i)\[insert`),
	regexp.MustCompile(`(?i)\bplaceholder\b`),
	regexp.MustCompile(`(?i)<\s*(insert|description|your)[^>]*>`),
}

// record is the cleaned response as the model described it.
type record struct {
	Acronym      string   `json:"acronym" validate:"required"`
	FullName     string   `json:"full_name" validate:"required"`
	Description  string   `json:"description" validate:"required"`
	Context      string   `json:"context" validate:"required"`
	RelatedTerms []string `json:"related_terms" validate:"required,dive,required"`
	Industry     string   `json:"industry" validate:"required"`
	Tags         []string `json:"tags" validate:"dive,required"`
	Grade        *int     `json:"grade,omitempty" validate:"omitempty,gte=0"`
}

// Validator checks and cleans model responses. It is safe for concurrent use.
type Validator struct {
	cfg Config
	v   *validator.Validate
}

// New creates a Validator. Zero minimums fall back to the defaults.
func New(cfg Config) *Validator {
	if cfg.MinDescriptionLength <= 0 {
		cfg.MinDescriptionLength = 20
	}
	if cfg.MinRelatedTerms <= 0 {
		cfg.MinRelatedTerms = 1
	}
	if cfg.FullNamePolicy == "" {
		cfg.FullNamePolicy = FullNameWarn
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{cfg: cfg, v: v}
}

// Config returns the effective configuration.
func (v *Validator) Config() Config {
	return v.cfg
}

// Validate runs the structural, cleaning, content and serialization steps on
// raw and returns the accepted record. Rejections are *InvalidError values.
func (v *Validator) Validate(job model.Job, raw string) (*model.EnrichmentResult, error) {
	js, ok := ExtractJSON(raw)
	if !ok {
		return nil, invalid(Structure, "response contains no JSON object")
	}

	rec, problems := v.parse(js)
	if v.cfg.Enabled && len(problems) > 0 {
		return nil, invalid(Structure, problems...)
	}

	rec = clean(rec)

	if v.cfg.Enabled {
		if problems := v.checkStructure(rec); len(problems) > 0 {
			return nil, invalid(Structure, problems...)
		}
	}

	var warnings []string
	if v.cfg.Enabled {
		var err error
		warnings, err = v.checkContent(job, rec)
		if err != nil {
			return nil, err
		}
	}

	res := &model.EnrichmentResult{
		Acronym:         job.Token,
		FullName:        rec.FullName,
		Description:     rec.Description,
		Context:         rec.Context,
		RelatedTerms:    rec.RelatedTerms,
		Industry:        rec.Industry,
		Tags:            rec.Tags,
		Grade:           job.Grade,
		ContentWarnings: warnings,
		ProcessedAt:     time.Now().UTC(),
	}
	if res.Grade == nil {
		res.Grade = rec.Grade
	}
	if res.RelatedTerms == nil {
		res.RelatedTerms = []string{}
	}
	if res.Tags == nil {
		res.Tags = []string{}
	}

	if v.cfg.Enabled {
		if err := checkRoundTrip(res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// parse reads the response object and reports presence and type problems.
func (v *Validator) parse(js string) (record, []string) {
	var rec record
	var problems []string

	doc := gjson.Parse(js)
	for _, field := range requiredFields {
		if !doc.Get(field).Exists() {
			problems = append(problems, "missing required field: "+field)
		}
	}

	str := func(field string, dst *string) {
		res := doc.Get(field)
		if !res.Exists() {
			return
		}
		if res.Type != gjson.String {
			problems = append(problems, fmt.Sprintf("field %q should be a string", field))
			return
		}
		*dst = res.String()
	}
	str("acronym", &rec.Acronym)
	str("full_name", &rec.FullName)
	str("description", &rec.Description)
	str("context", &rec.Context)
	str("industry", &rec.Industry)

	if res := doc.Get("related_terms"); res.Exists() {
		terms, ok := stringList(res, false)
		if !ok || !res.IsArray() {
			problems = append(problems, `field "related_terms" should be an array of strings`)
		}
		rec.RelatedTerms = terms
	}
	if res := doc.Get("tags"); res.Exists() {
		tags, ok := stringList(res, true)
		if !ok {
			problems = append(problems, `field "tags" should be an array or a comma-separated string`)
		}
		rec.Tags = tags
	}
	if res := doc.Get("grade"); res.Exists() && res.Type != gjson.Null {
		if res.Type != gjson.Number || res.Num != float64(int(res.Num)) {
			problems = append(problems, `field "grade" should be an integer`)
		} else {
			g := int(res.Num)
			rec.Grade = &g
		}
	}
	return rec, problems
}

func clean(rec record) record {
	rec.Acronym = strings.TrimSpace(rec.Acronym)
	rec.FullName = strings.TrimSpace(rec.FullName)
	rec.Description = strings.TrimSpace(rec.Description)
	rec.Context = strings.TrimSpace(rec.Context)
	rec.Industry = strings.TrimSpace(rec.Industry)
	rec.RelatedTerms = CleanList(rec.RelatedTerms)
	rec.Tags = CleanList(rec.Tags)
	return rec
}

// checkStructure applies emptiness and size rules to the cleaned record.
func (v *Validator) checkStructure(rec record) []string {
	var problems []string
	if err := v.v.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("field %q failed %q", fe.Field(), fe.Tag()))
		}
	}
	if err := v.v.Var(rec.Description, fmt.Sprintf("min=%d", v.cfg.MinDescriptionLength)); err != nil {
		problems = append(problems, fmt.Sprintf("description is too short (minimum %d characters)", v.cfg.MinDescriptionLength))
	}
	if err := v.v.Var(rec.RelatedTerms, fmt.Sprintf("min=%d", v.cfg.MinRelatedTerms)); err != nil {
		problems = append(problems, fmt.Sprintf("related_terms should have at least %d items", v.cfg.MinRelatedTerms))
	}
	return problems
}

func (v *Validator) checkContent(job model.Job, rec record) ([]string, error) {
	for _, re := range placeholderPatterns {
		if re.MatchString(rec.Description) {
			return nil, invalid(Content, fmt.Sprintf("description contains placeholder text %q", re.FindString(rec.Description)))
		}
	}

	var warnings []string
	if !FullNameMatches(job.Token, rec.FullName) {
		if v.cfg.FullNamePolicy == FullNameReject {
			return nil, invalid(Content, fmt.Sprintf("full_name %q does not contain acronym %q", rec.FullName, job.Token))
		}
		warnings = append(warnings, WarnFullNameMismatch)
	}
	return warnings, nil
}

// FullNameMatches reports whether the full name contains the acronym,
// ignoring case, spacing and punctuation.
func FullNameMatches(acronym, fullName string) bool {
	a, f := squash(acronym), squash(fullName)
	if a == "" || f == "" {
		return false
	}
	return strings.Contains(f, a)
}

// checkRoundTrip serializes the record and confirms every required field
// reads back unchanged.
func checkRoundTrip(res *model.EnrichmentResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return invalid(Serialization, "marshal: "+err.Error())
	}
	if !gjson.ValidBytes(b) {
		return invalid(Serialization, "marshalled record is not valid JSON")
	}

	doc := gjson.ParseBytes(b)
	want := map[string]string{
		"acronym":     res.Acronym,
		"full_name":   res.FullName,
		"description": res.Description,
		"context":     res.Context,
		"industry":    res.Industry,
	}
	var problems []string
	for field, expected := range want {
		if got := doc.Get(field); !got.Exists() || got.String() != expected {
			problems = append(problems, "field "+field+" did not survive serialization")
		}
	}
	terms := doc.Get("related_terms").Array()
	if len(terms) != len(res.RelatedTerms) {
		problems = append(problems, "related_terms did not survive serialization")
	} else {
		for i, term := range terms {
			if term.String() != res.RelatedTerms[i] {
				problems = append(problems, "related_terms did not survive serialization")
				break
			}
		}
	}
	if len(problems) > 0 {
		return invalid(Serialization, problems...)
	}
	return nil
}

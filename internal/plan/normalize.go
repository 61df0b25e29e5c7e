package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/planforge/orchestrator/internal/structured"
)

// ErrUnknownSection is returned when a section name resolves to nothing in
// the alias table.
var ErrUnknownSection = errors.New("unknown plan section")

var validate = validator.New()

// listFields names the list-typed fields of each section. Normalization
// guarantees these are always JSON arrays regardless of what the model
// produced.
var listFields = map[Section][]string{
	SectionBusinessModel:      {"core_products", "revenue_streams"},
	SectionRecentNews:         {"items", "key_themes"},
	SectionLeadership:         {"executives"},
	SectionMarketPosition:     {"competitors", "competitive_advantages", "competitive_weaknesses"},
	SectionFinancialHealth:    {"public_metrics"},
	SectionPainPoints:         {"challenges", "industry_pressures", "opportunities"},
	SectionEngagementStrategy: {"talking_points", "potential_objections", "recommended_contacts"},
}

// sentinel scalar strings the model uses in place of an empty list.
var emptySentinels = map[string]struct{}{
	"not available": {},
	"none":          {},
	"n/a":           {},
	"unknown":       {},
}

// CanonicalSection resolves a user-facing section phrase to its canonical
// identifier via the central alias table.
func CanonicalSection(name string) (Section, bool) {
	s, ok := sectionAliases[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// NormalizeSection rewrites a section payload in place so that every
// list-typed field holds a list: null and sentinel scalars ("Not available",
// "None", "N/A", "Unknown", case-insensitive) become empty lists, any other
// scalar is wrapped in a single-element list, and existing lists are left
// untouched. Normalization never fails; it only moves data toward a valid
// shape.
func NormalizeSection(section Section, payload map[string]interface{}) {
	if payload == nil {
		return
	}
	for _, field := range listFields[section] {
		val, present := payload[field]
		if !present {
			continue
		}
		switch v := val.(type) {
		case nil:
			payload[field] = []interface{}{}
		case string:
			if _, sentinel := emptySentinels[strings.ToLower(strings.TrimSpace(v))]; sentinel {
				payload[field] = []interface{}{}
			} else {
				payload[field] = []interface{}{v}
			}
		case []interface{}:
			// already a list
		default:
			payload[field] = []interface{}{v}
		}
	}
}

// DecodeSection decodes a raw section payload into its typed form, applying
// normalization first and schema validation after. Validation failures are
// reported as structured.ErrValidation so callers retry by regenerating.
func DecodeSection(section Section, raw json.RawMessage) (interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: section %s: %v", structured.ErrValidation, section, err)
	}
	NormalizeSection(section, payload)
	cleaned, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("remarshal section %s: %w", section, err)
	}

	decode := func(v interface{}) (interface{}, error) {
		if err := json.Unmarshal(cleaned, v); err != nil {
			return nil, fmt.Errorf("%w: section %s: %v", structured.ErrValidation, section, err)
		}
		if err := validate.Struct(v); err != nil {
			return nil, fmt.Errorf("%w: section %s: %v", structured.ErrValidation, section, err)
		}
		return v, nil
	}

	switch section {
	case SectionOverview:
		return decode(&Overview{})
	case SectionBusinessModel:
		return decode(&BusinessModel{})
	case SectionRecentNews:
		return decode(&RecentNews{})
	case SectionLeadership:
		return decode(&Leadership{})
	case SectionMarketPosition:
		return decode(&MarketPosition{})
	case SectionFinancialHealth:
		return decode(&FinancialHealth{})
	case SectionPainPoints:
		return decode(&PainPoints{})
	case SectionEngagementStrategy:
		return decode(&EngagementStrategy{})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSection, section)
	}
}

// FromPayload builds a Plan from a raw synthesis payload keyed by section
// name. Missing sections default to empty documents; every present section is
// normalized and validated. The overview's name defaults to companyName when
// the model omitted it.
func FromPayload(companyName, focus string, raw json.RawMessage) (*Plan, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, fmt.Errorf("%w: plan payload is not an object: %v", structured.ErrValidation, err)
	}

	p := &Plan{
		CompanyName:   companyName,
		GeneratedAt:   time.Now().UTC(),
		ResearchFocus: focus,
		Overview:      Overview{Name: companyName},
		Sources:       []string{},
		Conflicts:     []Conflict{},
	}

	for _, section := range Sections {
		rawSection, ok := sections[string(section)]
		if !ok || len(rawSection) == 0 || string(rawSection) == "null" {
			continue
		}
		decoded, err := DecodeSection(section, rawSection)
		if err != nil {
			return nil, err
		}
		p.setSection(section, decoded)
	}

	if p.Overview.Name == "" {
		p.Overview.Name = companyName
	}
	return p, nil
}

// SectionContent returns the current typed content of one section.
func (p *Plan) SectionContent(section Section) (interface{}, error) {
	switch section {
	case SectionOverview:
		return p.Overview, nil
	case SectionBusinessModel:
		return p.BusinessModel, nil
	case SectionRecentNews:
		return p.RecentNews, nil
	case SectionLeadership:
		return p.Leadership, nil
	case SectionMarketPosition:
		return p.MarketPosition, nil
	case SectionFinancialHealth:
		return p.FinancialHealth, nil
	case SectionPainPoints:
		return p.PainPoints, nil
	case SectionEngagementStrategy:
		return p.EngagementStrategy, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSection, section)
	}
}

// ReplaceSection decodes raw into the named section and replaces exactly that
// section; all others are untouched.
func (p *Plan) ReplaceSection(section Section, raw json.RawMessage) error {
	decoded, err := DecodeSection(section, raw)
	if err != nil {
		return err
	}
	p.setSection(section, decoded)
	return nil
}

func (p *Plan) setSection(section Section, decoded interface{}) {
	switch v := decoded.(type) {
	case *Overview:
		p.Overview = *v
	case *BusinessModel:
		p.BusinessModel = *v
	case *RecentNews:
		p.RecentNews = *v
	case *Leadership:
		p.Leadership = *v
	case *MarketPosition:
		p.MarketPosition = *v
	case *FinancialHealth:
		p.FinancialHealth = *v
	case *PainPoints:
		p.PainPoints = *v
	case *EngagementStrategy:
		p.EngagementStrategy = *v
	}
}

// Package plan defines the account plan document: eight fixed sections, the
// aggregate Plan type, payload normalization, and the section alias table.
package plan

import (
	"time"
)

// Section identifies one of the eight fixed topical divisions of a plan.
type Section string

const (
	SectionOverview           Section = "overview"
	SectionBusinessModel      Section = "business_model"
	SectionRecentNews         Section = "recent_news"
	SectionLeadership         Section = "leadership"
	SectionMarketPosition     Section = "market_position"
	SectionFinancialHealth    Section = "financial_health"
	SectionPainPoints         Section = "pain_points"
	SectionEngagementStrategy Section = "engagement_strategy"
)

// Sections lists all sections in document order.
var Sections = []Section{
	SectionOverview,
	SectionBusinessModel,
	SectionRecentNews,
	SectionLeadership,
	SectionMarketPosition,
	SectionFinancialHealth,
	SectionPainPoints,
	SectionEngagementStrategy,
}

// Overview is the company overview section.
type Overview struct {
	Name          string `json:"name" validate:"required"`
	Founded       string `json:"founded,omitempty"`
	Headquarters  string `json:"headquarters,omitempty"`
	Industry      string `json:"industry,omitempty"`
	EmployeeCount string `json:"employee_count,omitempty"`
	Revenue       string `json:"revenue,omitempty"`
	Description   string `json:"description,omitempty"`
}

// BusinessModel covers products and revenue structure.
type BusinessModel struct {
	CoreProducts     []string `json:"core_products"`
	RevenueStreams   []string `json:"revenue_streams"`
	TargetMarket     string   `json:"target_market,omitempty"`
	ValueProposition string   `json:"value_proposition,omitempty"`
}

// NewsItem is one news development.
type NewsItem struct {
	Title   string `json:"title" validate:"required"`
	Summary string `json:"summary"`
	Date    string `json:"date,omitempty"`
	Source  string `json:"source,omitempty"`
	URL     string `json:"url,omitempty" validate:"omitempty,url"`
}

// RecentNews aggregates recent developments.
type RecentNews struct {
	Items     []NewsItem `json:"items" validate:"dive"`
	KeyThemes []string   `json:"key_themes"`
}

// Leader is one executive profile.
type Leader struct {
	Name        string `json:"name" validate:"required"`
	Title       string `json:"title"`
	Background  string `json:"background,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty" validate:"omitempty,url"`
}

// Leadership covers the executive team.
type Leadership struct {
	Executives    []Leader `json:"executives" validate:"dive"`
	RecentChanges string   `json:"recent_changes,omitempty"`
}

// Competitor is one market rival.
type Competitor struct {
	Name           string `json:"name" validate:"required"`
	Differentiator string `json:"differentiator,omitempty"`
}

// MarketPosition covers competitors and standing.
type MarketPosition struct {
	Competitors           []Competitor `json:"competitors" validate:"dive"`
	MarketShare           string       `json:"market_share,omitempty"`
	CompetitiveAdvantages []string     `json:"competitive_advantages"`
	CompetitiveWeaknesses []string     `json:"competitive_weaknesses"`
}

// FinancialHealth covers funding and revenue signals.
type FinancialHealth struct {
	FundingTotal     string   `json:"funding_total,omitempty"`
	LastFundingRound string   `json:"last_funding_round,omitempty"`
	RevenueGrowth    string   `json:"revenue_growth,omitempty"`
	Profitability    string   `json:"profitability,omitempty"`
	PublicMetrics    []string `json:"public_metrics"`
}

// PainPoints covers challenges and openings.
type PainPoints struct {
	Challenges        []string `json:"challenges"`
	IndustryPressures []string `json:"industry_pressures"`
	Opportunities     []string `json:"opportunities"`
}

// EngagementStrategy covers the recommended sales approach.
type EngagementStrategy struct {
	Approach            string   `json:"approach,omitempty"`
	TalkingPoints       []string `json:"talking_points"`
	PotentialObjections []string `json:"potential_objections"`
	RecommendedContacts []string `json:"recommended_contacts"`
}

// Conflict is one contradiction found between research sources.
type Conflict struct {
	Topic               string `json:"topic"`
	SourceA             string `json:"source_1"`
	SourceB             string `json:"source_2"`
	Severity            string `json:"severity"`
	SuggestedResolution string `json:"suggested_resolution"`
}

// ConflictReport is the outcome of conflict analysis over research findings.
type ConflictReport struct {
	Found          bool       `json:"conflicts_found"`
	Conflicts      []Conflict `json:"conflicts"`
	Recommendation string     `json:"recommendation"`
}

// Plan is the complete account plan for one subject.
type Plan struct {
	CompanyName   string    `json:"company_name"`
	GeneratedAt   time.Time `json:"generated_at"`
	ResearchFocus string    `json:"research_focus,omitempty"`

	Overview           Overview           `json:"overview"`
	BusinessModel      BusinessModel      `json:"business_model"`
	RecentNews         RecentNews         `json:"recent_news"`
	Leadership         Leadership         `json:"leadership"`
	MarketPosition     MarketPosition     `json:"market_position"`
	FinancialHealth    FinancialHealth    `json:"financial_health"`
	PainPoints         PainPoints         `json:"pain_points"`
	EngagementStrategy EngagementStrategy `json:"engagement_strategy"`

	Sources   []string   `json:"sources"`
	Conflicts []Conflict `json:"conflicts_found"`
}

// sectionAliases maps user-facing phrases to canonical section identifiers.
// Kept centrally defined; the orchestrator must not grow its own copies.
var sectionAliases = map[string]Section{
	"overview":            SectionOverview,
	"company overview":    SectionOverview,
	"business_model":      SectionBusinessModel,
	"business model":      SectionBusinessModel,
	"products":            SectionBusinessModel,
	"recent_news":         SectionRecentNews,
	"recent news":         SectionRecentNews,
	"news":                SectionRecentNews,
	"leadership":          SectionLeadership,
	"executives":          SectionLeadership,
	"market_position":     SectionMarketPosition,
	"market position":     SectionMarketPosition,
	"competitors":         SectionMarketPosition,
	"financial_health":    SectionFinancialHealth,
	"financial health":    SectionFinancialHealth,
	"financial":           SectionFinancialHealth,
	"financials":          SectionFinancialHealth,
	"pain_points":         SectionPainPoints,
	"pain points":         SectionPainPoints,
	"challenges":          SectionPainPoints,
	"engagement_strategy": SectionEngagementStrategy,
	"engagement strategy": SectionEngagementStrategy,
	"engagement":          SectionEngagementStrategy,
	"strategy":            SectionEngagementStrategy,
}

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/planforge/orchestrator/internal/plan"
	"github.com/planforge/orchestrator/internal/session"
)

const intentClassifierTemplate = `You are an intent classifier for a company research assistant.
Classify the user's message into exactly one intent and extract any entities.

Intents:
- START_RESEARCH: the user names a company they want researched
- CONTINUE_RESEARCH: the user wants more research on the current company
- EDIT_SECTION: the user wants a section of the existing plan changed
- ASK_QUESTION: the user asks a question about the research or the plan
- GENERATE_PLAN: the user asks for the account plan to be produced now
- EXPORT_PLAN: the user wants the plan exported or written out in full
- CLARIFICATION_NEEDED: the request is ambiguous and needs a follow-up
- OFF_TOPIC: unrelated to company research
- GENERAL_CHAT: greetings, small talk, or anything else

Current session:
- Company under research: %s
- Plan exists: %t
- Session status: %s

Recent conversation:
%s

User message: %s

Respond with JSON only:
{
  "intent": "<one of the intents above>",
  "company_name": "<company name or null>",
  "section_to_edit": "<section name or null>",
  "edit_instructions": "<what to change or null>",
  "focus_area": "<research focus or null>",
  "confidence": <0.0 to 1.0>
}`

const researchPlannerTemplate = `You are a research strategist preparing to build a sales account plan
for %s.%s

Produce between 4 and 6 web search queries that together cover:
company overview, business model, recent news, leadership, market
position, and financial health. Assign each query the plan section it
feeds and a priority (1 = run first).

Respond with JSON only:
{
  "queries": [
    {"query": "<search query>", "section": "<section name>", "priority": <int>}
  ]
}

Valid section names: %s`

const conflictDetectorTemplate = `You are reviewing research findings about %s for contradictions.
Look for conflicting facts: different revenue figures, contradictory
headcounts, incompatible dates, opposing characterizations.

Research findings:
%s

Respond with JSON only:
{
  "conflicts_found": <true or false>,
  "conflicts": [
    {
      "topic": "<what the sources disagree on>",
      "source_1": "<first claim>",
      "source_2": "<conflicting claim>",
      "severity": "<low, medium, or high>",
      "suggested_resolution": "<which to prefer and why>"
    }
  ],
  "recommendation": "<one sentence overall assessment>"
}`

const planGeneratorTemplate = `You are a senior sales strategist. Build a complete account plan for
%s from the research below.%s

Research findings:
%s

Respond with JSON only, using exactly this structure. Use "Not available"
for any string field the research does not cover and [] for any list
field with no data.

{
  "overview": {"name": "...", "founded": "...", "headquarters": "...", "industry": "...", "employee_count": "...", "revenue": "...", "description": "..."},
  "business_model": {"core_products": [], "revenue_streams": [], "target_market": "...", "value_proposition": "..."},
  "recent_news": {"items": [{"title": "...", "summary": "...", "date": "...", "source": "...", "url": "..."}], "key_themes": []},
  "leadership": {"executives": [{"name": "...", "title": "...", "background": "..."}], "recent_changes": "..."},
  "market_position": {"competitors": [{"name": "...", "differentiator": "..."}], "market_share": "...", "competitive_advantages": [], "competitive_weaknesses": []},
  "financial_health": {"funding_total": "...", "last_funding_round": "...", "revenue_growth": "...", "profitability": "...", "public_metrics": []},
  "pain_points": {"challenges": [], "industry_pressures": [], "opportunities": []},
  "engagement_strategy": {"approach": "...", "talking_points": [], "potential_objections": [], "recommended_contacts": []}
}`

const sectionEditorTemplate = `You are editing the %s section of an account plan for %s.

Current section content:
%s

Requested change: %s
%s
Apply the change and respond with JSON only: the complete updated
section, keeping the exact field structure of the current content.`

const conversationTemplate = `You are a helpful company research assistant. You research companies
and build sales account plans with these sections: overview, business
model, recent news, leadership, market position, financial health,
pain points, and engagement strategy.

Current session:
- Company under research: %s
- Plan exists: %t
- Session status: %s

%sReply conversationally in at most three sentences. If no research has
started, invite the user to name a company.`

// Behavioral hints appended to the conversation prompt per intent.
const (
	hintClarification = `The user's request was ambiguous. Ask one short clarifying question
instead of guessing.`
	hintOffTopic = `The user's message is off topic. Answer briefly if trivial, then steer
back to company research.`
	hintQuestion = `Answer the user's question from the research context below when it is
relevant, and say plainly when the research does not cover it.

Research context:
%s`
)

func intentClassifierPrompt(state *session.State, userText string) string {
	return fmt.Sprintf(intentClassifierTemplate,
		orDefault(state.Subject, "none"),
		state.Plan != nil,
		string(state.Status),
		orDefault(state.HistoryString(6), "(no prior messages)"),
		userText,
	)
}

func researchPlannerPrompt(company, focus string) string {
	focusLine := ""
	if focus != "" {
		focusLine = fmt.Sprintf("\nThe user asked to focus on: %s.", focus)
	}
	names := make([]string, 0, len(plan.Sections))
	for _, s := range plan.Sections {
		names = append(names, string(s))
	}
	return fmt.Sprintf(researchPlannerTemplate, company, focusLine, strings.Join(names, ", "))
}

func conflictDetectorPrompt(company, findings string) string {
	return fmt.Sprintf(conflictDetectorTemplate, company, findings)
}

func planGeneratorPrompt(company, focus, findings string) string {
	focusLine := ""
	if focus != "" {
		focusLine = fmt.Sprintf(" Emphasize %s throughout.", focus)
	}
	return fmt.Sprintf(planGeneratorTemplate, company, focusLine, findings)
}

func sectionEditorPrompt(section plan.Section, company, current, instructions, extra string) string {
	extraBlock := ""
	if extra != "" {
		extraBlock = fmt.Sprintf("\nAdditional research:\n%s\n", extra)
	}
	return fmt.Sprintf(sectionEditorTemplate, section, company, current, instructions, extraBlock)
}

func conversationPrompt(state *session.State, hint string) string {
	hintBlock := ""
	if hint != "" {
		hintBlock = hint + "\n\n"
	}
	return fmt.Sprintf(conversationTemplate,
		orDefault(state.Subject, "none"),
		state.Plan != nil,
		string(state.Status),
		hintBlock,
	)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

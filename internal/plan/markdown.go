package plan

import (
	"fmt"
	"strings"
)

// Markdown renders the plan as a Markdown document for export.
func (p *Plan) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Account Plan: %s\n\n", p.CompanyName)
	fmt.Fprintf(&b, "_Generated %s_\n\n", p.GeneratedAt.Format("2006-01-02 15:04 UTC"))
	if p.ResearchFocus != "" {
		fmt.Fprintf(&b, "Research focus: %s\n\n", p.ResearchFocus)
	}

	b.WriteString("## Company Overview\n\n")
	writeField(&b, "Founded", p.Overview.Founded)
	writeField(&b, "Headquarters", p.Overview.Headquarters)
	writeField(&b, "Industry", p.Overview.Industry)
	writeField(&b, "Employees", p.Overview.EmployeeCount)
	writeField(&b, "Revenue", p.Overview.Revenue)
	if p.Overview.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Overview.Description)
	}

	b.WriteString("\n## Business Model & Products\n\n")
	writeList(&b, "Core products", p.BusinessModel.CoreProducts)
	writeList(&b, "Revenue streams", p.BusinessModel.RevenueStreams)
	writeField(&b, "Target market", p.BusinessModel.TargetMarket)
	writeField(&b, "Value proposition", p.BusinessModel.ValueProposition)

	b.WriteString("\n## Recent News\n\n")
	for _, item := range p.RecentNews.Items {
		fmt.Fprintf(&b, "- **%s**", item.Title)
		if item.Date != "" {
			fmt.Fprintf(&b, " (%s)", item.Date)
		}
		if item.Summary != "" {
			fmt.Fprintf(&b, ": %s", item.Summary)
		}
		b.WriteString("\n")
	}
	writeList(&b, "Key themes", p.RecentNews.KeyThemes)

	b.WriteString("\n## Leadership\n\n")
	for _, l := range p.Leadership.Executives {
		fmt.Fprintf(&b, "- **%s**, %s", l.Name, l.Title)
		if l.Background != "" {
			fmt.Fprintf(&b, " — %s", l.Background)
		}
		b.WriteString("\n")
	}
	writeField(&b, "Recent changes", p.Leadership.RecentChanges)

	b.WriteString("\n## Market Position\n\n")
	for _, c := range p.MarketPosition.Competitors {
		fmt.Fprintf(&b, "- **%s**", c.Name)
		if c.Differentiator != "" {
			fmt.Fprintf(&b, ": %s", c.Differentiator)
		}
		b.WriteString("\n")
	}
	writeField(&b, "Market share", p.MarketPosition.MarketShare)
	writeList(&b, "Advantages", p.MarketPosition.CompetitiveAdvantages)
	writeList(&b, "Weaknesses", p.MarketPosition.CompetitiveWeaknesses)

	b.WriteString("\n## Financial Health\n\n")
	writeField(&b, "Total funding", p.FinancialHealth.FundingTotal)
	writeField(&b, "Last round", p.FinancialHealth.LastFundingRound)
	writeField(&b, "Revenue growth", p.FinancialHealth.RevenueGrowth)
	writeField(&b, "Profitability", p.FinancialHealth.Profitability)
	writeList(&b, "Public metrics", p.FinancialHealth.PublicMetrics)

	b.WriteString("\n## Pain Points\n\n")
	writeList(&b, "Challenges", p.PainPoints.Challenges)
	writeList(&b, "Industry pressures", p.PainPoints.IndustryPressures)
	writeList(&b, "Opportunities", p.PainPoints.Opportunities)

	b.WriteString("\n## Engagement Strategy\n\n")
	writeField(&b, "Approach", p.EngagementStrategy.Approach)
	writeList(&b, "Talking points", p.EngagementStrategy.TalkingPoints)
	writeList(&b, "Potential objections", p.EngagementStrategy.PotentialObjections)
	writeList(&b, "Recommended contacts", p.EngagementStrategy.RecommendedContacts)

	if len(p.Conflicts) > 0 {
		b.WriteString("\n## Unresolved Conflicts\n\n")
		for _, c := range p.Conflicts {
			fmt.Fprintf(&b, "- **%s** (%s): %q vs %q — %s\n",
				c.Topic, c.Severity, c.SourceA, c.SourceB, c.SuggestedResolution)
		}
	}

	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	if value != "" {
		fmt.Fprintf(b, "- %s: %s\n", label, value)
	}
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(items, "; "))
}

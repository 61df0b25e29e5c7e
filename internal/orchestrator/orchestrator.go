package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/orchestrator/internal/llm"
	"github.com/planforge/orchestrator/internal/metrics"
	"github.com/planforge/orchestrator/internal/plan"
	"github.com/planforge/orchestrator/internal/research"
	"github.com/planforge/orchestrator/internal/search"
	"github.com/planforge/orchestrator/internal/session"
	"github.com/planforge/orchestrator/internal/tracing"
)

// Progress is reported on a 0-100 scale. The research pipeline's own
// 0-100 progress is remapped into the 10-70 band so that classification,
// conflict analysis, and plan synthesis have room on either side.
const (
	progressPlanning     = 5
	progressResearchBase = 10
	progressResearchSpan = 60
	progressSynthesis    = 85
	progressComplete     = 100
)

// fallbackConfidence is assigned when the classifier itself is unavailable
// and the turn degrades to general chat.
const fallbackConfidence = 0.5

// conversationWindow is how many recent messages free-form replies see.
const conversationWindow = 6

// SessionStore is the session persistence surface the orchestrator needs.
// *session.Manager satisfies it.
type SessionStore interface {
	session.Store
	GetOrCreate(ctx context.Context, id string) (*session.State, error)
}

// Orchestrator processes conversation turns. All collaborators are injected;
// archive may be nil.
type Orchestrator struct {
	store    SessionStore
	gen      *llm.Resilient
	searcher search.Client
	pipeline *research.Pipeline
	archive  Archiver
	logger   *zap.Logger
}

func New(store SessionStore, gen *llm.Resilient, searcher search.Client, pipeline *research.Pipeline, archive Archiver, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		gen:      gen,
		searcher: searcher,
		pipeline: pipeline,
		archive:  archive,
		logger:   logger,
	}
}

// ProcessTurn handles one user message and returns the turn's event stream.
// The channel carries an intent event, any number of intermediate events, and
// a terminal done event, then closes. Cancelling ctx releases the turn even
// when the consumer stops reading; the channel still closes, possibly without
// the done event.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID, userText string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		o.runTurn(ctx, sessionID, userText, out)
	}()
	return out
}

// ProcessEdit applies a direct section edit, bypassing the intent classifier.
// Transports that carry the section and instructions explicitly use this
// instead of ProcessTurn. Same channel contract as ProcessTurn.
func (o *Orchestrator) ProcessEdit(ctx context.Context, sessionID, section, instructions string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		o.runEdit(ctx, sessionID, section, instructions, out)
	}()
	return out
}

// emit delivers ev to the turn's consumer, giving up once ctx is cancelled.
// A false return means the consumer is gone and the turn must unwind.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, sessionID, userText string, out chan<- Event) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.ProcessTurn")
	defer span.End()

	start := time.Now()
	metrics.TurnsStarted.Inc()

	state, err := o.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		o.logger.Error("Failed to load session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		if emit(ctx, out, Event{Type: EventError, Message: "Session storage is unavailable, please retry"}) {
			emit(ctx, out, Event{Type: EventDone})
		}
		metrics.RecordTurn("unknown", "error", time.Since(start).Seconds())
		return
	}

	state.AddMessage("user", userText)
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("Failed to checkpoint user message", zap.Error(err))
	}

	cls := o.classify(ctx, state, userText)
	metrics.IntentsClassified.WithLabelValues(string(cls.Intent)).Inc()
	if !emit(ctx, out, Event{Type: EventIntent, Intent: cls.Intent, Confidence: cls.Confidence}) {
		metrics.RecordTurn(string(cls.Intent), "cancelled", time.Since(start).Seconds())
		return
	}

	o.logger.Info("Turn classified",
		zap.String("session_id", state.ID),
		zap.String("intent", string(cls.Intent)),
		zap.Float64("confidence", cls.Confidence))

	status := "ok"
	switch cls.Intent {
	case IntentStartResearch:
		if cls.CompanyName == "" {
			o.converse(ctx, state, hintClarification, out)
			break
		}
		if !o.runResearch(ctx, state, cls.CompanyName, cls.FocusArea, out) {
			status = "error"
			break
		}
		if !o.generatePlan(ctx, state, out) {
			status = "error"
		}

	case IntentContinueResearch:
		if state.Subject == "" {
			o.converse(ctx, state, hintClarification, out)
			break
		}
		if !o.runResearch(ctx, state, state.Subject, cls.FocusArea, out) {
			status = "error"
			break
		}
		if !o.generatePlan(ctx, state, out) {
			status = "error"
		}

	case IntentGeneratePlan:
		if state.GetContext(session.ContextResearchData) == "" {
			emit(ctx, out, Event{Type: EventMessage, Message: "I don't have any research yet. Tell me which company to research first."})
			break
		}
		if !o.generatePlan(ctx, state, out) {
			status = "error"
		}

	case IntentEditSection:
		if !o.editSection(ctx, state, cls, userText, out) {
			status = "error"
		}

	case IntentExportPlan:
		if state.Plan == nil {
			emit(ctx, out, Event{Type: EventMessage, Message: "There is no plan to export yet. Research a company first."})
			break
		}
		emit(ctx, out, Event{Type: EventMessage, Message: state.Plan.Markdown()})

	case IntentAskQuestion:
		data := state.GetContext(session.ContextResearchData)
		if data == "" {
			data = "(no research collected yet)"
		}
		o.converse(ctx, state, fmt.Sprintf(hintQuestion, data), out)

	case IntentClarificationNeeded:
		o.converse(ctx, state, hintClarification, out)

	case IntentOffTopic:
		o.converse(ctx, state, hintOffTopic, out)

	default:
		// GENERAL_CHAT and anything the classifier invents land here.
		o.converse(ctx, state, "", out)
	}

	if ctx.Err() != nil {
		status = "cancelled"
	}
	emit(ctx, out, Event{Type: EventDone})
	metrics.RecordTurn(string(cls.Intent), status, time.Since(start).Seconds())
}

func (o *Orchestrator) runEdit(ctx context.Context, sessionID, section, instructions string, out chan<- Event) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.ProcessEdit")
	defer span.End()

	start := time.Now()
	metrics.TurnsStarted.Inc()

	state, err := o.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		o.logger.Error("Failed to load session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		if emit(ctx, out, Event{Type: EventError, Message: "Session storage is unavailable, please retry"}) {
			emit(ctx, out, Event{Type: EventDone})
		}
		metrics.RecordTurn("unknown", "error", time.Since(start).Seconds())
		return
	}

	cls := Classification{Intent: IntentEditSection, SectionToEdit: section, EditInstructions: instructions}
	status := "ok"
	if !o.editSection(ctx, state, cls, instructions, out) {
		status = "error"
	}
	if ctx.Err() != nil {
		status = "cancelled"
	}
	emit(ctx, out, Event{Type: EventDone})
	metrics.RecordTurn(string(IntentEditSection), status, time.Since(start).Seconds())
}

// classify runs the intent classifier. It never fails the turn: any
// classifier error degrades to GENERAL_CHAT at the fallback confidence.
func (o *Orchestrator) classify(ctx context.Context, state *session.State, userText string) Classification {
	fallback := Classification{Intent: IntentGeneralChat, Confidence: fallbackConfidence}

	raw, err := o.gen.GenerateStructured(ctx, intentClassifierPrompt(state, userText), "", 0.1, 0)
	if err != nil {
		o.logger.Warn("Intent classification failed, treating as general chat", zap.Error(err))
		return fallback
	}

	var cls Classification
	if err := json.Unmarshal(raw, &cls); err != nil {
		o.logger.Warn("Intent classifier returned an unexpected shape", zap.Error(err))
		return fallback
	}
	cls.Intent = Intent(strings.ToUpper(strings.TrimSpace(string(cls.Intent))))
	if cls.Intent == "" {
		return fallback
	}
	return cls
}

// runResearch plans queries, drives the pipeline, detects conflicts, and
// checkpoints the outcome. Reports false when the turn should stop.
func (o *Orchestrator) runResearch(ctx context.Context, state *session.State, company, focus string, out chan<- Event) bool {
	state.Subject = company
	state.Status = session.StatusResearching
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("Failed to checkpoint research start", zap.Error(err))
	}

	if !emit(ctx, out, Event{Type: EventStatus, Message: fmt.Sprintf("Planning research strategy for %s...", company), Progress: progressPlanning}) {
		return false
	}

	queries, err := o.planQueries(ctx, company, focus)
	if err != nil {
		o.failTurn(ctx, state, out, fmt.Sprintf("Could not plan research for %s: %v", company, err))
		return false
	}

	if !emit(ctx, out, Event{Type: EventStatus, Message: fmt.Sprintf("Running %d research queries...", len(queries)), Progress: progressResearchBase}) {
		return false
	}

	// Once the consumer is gone the loop keeps draining so the pipeline
	// goroutine can finish, but stops relaying.
	var findings map[string][]research.Finding
	abandoned := false
	for ev := range o.pipeline.Run(ctx, company, queries) {
		switch ev.Type {
		case research.EventProgress:
			if abandoned {
				continue
			}
			abandoned = !emit(ctx, out, Event{
				Type:     EventStatus,
				Message:  ev.Label,
				Progress: progressResearchBase + ev.Percent*progressResearchSpan/100,
			})
		case research.EventFinding:
			if abandoned {
				continue
			}
			preview := "Data collected"
			if ev.Finding != nil && ev.Finding.Answer != "" {
				preview = ev.Finding.Answer
				if len(preview) > 200 {
					preview = preview[:200]
				}
			}
			abandoned = !emit(ctx, out, Event{Type: EventResearchUpdate, Section: ev.Section, Preview: preview})
		case research.EventQueryFailed:
			o.logger.Warn("Research query failed, continuing",
				zap.String("section", ev.Section),
				zap.String("query", ev.Query),
				zap.Error(ev.Err))
		case research.EventComplete:
			findings = ev.Findings
		}
	}
	if abandoned || ctx.Err() != nil {
		return false
	}

	formatted := research.FormatFindings(findings)
	sources := research.SourceURLs(findings)

	if !emit(ctx, out, Event{Type: EventStatus, Message: "Checking findings for conflicts...", Progress: progressResearchBase + progressResearchSpan + 5}) {
		return false
	}
	report := o.detectConflicts(ctx, company, formatted)

	state.SetContext(session.ContextResearchData, formatted)
	state.SetContext(session.ContextFocusArea, focus)
	if encoded, err := json.Marshal(sources); err == nil {
		state.SetContext(contextSources, string(encoded))
	}
	if encoded, err := json.Marshal(report); err == nil {
		state.SetContext(contextConflicts, string(encoded))
	}
	if report.Found {
		state.Status = session.StatusConflictFound
		if !emit(ctx, out, Event{Type: EventConflicts, Conflicts: report.Conflicts, Recommendation: report.Recommendation}) {
			return false
		}
	} else {
		state.Status = session.StatusCompleted
	}
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("Failed to checkpoint research results", zap.Error(err))
	}

	return emit(ctx, out, Event{Type: EventStatus, Message: "Research complete. Generating account plan...", Progress: 80})
}

// Context bag keys private to the orchestrator's research-to-plan handoff.
const (
	contextSources   = "sources"
	contextConflicts = "conflicts"
)

func (o *Orchestrator) planQueries(ctx context.Context, company, focus string) ([]research.Query, error) {
	raw, err := o.gen.GenerateStructured(ctx, researchPlannerPrompt(company, focus), "", 0.3, 0)
	if err != nil {
		return nil, fmt.Errorf("plan research queries: %w", err)
	}
	var payload struct {
		Queries []research.Query `json:"queries"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode research queries: %w", err)
	}
	if len(payload.Queries) == 0 {
		return nil, fmt.Errorf("research planner produced no queries")
	}
	return payload.Queries, nil
}

// generatePlan synthesizes the account plan from the session's research
// context. A prior plan is left untouched on failure.
func (o *Orchestrator) generatePlan(ctx context.Context, state *session.State, out chan<- Event) bool {
	researchData := state.GetContext(session.ContextResearchData)
	focus := state.GetContext(session.ContextFocusArea)

	if !emit(ctx, out, Event{Type: EventStatus, Message: "Generating comprehensive account plan...", Progress: progressSynthesis}) {
		return false
	}

	prompt := planGeneratorPrompt(state.Subject, focus, researchData)

	// A schema-invalid payload is worth one regeneration before giving up,
	// same as a malformed one.
	var built *plan.Plan
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := o.gen.GenerateStructured(ctx, prompt, "", 0.4, 4)
		if err != nil {
			lastErr = err
			break
		}
		built, err = plan.FromPayload(state.Subject, focus, raw)
		if err == nil {
			break
		}
		lastErr = err
		o.logger.Warn("Plan payload failed validation, regenerating", zap.Error(err))
	}
	if built == nil {
		metrics.PlansGenerated.WithLabelValues("error").Inc()
		o.failTurn(ctx, state, out, fmt.Sprintf("Plan generation failed: %v", lastErr))
		return false
	}

	if encoded := state.GetContext(contextSources); encoded != "" {
		var sources []string
		if err := json.Unmarshal([]byte(encoded), &sources); err == nil {
			built.Sources = sources
		}
	}
	if encoded := state.GetContext(contextConflicts); encoded != "" {
		var report plan.ConflictReport
		if err := json.Unmarshal([]byte(encoded), &report); err == nil {
			built.Conflicts = report.Conflicts
		}
	}

	state.Plan = built
	state.Status = session.StatusCompleted
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("Failed to checkpoint generated plan", zap.Error(err))
	}
	metrics.PlansGenerated.WithLabelValues("ok").Inc()

	if o.archive != nil {
		if err := o.archive.SavePlan(ctx, state.ID, built); err != nil {
			o.logger.Warn("Failed to archive plan",
				zap.String("session_id", state.ID),
				zap.Error(err))
		}
	}

	if !emit(ctx, out, Event{Type: EventStatus, Message: "Account plan ready", Progress: progressComplete}) {
		return false
	}
	return emit(ctx, out, Event{Type: EventPlanComplete, Plan: built})
}

// editSection applies a requested change to exactly one plan section. All
// other sections and the session's research context are left untouched.
func (o *Orchestrator) editSection(ctx context.Context, state *session.State, cls Classification, userText string, out chan<- Event) bool {
	if state.Plan == nil {
		emit(ctx, out, Event{Type: EventError, Message: "There is no plan to edit yet. Research a company first."})
		return false
	}

	section, ok := plan.CanonicalSection(cls.SectionToEdit)
	if !ok {
		metrics.SectionEdits.WithLabelValues(cls.SectionToEdit, "unknown").Inc()
		emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("I don't recognize a %q section. Sections are: %s.", cls.SectionToEdit, sectionList())})
		return false
	}

	instructions := cls.EditInstructions
	if instructions == "" {
		instructions = userText
	}

	if !emit(ctx, out, Event{Type: EventMessage, Message: fmt.Sprintf("Updating the %s section...", section)}) {
		return false
	}

	// "More detail" style requests get a supplementary search pass; its
	// failure only means the editor works from existing content.
	extra := ""
	lowered := strings.ToLower(instructions)
	if strings.Contains(lowered, "more detail") || strings.Contains(lowered, "expand") {
		answer, err := search.QuickSearch(ctx, o.searcher, fmt.Sprintf("%s %s detailed information", state.Subject, section))
		if err != nil {
			o.logger.Warn("Supplementary search failed", zap.Error(err))
		} else {
			extra = answer
		}
	}

	current, err := state.Plan.SectionContent(section)
	if err != nil {
		emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("Could not read the %s section: %v", section, err)})
		return false
	}
	currentJSON, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("Could not read the %s section: %v", section, err)})
		return false
	}

	prompt := sectionEditorPrompt(section, state.Subject, string(currentJSON), instructions, extra)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, genErr := o.gen.GenerateStructured(ctx, prompt, "", 0.3, 0)
		if genErr != nil {
			lastErr = genErr
			break
		}
		lastErr = state.Plan.ReplaceSection(section, raw)
		if lastErr == nil {
			break
		}
		o.logger.Warn("Edited section failed validation, regenerating",
			zap.String("section", string(section)),
			zap.Error(lastErr))
	}
	if lastErr != nil {
		metrics.SectionEdits.WithLabelValues(string(section), "error").Inc()
		emit(ctx, out, Event{Type: EventError, Message: fmt.Sprintf("Could not update the %s section: %v", section, lastErr)})
		return false
	}

	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("Failed to checkpoint section edit", zap.Error(err))
	}
	metrics.SectionEdits.WithLabelValues(string(section), "ok").Inc()

	updated, _ := state.Plan.SectionContent(section)
	return emit(ctx, out, Event{Type: EventSectionUpdated, Section: string(section), Content: updated})
}

// converse produces a free-form assistant reply, optionally steered by a
// behavioral hint. The recent history, including the message that started
// this turn, is sent as structured chat messages.
func (o *Orchestrator) converse(ctx context.Context, state *session.State, hint string, out chan<- Event) {
	history := state.RecentHistory(conversationWindow)
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := o.gen.GenerateChat(ctx, msgs, conversationPrompt(state, hint), 0.7)
	if err != nil {
		o.logger.Warn("Conversation reply failed", zap.Error(err))
		emit(ctx, out, Event{Type: EventError, Message: "I couldn't produce a reply just now, please try again."})
		return
	}
	state.AddMessage("assistant", reply)
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("Failed to checkpoint assistant reply", zap.Error(err))
	}
	emit(ctx, out, Event{Type: EventMessage, Message: reply})
}

// failTurn records a turn-scoped failure: the session is marked errored but
// stays usable for the next turn.
func (o *Orchestrator) failTurn(ctx context.Context, state *session.State, out chan<- Event, msg string) {
	state.Status = session.StatusError
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("Failed to checkpoint error status", zap.Error(err))
	}
	emit(ctx, out, Event{Type: EventError, Message: msg})
}

func sectionList() string {
	names := make([]string, 0, len(plan.Sections))
	for _, s := range plan.Sections {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

package orchestrator

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/orchestrator/internal/llm"
	"github.com/planforge/orchestrator/internal/plan"
	"github.com/planforge/orchestrator/internal/research"
	"github.com/planforge/orchestrator/internal/search"
	"github.com/planforge/orchestrator/internal/session"
)

// memStore is an in-memory SessionStore.
type memStore struct {
	states map[string]*session.State
}

func newMemStore() *memStore {
	return &memStore{states: map[string]*session.State{}}
}

func (s *memStore) Load(ctx context.Context, id string) (*session.State, error) {
	if st, ok := s.states[id]; ok {
		return st, nil
	}
	return nil, session.ErrSessionNotFound
}

func (s *memStore) Save(ctx context.Context, st *session.State) error {
	st.UpdatedAt = time.Now().UTC()
	s.states[st.ID] = st
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	delete(s.states, id)
	return nil
}

func (s *memStore) ListSummaries(ctx context.Context) ([]session.Summary, error) {
	var out []session.Summary
	for _, st := range s.states {
		out = append(out, st.Summary())
	}
	return out, nil
}

func (s *memStore) GetOrCreate(ctx context.Context, id string) (*session.State, error) {
	if st, ok := s.states[id]; ok {
		return st, nil
	}
	st := &session.State{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Status:    session.StatusIdle,
		Context:   map[string]string{},
	}
	s.states[id] = st
	return st, nil
}

// route maps a prompt fragment to a canned completion.
type route struct {
	match string
	text  string
	err   error
}

// routedClient answers generation requests by matching prompt or system text
// against registered routes.
type routedClient struct {
	routes []route
	calls  []llm.Request
}

func (c *routedClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.calls = append(c.calls, req)
	haystack := req.System
	for _, m := range req.Messages {
		haystack += "\n" + m.Content
	}
	for _, r := range c.routes {
		if strings.Contains(haystack, r.match) {
			if r.err != nil {
				return nil, r.err
			}
			return &llm.Response{Text: r.text}, nil
		}
	}
	return nil, errors.New("no route matched: " + haystack[:min(120, len(haystack))])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fakeSearcher returns a fixed answer for every query.
type fakeSearcher struct {
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	f.queries = append(f.queries, req.Query)
	return &search.Response{
		Query:  req.Query,
		Answer: "Acme Corp is a robotics company headquartered in Springfield with about 500 employees.",
		Results: []search.Result{
			{Title: "Acme Corp - About", URL: "https://acme.test/about", Content: "Acme Corp builds industrial robots."},
		},
	}, nil
}

// memArchiver records archived plans.
type memArchiver struct {
	saved []string
}

func (a *memArchiver) SavePlan(ctx context.Context, sessionID string, p *plan.Plan) error {
	a.saved = append(a.saved, p.CompanyName)
	return nil
}

const validPlanJSON = `{
	"overview": {"name": "Acme Corp", "industry": "Robotics", "headquarters": "Springfield", "description": "Builds industrial robots."},
	"business_model": {"core_products": ["robot arms"], "revenue_streams": ["hardware sales"], "target_market": "manufacturers"},
	"recent_news": {"items": [], "key_themes": []},
	"leadership": {"executives": [{"name": "Jordan Smith", "title": "CEO"}]},
	"market_position": {"competitors": [], "competitive_advantages": ["Not available"], "competitive_weaknesses": []},
	"financial_health": {"funding_total": "$50M", "public_metrics": "N/A"},
	"pain_points": {"challenges": ["supply chain"], "industry_pressures": [], "opportunities": []},
	"engagement_strategy": {"approach": "technical demo first", "talking_points": [], "potential_objections": [], "recommended_contacts": []}
}`

func researchRoutes() []route {
	return []route{
		{match: "intent classifier", text: `{"intent": "START_RESEARCH", "company_name": "Acme Corp", "confidence": 0.95}`},
		{match: "research strategist", text: `{"queries": [
			{"query": "Acme Corp company overview", "section": "overview", "priority": 1},
			{"query": "Acme Corp funding", "section": "financial_health", "priority": 2}
		]}`},
		{match: "for contradictions", text: `{"conflicts_found": false, "conflicts": [], "recommendation": "Sources agree."}`},
		{match: "senior sales strategist", text: validPlanJSON},
	}
}

func newTestOrchestrator(client llm.Client, store SessionStore, arc Archiver) (*Orchestrator, *fakeSearcher) {
	logger := zap.NewNop()
	gen := llm.NewResilient(client, time.Millisecond, logger)
	searcher := &fakeSearcher{}
	pipeline := research.NewPipeline(searcher, time.Millisecond, logger)
	return New(store, gen, searcher, pipeline, arc, logger), searcher
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("turn did not finish")
		}
	}
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestResearchTurnProducesPlan(t *testing.T) {
	store := newMemStore()
	arc := &memArchiver{}
	client := &routedClient{routes: researchRoutes()}
	orch, searcher := newTestOrchestrator(client, store, arc)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "Research Acme Corp"))

	// intent first, done last
	require.NotEmpty(t, events)
	assert.Equal(t, EventIntent, events[0].Type)
	assert.Equal(t, IntentStartResearch, events[0].Intent)
	assert.InDelta(t, 0.95, events[0].Confidence, 1e-9)
	assert.Equal(t, EventDone, events[len(events)-1].Type)

	// both planned queries executed in priority order
	assert.Equal(t, []string{"Acme Corp company overview", "Acme Corp funding"}, searcher.queries)

	// progress never regresses
	var lastProgress int
	for _, ev := range eventsOfType(events, EventStatus) {
		assert.GreaterOrEqual(t, ev.Progress, lastProgress)
		lastProgress = ev.Progress
	}
	assert.Equal(t, 100, lastProgress)

	updates := eventsOfType(events, EventResearchUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, "overview", updates[0].Section)
	assert.NotEmpty(t, updates[0].Preview)

	completes := eventsOfType(events, EventPlanComplete)
	require.Len(t, completes, 1)
	p := completes[0].Plan
	require.NotNil(t, p)
	assert.Equal(t, "Acme Corp", p.CompanyName)
	assert.Equal(t, "Robotics", p.Overview.Industry)
	assert.Empty(t, p.FinancialHealth.PublicMetrics, "sentinel strings become empty lists")
	assert.Contains(t, p.Sources, "https://acme.test/about")

	// session checkpointed
	state := store.states["sess-1"]
	require.NotNil(t, state)
	assert.Equal(t, "Acme Corp", state.Subject)
	assert.Equal(t, session.StatusCompleted, state.Status)
	require.NotNil(t, state.Plan)
	assert.NotEmpty(t, state.GetContext(session.ContextResearchData))

	assert.Equal(t, []string{"Acme Corp"}, arc.saved)
}

func TestResearchTurnSurfacesConflicts(t *testing.T) {
	routes := researchRoutes()
	routes[2] = route{match: "for contradictions", text: `{
		"conflicts_found": true,
		"conflicts": [{"topic": "employee count", "source_1": "500", "source_2": "1200", "severity": "medium", "suggested_resolution": "Prefer the newer filing."}],
		"recommendation": "Verify headcount before outreach."
	}`}
	store := newMemStore()
	client := &routedClient{routes: routes}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "Research Acme Corp"))

	conflicts := eventsOfType(events, EventConflicts)
	require.Len(t, conflicts, 1)
	require.Len(t, conflicts[0].Conflicts, 1)
	assert.Equal(t, "employee count", conflicts[0].Conflicts[0].Topic)
	assert.Equal(t, "Verify headcount before outreach.", conflicts[0].Recommendation)

	// conflicts still end in a plan carrying them
	completes := eventsOfType(events, EventPlanComplete)
	require.Len(t, completes, 1)
	require.Len(t, completes[0].Plan.Conflicts, 1)
}

func TestEditSectionChangesOnlyTarget(t *testing.T) {
	store := newMemStore()
	state, _ := store.GetOrCreate(context.Background(), "sess-1")
	state.Subject = "Acme Corp"
	state.Status = session.StatusCompleted
	var err error
	state.Plan, err = plan.FromPayload("Acme Corp", "", []byte(validPlanJSON))
	require.NoError(t, err)

	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "EDIT_SECTION", "section_to_edit": "financials", "edit_instructions": "add more detail about funding rounds", "confidence": 0.9}`},
		{match: "You are editing the", text: `{"funding_total": "$75M", "last_funding_round": "Series C", "public_metrics": []}`},
	}}
	orch, searcher := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "add more detail to the financials"))

	updated := eventsOfType(events, EventSectionUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "financial_health", updated[0].Section)

	assert.Equal(t, "$75M", state.Plan.FinancialHealth.FundingTotal)
	assert.Equal(t, "Series C", state.Plan.FinancialHealth.LastFundingRound)

	// other sections untouched
	assert.Equal(t, "Robotics", state.Plan.Overview.Industry)
	assert.Equal(t, []string{"robot arms"}, state.Plan.BusinessModel.CoreProducts)

	// "more detail" triggered a supplementary search
	require.Len(t, searcher.queries, 1)
	assert.Contains(t, searcher.queries[0], "financial_health")
}

func TestEditSectionUnknownName(t *testing.T) {
	store := newMemStore()
	state, _ := store.GetOrCreate(context.Background(), "sess-1")
	var err error
	state.Plan, err = plan.FromPayload("Acme Corp", "", []byte(validPlanJSON))
	require.NoError(t, err)

	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "EDIT_SECTION", "section_to_edit": "weather", "confidence": 0.9}`},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "update the weather section"))

	errs := eventsOfType(events, EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "weather")
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestEditSectionWithoutPlan(t *testing.T) {
	store := newMemStore()
	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "EDIT_SECTION", "section_to_edit": "overview", "confidence": 0.9}`},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "edit the overview"))
	errs := eventsOfType(events, EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "no plan")
}

func TestClassifierFailureFallsBackToChat(t *testing.T) {
	store := newMemStore()
	client := &routedClient{routes: []route{
		{match: "intent classifier", err: errors.New("upstream down")},
		{match: "helpful company research assistant", text: "Hello! Which company should I research for you?"},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "hey there"))

	require.NotEmpty(t, events)
	assert.Equal(t, EventIntent, events[0].Type)
	assert.Equal(t, IntentGeneralChat, events[0].Intent)
	assert.LessOrEqual(t, events[0].Confidence, 0.5)

	msgs := eventsOfType(events, EventMessage)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "Which company")
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestGeneratePlanWithoutResearch(t *testing.T) {
	store := newMemStore()
	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "GENERATE_PLAN", "confidence": 0.9}`},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "generate the plan"))
	msgs := eventsOfType(events, EventMessage)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "research")
}

func TestExportPlan(t *testing.T) {
	store := newMemStore()
	state, _ := store.GetOrCreate(context.Background(), "sess-1")
	var err error
	state.Plan, err = plan.FromPayload("Acme Corp", "", []byte(validPlanJSON))
	require.NoError(t, err)

	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "EXPORT_PLAN", "confidence": 0.9}`},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "export the plan"))
	msgs := eventsOfType(events, EventMessage)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "# Account Plan: Acme Corp")
}

func TestContinueResearchWithoutSubject(t *testing.T) {
	store := newMemStore()
	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "CONTINUE_RESEARCH", "confidence": 0.8}`},
		{match: "helpful company research assistant", text: "Which company would you like me to look into?"},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "dig deeper"))
	msgs := eventsOfType(events, EventMessage)
	require.Len(t, msgs, 1)
	assert.Empty(t, eventsOfType(events, EventPlanComplete))
}

func TestPlannerFailureMarksSessionErrored(t *testing.T) {
	store := newMemStore()
	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "START_RESEARCH", "company_name": "Acme Corp", "confidence": 0.9}`},
		{match: "research strategist", err: errors.New("planner unavailable")},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "Research Acme Corp"))

	errs := eventsOfType(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
	assert.Equal(t, session.StatusError, store.states["sess-1"].Status)

	// next turn still works
	client.routes = append(client.routes, route{match: "helpful company research assistant", text: "Still here."})
	more := collect(t, orch.ProcessTurn(context.Background(), "sess-1", "hello?"))
	assert.Equal(t, EventDone, more[len(more)-1].Type)
}

func TestDetectConflictsShortCircuit(t *testing.T) {
	// gen that fails loudly if called
	client := &routedClient{}
	orch, _ := newTestOrchestrator(client, newMemStore(), nil)

	report := orch.detectConflicts(context.Background(), "Acme Corp", "too short")
	assert.False(t, report.Found)
	assert.NotNil(t, report.Conflicts)
	assert.Empty(t, client.calls, "detector must not run on trivial findings")
}

func TestDetectConflictsDegradesOnFailure(t *testing.T) {
	client := &routedClient{routes: []route{
		{match: "for contradictions", err: errors.New("detector down")},
	}}
	orch, _ := newTestOrchestrator(client, newMemStore(), nil)

	findings := strings.Repeat("Acme Corp shipped a new robot line this quarter. ", 5)
	report := orch.detectConflicts(context.Background(), "Acme Corp", findings)
	assert.False(t, report.Found)
	assert.Contains(t, report.Recommendation, "unavailable")
}

func TestAbandonedTurnStops(t *testing.T) {
	store := newMemStore()
	client := &routedClient{routes: researchRoutes()}
	orch, _ := newTestOrchestrator(client, store, nil)

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	events := orch.ProcessTurn(ctx, "sess-1", "Research Acme Corp")
	<-events
	cancel()
	// nobody reads the rest of the channel

	released := false
	for i := 0; i < 200; i++ {
		if runtime.NumGoroutine() <= before {
			released = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, released, "turn goroutine still running after the consumer went away")
}

func TestDirectSectionEdit(t *testing.T) {
	store := newMemStore()
	state, _ := store.GetOrCreate(context.Background(), "sess-1")
	state.Subject = "Acme Corp"
	state.Status = session.StatusCompleted
	var err error
	state.Plan, err = plan.FromPayload("Acme Corp", "", []byte(validPlanJSON))
	require.NoError(t, err)

	client := &routedClient{routes: []route{
		{match: "You are editing the", text: `{"funding_total": "$75M", "last_funding_round": "Series C", "public_metrics": []}`},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	events := collect(t, orch.ProcessEdit(context.Background(), "sess-1", "financials", "update the funding totals"))

	assert.Equal(t, EventDone, events[len(events)-1].Type)
	updated := eventsOfType(events, EventSectionUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "financial_health", updated[0].Section)
	assert.Equal(t, "$75M", state.Plan.FinancialHealth.FundingTotal)

	// the classifier is bypassed; only the editor ran
	require.Len(t, client.calls, 1)
}

func TestConversationUsesChatHistory(t *testing.T) {
	store := newMemStore()
	state, _ := store.GetOrCreate(context.Background(), "sess-1")
	state.AddMessage("user", "hi")
	state.AddMessage("assistant", "Hello! Name a company to research.")

	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "GENERAL_CHAT", "confidence": 0.9}`},
		{match: "helpful company research assistant", text: "Acme sounds good."},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	collect(t, orch.ProcessTurn(context.Background(), "sess-1", "what about Acme?"))

	require.Len(t, client.calls, 2)
	chat := client.calls[1]
	assert.Contains(t, chat.System, "helpful company research assistant")
	require.Len(t, chat.Messages, 3)
	assert.Equal(t, "user", chat.Messages[0].Role)
	assert.Equal(t, "hi", chat.Messages[0].Content)
	assert.Equal(t, "assistant", chat.Messages[1].Role)
	assert.Equal(t, "user", chat.Messages[2].Role)
	assert.Equal(t, "what about Acme?", chat.Messages[2].Content)
}

func TestConversationRecordsAssistantReply(t *testing.T) {
	store := newMemStore()
	client := &routedClient{routes: []route{
		{match: "intent classifier", text: `{"intent": "GENERAL_CHAT", "confidence": 0.9}`},
		{match: "helpful company research assistant", text: "Hi! Name a company to get started."},
	}}
	orch, _ := newTestOrchestrator(client, store, nil)

	collect(t, orch.ProcessTurn(context.Background(), "sess-1", "hello"))

	msgs := store.states["sess-1"].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}

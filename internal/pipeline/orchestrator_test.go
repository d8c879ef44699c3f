package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"company-intel/internal/connector"
	"company-intel/internal/fanout"
	"company-intel/internal/llm"
	"company-intel/internal/memory"
	"company-intel/internal/models"
	"company-intel/internal/runs"
	"company-intel/internal/store"
)

// runStore is an in-memory runs.Store.
type runStore struct {
	mu    sync.Mutex
	seq   int
	runs  map[string]*models.Run
	steps []*models.RunStep
	// panicOnce makes the next FinalizeRun panic.
	panicOnce bool
}

func newRunStore() *runStore { return &runStore{runs: map[string]*models.Run{}} }

func (s *runStore) CreateRun(_ context.Context, p store.CreateRunParams) (models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r := &models.Run{ID: fmt.Sprintf("run-%d", s.seq), TenantID: p.TenantID, JobID: p.JobID, Trigger: p.Trigger, Status: models.RunRunning, StartedAt: time.Now()}
	s.runs[r.ID] = r
	return *r, nil
}

func (s *runStore) FinalizeRun(_ context.Context, id string, status models.RunStatus, summary *string, at time.Time, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOnce {
		s.panicOnce = false
		panic("finalize exploded")
	}
	r := s.runs[id]
	if r == nil || r.Status != models.RunRunning {
		return store.ErrRunNotRunning
	}
	r.Status, r.OutputSummary, r.CompletedAt, r.DurationMs = status, summary, &at, &ms
	return nil
}

func (s *runStore) CreateStep(_ context.Context, runID, conn string, _ any) (models.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	st := &models.RunStep{ID: fmt.Sprintf("step-%d", s.seq), RunID: runID, Connector: conn, Status: models.StepRunning}
	s.steps = append(s.steps, st)
	return *st, nil
}

func (s *runStore) CompleteStep(_ context.Context, id string, status models.StepStatus, _ any, errMsg *string, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.steps {
		if st.ID == id {
			st.Status, st.ErrorMessage, st.DurationMs = status, errMsg, &ms
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *runStore) only(t *testing.T) *models.Run {
	t.Helper()
	require.Len(t, s.runs, 1)
	for _, r := range s.runs {
		return r
	}
	return nil
}

// threadStore is an in-memory memory.Store.
type threadStore struct {
	mu        sync.Mutex
	threads   map[string]*models.ThreadMemory
	failWrite bool
}

func newThreadStore() *threadStore { return &threadStore{threads: map[string]*models.ThreadMemory{}} }

func (s *threadStore) UpdateThread(_ context.Context, tenantID, key string, fn func(*models.ThreadMemory) error) (*models.ThreadMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tenantID+"/"+key]
	if !ok {
		t = &models.ThreadMemory{TenantID: tenantID, ThreadKey: key}
	}
	cp := *t
	cp.Messages = append([]models.MemoryMessage(nil), t.Messages...)
	if err := fn(&cp); err != nil {
		return nil, err
	}
	if s.failWrite && len(cp.Messages) != len(t.Messages) {
		return nil, errors.New("connection reset")
	}
	s.threads[tenantID+"/"+key] = &cp
	out := cp
	return &out, nil
}

func (s *threadStore) GetThread(_ context.Context, tenantID, key string) (*models.ThreadMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tenantID+"/"+key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *threadStore) ListThreads(context.Context, string, int, int) ([]models.ThreadSummary, error) {
	return nil, nil
}

type fakeCreds struct {
	records   []models.ConnectorRecord
	providers []models.ProviderConfig
	token     string
}

func (f fakeCreds) EnabledConnectors(context.Context, string) ([]models.ConnectorRecord, error) {
	return f.records, nil
}

func (f fakeCreds) ProviderChain(context.Context, string) ([]models.ProviderConfig, error) {
	return f.providers, nil
}

func (f fakeCreds) SlackBotToken(context.Context, string, string) (string, error) {
	if f.token == "" {
		return "", store.ErrNotFound
	}
	return f.token, nil
}

type fakeChat struct {
	text  string
	err   error
	panic bool
	got   llm.Request
}

func (f *fakeChat) Chat(_ context.Context, _ []models.ProviderConfig, req llm.Request) (llm.Response, error) {
	f.got = req
	if f.panic {
		panic("provider sdk exploded")
	}
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.text, Provider: "openai", Model: "gpt-5-mini", Attempts: 1}, nil
}

type fakeReply struct {
	err   error
	token string
	dest  models.SlackContext
	text  string
	calls int
}

func (f *fakeReply) PostReply(_ context.Context, token string, dest models.SlackContext, text string) error {
	f.calls++
	f.token, f.dest, f.text = token, dest, text
	return f.err
}

type fakeErrors struct {
	mu   sync.Mutex
	rows []models.ErrorLog
}

func (f *fakeErrors) InsertErrorLog(_ context.Context, e models.ErrorLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, e)
	return nil
}

func (f *fakeErrors) sources() []string {
	out := make([]string, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r.Source)
	}
	return out
}

type harness struct {
	runs    *runStore
	threads *threadStore
	chat    *fakeChat
	reply   *fakeReply
	errs    *fakeErrors
	orch    *Orchestrator
	mem     *memory.Manager
}

func newHarness(t *testing.T, creds fakeCreds, client *http.Client) *harness {
	t.Helper()
	h := &harness{
		runs:    newRunStore(),
		threads: newThreadStore(),
		chat:    &fakeChat{text: "Acme is a key account."},
		reply:   &fakeReply{},
		errs:    &fakeErrors{},
	}
	tracker := runs.NewTracker(h.runs, nil)
	h.mem = memory.NewManager(h.threads, nil)
	h.orch = New(Deps{
		Credentials: creds,
		Memory:      h.mem,
		Tracker:     tracker,
		Fanout:      fanout.NewExecutor(tracker, connector.Options{HTTPClient: client}, nil),
		LLM:         h.chat,
		Reply:       h.reply,
		Errors:      h.errs,
		MaxTokens:   512,
	})
	return h
}

func customREST(t *testing.T, id, name, url string) models.ConnectorRecord {
	t.Helper()
	raw, err := json.Marshal(connector.CustomRESTConfig{Name: name, BaseURL: url})
	require.NoError(t, err)
	return models.ConnectorRecord{ID: id, TenantID: "tenant-a", Type: string(connector.TypeCustomREST), Name: name, Config: raw}
}

func slackJob() models.EnrichmentJob {
	return models.EnrichmentJob{
		TenantID:    "tenant-a",
		ThreadKey:   "T1",
		UserMessage: "what do we know about acme?",
		Slack:       &models.SlackContext{TeamID: "TEAM", ChannelID: "C1", ThreadTS: "1700000000.000100"},
	}
}

func TestProcessDegradedScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[{"name":"Acme","description":"key account"},{"title":"Acme EU"}]`))
	}))
	defer srv.Close()

	h := newHarness(t, fakeCreds{
		records: []models.ConnectorRecord{
			customREST(t, "c1", "crm", srv.URL+"/search"),
			customREST(t, "c2", "erp", srv.URL+"/down"),
		},
		token: "xoxb-team",
	}, srv.Client())
	h.chat.text = strings.Repeat("long answer ", 100)

	out, err := h.orch.Process(context.Background(), slackJob())
	require.NoError(t, err)

	assert.Equal(t, models.RunDegraded, out.Status)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, "openai", out.Provider)

	run := h.runs.only(t)
	assert.Equal(t, models.RunDegraded, run.Status)
	assert.Equal(t, models.TriggerSlackMention, run.Trigger)
	require.NotNil(t, run.OutputSummary)
	assert.LessOrEqual(t, len([]rune(*run.OutputSummary)), models.OutputSummaryLimit)

	require.Len(t, h.runs.steps, 2)
	statuses := map[models.StepStatus]int{}
	for _, st := range h.runs.steps {
		statuses[st.Status]++
	}
	assert.Equal(t, map[models.StepStatus]int{models.StepCompleted: 1, models.StepFailed: 1}, statuses)

	mem, err := h.mem.GetThread(context.Background(), "tenant-a", "T1")
	require.NoError(t, err)
	require.Len(t, mem.Messages, 2)
	assert.Equal(t, models.RoleUser, mem.Messages[0].Role)
	assert.Equal(t, "what do we know about acme?", mem.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, mem.Messages[1].Role)

	assert.Equal(t, 1, h.reply.calls)
	assert.Equal(t, "xoxb-team", h.reply.token)
	assert.Equal(t, "1700000000.000100", h.reply.dest.ThreadTS)

	last := h.chat.got.Messages[len(h.chat.got.Messages)-1]
	assert.Contains(t, last.Content, "User query: what do we know about acme?")
	assert.Contains(t, last.Content, "[CUSTOM_REST] (2 results):\n  • Acme: key account")
	assert.Contains(t, last.Content, "[CUSTOM_REST]: Error — erp returned HTTP 500")
	assert.Equal(t, SystemPrompt, h.chat.got.System)
	assert.Equal(t, 512, h.chat.got.MaxTokens)
	assert.Empty(t, h.errs.rows)
}

func TestProcessLLMFailureRepliesWithApology(t *testing.T) {
	h := newHarness(t, fakeCreds{token: "xoxb-team"}, nil)
	h.chat.err = &llm.ChainError{Attempts: []llm.Attempt{{Provider: "openai", Err: errors.New("429")}}}

	out, err := h.orch.Process(context.Background(), slackJob())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, out.Status)
	assert.Equal(t, Apology, h.reply.text)
	assert.Equal(t, []string{SourceLLM}, h.errs.sources())

	mem, err := h.mem.GetThread(context.Background(), "tenant-a", "T1")
	require.NoError(t, err)
	assert.Equal(t, Apology, mem.Messages[1].Content)
}

func TestProcessZeroConnectorsAnswersFromMemory(t *testing.T) {
	h := newHarness(t, fakeCreds{}, nil)
	_, err := h.mem.Append(context.Background(), "tenant-a", "T1",
		models.MemoryMessage{Role: models.RoleUser, Content: "earlier question"},
		models.MemoryMessage{Role: models.RoleAssistant, Content: "earlier answer"},
	)
	require.NoError(t, err)

	job := slackJob()
	job.Slack = nil
	out, err := h.orch.Process(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, out.Status)
	assert.Zero(t, h.reply.calls)
	require.Len(t, h.chat.got.Messages, 3)
	assert.Equal(t, "earlier question", h.chat.got.Messages[0].Content)
	assert.Equal(t, job.UserMessage, h.chat.got.Messages[2].Content)
	assert.Equal(t, models.TriggerAPI, h.runs.only(t).Trigger)
}

func TestProcessReplyFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, fakeCreds{token: "xoxb-team"}, nil)
	h.reply.err = errors.New("Slack chat.postMessage failed: not_in_channel")

	out, err := h.orch.Process(context.Background(), slackJob())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, out.Status)
	assert.Equal(t, []string{SourceReply}, h.errs.sources())
}

func TestProcessMissingWorkspaceSkipsReply(t *testing.T) {
	h := newHarness(t, fakeCreds{}, nil)
	out, err := h.orch.Process(context.Background(), slackJob())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, out.Status)
	assert.Zero(t, h.reply.calls)
}

func TestProcessPersistenceFailureMarksRunFailed(t *testing.T) {
	h := newHarness(t, fakeCreds{}, nil)
	h.threads.failWrite = true

	out, err := h.orch.Process(context.Background(), slackJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append thread memory")
	assert.Equal(t, models.RunFailed, out.Status)
	assert.Equal(t, models.RunFailed, h.runs.only(t).Status)
	assert.Equal(t, []string{SourcePipeline}, h.errs.sources())
}

func TestProcessPanicMarksRunFailed(t *testing.T) {
	h := newHarness(t, fakeCreds{}, nil)
	h.runs.panicOnce = true

	out, err := h.orch.Process(context.Background(), slackJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalize exploded")
	assert.Equal(t, models.RunFailed, out.Status)
	assert.Equal(t, models.RunFailed, h.runs.only(t).Status)
	assert.Equal(t, []string{SourcePipeline}, h.errs.sources())
}

func TestProcessLLMPanicRepliesWithApology(t *testing.T) {
	h := newHarness(t, fakeCreds{token: "xoxb-team"}, nil)
	h.chat.panic = true

	out, err := h.orch.Process(context.Background(), slackJob())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, out.Status)
	assert.Equal(t, models.RunCompleted, h.runs.only(t).Status)
	assert.Equal(t, Apology, h.reply.text)
	assert.Equal(t, []string{SourceLLM}, h.errs.sources())
	assert.Contains(t, h.errs.rows[0].Message, "provider sdk exploded")
}

type panickingReply struct{ calls int }

func (p *panickingReply) PostReply(context.Context, string, models.SlackContext, string) error {
	p.calls++
	panic("slack client exploded")
}

func TestProcessReplyPanicIsNonFatal(t *testing.T) {
	h := newHarness(t, fakeCreds{token: "xoxb-team"}, nil)
	rp := &panickingReply{}
	h.orch.d.Reply = rp

	out, err := h.orch.Process(context.Background(), slackJob())
	require.NoError(t, err)
	assert.Equal(t, 1, rp.calls)
	assert.Equal(t, models.RunCompleted, out.Status)
	assert.Equal(t, models.RunCompleted, h.runs.only(t).Status)
	assert.Equal(t, []string{SourceReply}, h.errs.sources())

	mem, err := h.mem.GetThread(context.Background(), "tenant-a", "T1")
	require.NoError(t, err)
	assert.Len(t, mem.Messages, 2)
}

// stalledProvider blocks until its context ends.
type stalledProvider struct{}

func (stalledProvider) Chat(ctx context.Context, _ llm.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type staticProvider string

func (p staticProvider) Chat(context.Context, llm.Request) (string, error) { return string(p), nil }

func TestProcessFallsBackWhenPrimaryProviderHangs(t *testing.T) {
	h := newHarness(t, fakeCreds{
		token: "xoxb-team",
		providers: []models.ProviderConfig{
			{Provider: "openai", Model: "gpt-5-mini", APIKey: "sk-1", Enabled: true, Priority: 1},
			{Provider: "anthropic", Model: "claude-sonnet-4-6", APIKey: "sk-2", Enabled: true, Priority: 2},
		},
	}, nil)
	h.orch.d.LLM = llm.NewChain(func(cfg models.ProviderConfig) (llm.Provider, error) {
		if cfg.Provider == "openai" {
			return stalledProvider{}, nil
		}
		return staticProvider("Acme renewed in March."), nil
	}, nil, nil).WithAttemptTimeout(50 * time.Millisecond)

	out, err := h.orch.Process(context.Background(), slackJob())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, out.Status)
	assert.Equal(t, "anthropic", out.Provider)
	assert.Equal(t, "Acme renewed in March.", h.reply.text)
	assert.Empty(t, h.errs.rows)
}

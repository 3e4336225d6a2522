// Package assistanttest provides an in-memory assistant.Gateway for tests.
package assistanttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/platepal/pkg/assistant"
)

// ErrThrottled is a rate-limit error as the gateway would surface it.
var ErrThrottled = fmt.Errorf("poll run: %w", assistant.ErrRateLimited)

// Step is what one PollRun call reports. The last step of a script repeats.
type Step struct {
	Status    assistant.RunStatus
	ToolCalls []assistant.ToolCallRequest
	Replies   []string
	LastError string
	Err       error
}

// Completed is the common single-step script: the run finishes with replies.
func Completed(replies ...string) []Step {
	return []Step{{Status: assistant.RunCompleted, Replies: replies}}
}

type fakeRun struct {
	sessionID string
	agentID   string
	steps     []Step
	idx       int
	replied   bool
}

// Fake implements assistant.Gateway against in-memory state.
type Fake struct {
	// Script returns the poll steps for a new run. Nil completes every run
	// with a single greeting.
	Script func(sessionID, agentID string) []Step
	// Transcript is returned by TranscribeAudio.
	Transcript string

	mu          sync.Mutex
	seq         int
	now         time.Time
	sessions    map[string][]assistant.Message
	agents      map[string]assistant.AgentProfileSpec
	runs        map[string]*fakeRun
	submissions map[string][][]assistant.ToolCallResult
	failures    map[string][]error
	calls       []string
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		now:         time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		sessions:    make(map[string][]assistant.Message),
		agents:      make(map[string]assistant.AgentProfileSpec),
		runs:        make(map[string]*fakeRun),
		submissions: make(map[string][][]assistant.ToolCallResult),
		failures:    make(map[string][]error),
	}
}

// FailNext queues errors returned by the next calls to method, in order.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Calls returns the names of every method invoked so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Submissions returns the tool result batches submitted for runID.
func (f *Fake) Submissions(runID string) [][]assistant.ToolCallResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]assistant.ToolCallResult(nil), f.submissions[runID]...)
}

// Messages returns the remote copy of a session.
func (f *Fake) Messages(sessionID string) []assistant.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]assistant.Message(nil), f.sessions[sessionID]...)
}

// Agent returns the spec an agent was created with.
func (f *Fake) Agent(agentID string) (assistant.AgentProfileSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.agents[agentID]
	return spec, ok
}

// SeedAgent registers an agent without recording a call.
func (f *Fake) SeedAgent(agentID string, spec assistant.AgentProfileSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[agentID] = spec
}

// SeedSession registers a session with existing messages.
func (f *Fake) SeedSession(sessionID string, msgs ...assistant.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = append([]assistant.Message(nil), msgs...)
}

// DeleteSession forgets a session so later calls report not found.
func (f *Fake) DeleteSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
}

func (f *Fake) begin(method string) error {
	f.calls = append(f.calls, method)
	if queued := f.failures[method]; len(queued) > 0 {
		f.failures[method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, assistant.ErrNotFound)
}

func (f *Fake) CreateAgentProfile(ctx context.Context, spec assistant.AgentProfileSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateAgentProfile"); err != nil {
		return "", err
	}
	id := f.nextID("asst")
	f.agents[id] = spec
	return id, nil
}

func (f *Fake) CreateSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateSession"); err != nil {
		return "", err
	}
	id := f.nextID("thread")
	f.sessions[id] = nil
	return id, nil
}

func (f *Fake) AppendMessage(ctx context.Context, sessionID, text, attachmentURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("AppendMessage"); err != nil {
		return err
	}
	msgs, ok := f.sessions[sessionID]
	if !ok {
		return notFound("session", sessionID)
	}
	f.sessions[sessionID] = append(msgs, assistant.Message{
		ID:            f.nextID("msg"),
		Role:          assistant.RoleUser,
		Content:       text,
		AttachmentURL: attachmentURL,
		Timestamp:     f.tick(),
	})
	return nil
}

func (f *Fake) StartRun(ctx context.Context, sessionID, agentID string, temperature float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("StartRun"); err != nil {
		return "", err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return "", notFound("session", sessionID)
	}
	spec, ok := f.agents[agentID]
	if !ok {
		return "", notFound("agent", agentID)
	}

	var steps []Step
	if f.Script != nil {
		steps = f.Script(sessionID, agentID)
	}
	if len(steps) == 0 {
		steps = Completed(fmt.Sprintf("Hi! %s here, ready when you are.", spec.Name))
	}

	id := f.nextID("run")
	f.runs[id] = &fakeRun{sessionID: sessionID, agentID: agentID, steps: steps}
	return id, nil
}

func (f *Fake) PollRun(ctx context.Context, sessionID, runID string) (assistant.RunState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PollRun"); err != nil {
		return assistant.RunState{}, err
	}
	run, ok := f.runs[runID]
	if !ok || run.sessionID != sessionID {
		return assistant.RunState{}, notFound("run", runID)
	}

	step := run.steps[run.idx]
	if run.idx < len(run.steps)-1 {
		run.idx++
	}
	if step.Err != nil {
		return assistant.RunState{}, step.Err
	}

	if step.Status == assistant.RunCompleted && !run.replied {
		run.replied = true
		for _, reply := range step.Replies {
			f.sessions[sessionID] = append(f.sessions[sessionID], assistant.Message{
				ID:        f.nextID("msg"),
				Role:      assistant.RoleAssistant,
				Content:   reply,
				Timestamp: f.tick(),
				RunID:     runID,
			})
		}
	}

	return assistant.RunState{
		RunID:            runID,
		Status:           step.Status,
		PendingToolCalls: step.ToolCalls,
		LastError:        step.LastError,
	}, nil
}

func (f *Fake) SubmitToolResults(ctx context.Context, sessionID, runID string, results []assistant.ToolCallResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SubmitToolResults"); err != nil {
		return err
	}
	if _, ok := f.runs[runID]; !ok {
		return notFound("run", runID)
	}
	f.submissions[runID] = append(f.submissions[runID], append([]assistant.ToolCallResult(nil), results...))
	return nil
}

func (f *Fake) ListMessages(ctx context.Context, sessionID string, opts assistant.ListOptions) ([]assistant.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListMessages"); err != nil {
		return nil, err
	}
	msgs, ok := f.sessions[sessionID]
	if !ok {
		return nil, notFound("session", sessionID)
	}

	out := make([]assistant.Message, 0, len(msgs))
	for _, m := range msgs {
		if opts.RunID != "" && m.RunID != opts.RunID {
			continue
		}
		out = append(out, m)
	}
	if opts.Order == assistant.OrderDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *Fake) TranscribeAudio(ctx context.Context, audio assistant.AudioInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("TranscribeAudio"); err != nil {
		return "", err
	}
	if len(audio.Data) == 0 {
		return "", errors.New("audio input is empty")
	}
	return f.Transcript, nil
}

var _ assistant.Gateway = (*Fake)(nil)

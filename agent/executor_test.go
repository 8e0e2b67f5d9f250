package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusmesh/chorus/bus"
	"github.com/chorusmesh/chorus/chat"
	"github.com/chorusmesh/chorus/model"
	"github.com/chorusmesh/chorus/session"
	"github.com/chorusmesh/chorus/tool"
)

type fixture struct {
	bus      *bus.Bus
	store    *session.InMemoryStore
	tools    *tool.Registry
	llm      *model.MockModel
	executor *Executor

	mu      sync.Mutex
	confirm []bus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:   bus.New(),
		store: session.NewInMemoryStore(),
		tools: tool.NewRegistry(),
		llm:   model.NewMockModel("mock"),
	}
	t.Cleanup(f.bus.Shutdown)
	f.bus.Subscribe(bus.TypeConfirm, func(ev bus.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.confirm = append(f.confirm, ev)
	})
	f.executor = NewExecutor(f.llm, f.tools, f.store, f.bus)
	return f
}

func (f *fixture) confirmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.confirm)
}

func echoTool(provider string) tool.Tool {
	return tool.MustFunctionTool("echo", "Echo the input back", provider,
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return text, nil
		})
}

// groupStatuses waits for the group to complete, then collects the replayed
// status sequence from the completed-group cache.
func groupStatuses(t *testing.T, b *bus.Bus, groupID string) []bus.GroupStatus {
	t.Helper()
	var statuses []bus.GroupStatus
	require.Eventually(t, func() bool {
		var mu sync.Mutex
		var attempt []bus.GroupStatus
		err := b.SubscribeGroup(groupID, func(ev bus.Event) {
			mu.Lock()
			defer mu.Unlock()
			attempt = append(attempt, ev.Group.Status)
		})
		if err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if len(attempt) == 0 || !attempt[len(attempt)-1].Terminal() {
			return false
		}
		statuses = append([]bus.GroupStatus(nil), attempt...)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return statuses
}

func plainDef() Definition {
	return Definition{ID: "def-general", Name: "general"}
}

// -------------------- Plain Completion --------------------

func TestExecutor_PlainCompletion(t *testing.T) {
	f := newFixture(t)
	f.llm.ScriptText("Hello there!")

	def := plainDef()
	info := NewInfo(def, "conv-1", "")
	res, err := f.executor.RunTurn(context.Background(), def, info,
		chat.NewMessage(chat.RoleUser, "hi"), PromptData{AgentName: def.Name})
	require.NoError(t, err)

	assert.Equal(t, "Hello there!", res.Content)
	assert.False(t, res.Paused)
	assert.Equal(t, StateDone, info.State)

	history, err := f.store.History("conv-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, chat.RoleUser, history[0].Role)
	assert.Equal(t, chat.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello there!", history[1].Content)

	statuses := groupStatuses(t, f.bus, res.GroupID)
	assert.Equal(t, bus.GroupStarted, statuses[0])
	assert.Equal(t, bus.GroupEnded, statuses[len(statuses)-1])
}

// -------------------- Tool Loop --------------------

func TestExecutor_ToolCallLoop(t *testing.T) {
	f := newFixture(t)
	f.tools.Register("default", echoTool("")) // built-in provider, pre-authorized
	f.llm.ScriptToolCall("call_1", "echo", "", `{"text":"ping"}`)
	f.llm.ScriptText("The tool said ping.")

	def := plainDef()
	def.ToolGroup = "default"
	info := NewInfo(def, "conv-1", "")
	res, err := f.executor.RunTurn(context.Background(), def, info,
		chat.NewMessage(chat.RoleUser, "use the tool"), PromptData{})
	require.NoError(t, err)

	assert.Equal(t, "The tool said ping.", res.Content)
	assert.Equal(t, StateDone, info.State)
	assert.Zero(t, f.confirmCount(), "authorized providers never prompt")

	history, err := f.store.History("conv-1")
	require.NoError(t, err)
	require.Len(t, history, 4) // user, assistant tool_calls, tool result, assistant text
	assert.Equal(t, chat.RoleAssistant, history[1].Role)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, "call_1", history[1].ToolCalls[0].ID)
	assert.Equal(t, chat.RoleTool, history[2].Role)
	assert.Equal(t, "call_1", history[2].ToolCallID)
	assert.Equal(t, `"ping"`, history[2].Content)
}

// -------------------- Authorization Gate --------------------

func TestExecutor_UnauthorizedProviderPauses(t *testing.T) {
	f := newFixture(t)
	f.tools.Register("default", echoTool("external"))
	f.llm.ScriptToolCall("call_1", "echo", "external", `{"text":"secret"}`)

	def := plainDef()
	def.ToolGroup = "default"
	info := NewInfo(def, "conv-1", "")
	res, err := f.executor.RunTurn(context.Background(), def, info,
		chat.NewMessage(chat.RoleUser, "go"), PromptData{})
	require.NoError(t, err)

	assert.True(t, res.Paused)
	assert.Equal(t, []string{"external"}, res.Providers)
	assert.Equal(t, StateRunning, info.State, "paused turn stays RUNNING")

	require.Eventually(t, func() bool { return f.confirmCount() == 1 },
		time.Second, 5*time.Millisecond)
	f.mu.Lock()
	req := f.confirm[0]
	f.mu.Unlock()
	assert.Equal(t, bus.SubTypeRequest, req.SubType)
	assert.Equal(t, []string{"external"}, req.Data["providers"])

	// The tool must not have run.
	history, err := f.store.History("conv-1")
	require.NoError(t, err)
	for _, msg := range history {
		assert.NotEqual(t, chat.RoleTool, msg.Role)
	}
}

func TestExecutor_ResumeApproved(t *testing.T) {
	f := newFixture(t)
	f.tools.Register("default", echoTool("external"))
	f.llm.ScriptToolCall("call_1", "echo", "external", `{"text":"ok"}`)
	f.llm.ScriptText("Approved and done.")

	def := plainDef()
	def.ToolGroup = "default"
	info := NewInfo(def, "conv-1", "")
	res, err := f.executor.RunTurn(context.Background(), def, info,
		chat.NewMessage(chat.RoleUser, "go"), PromptData{})
	require.NoError(t, err)
	require.True(t, res.Paused)

	final, err := f.executor.Resume(context.Background(), info.InstanceID, true)
	require.NoError(t, err)
	assert.Equal(t, "Approved and done.", final.Content)
	assert.Equal(t, StateDone, info.State)
	assert.True(t, f.tools.Authorized("external"), "approval persists the grant")
}

func TestExecutor_ResumeDeniedFeedsErrorBack(t *testing.T) {
	f := newFixture(t)
	f.tools.Register("default", echoTool("external"))
	f.llm.ScriptToolCall("call_1", "echo", "external", `{"text":"nope"}`)
	f.llm.ScriptText("Understood, skipping the tool.")

	def := plainDef()
	def.ToolGroup = "default"
	info := NewInfo(def, "conv-1", "")
	res, err := f.executor.RunTurn(context.Background(), def, info,
		chat.NewMessage(chat.RoleUser, "go"), PromptData{})
	require.NoError(t, err)
	require.True(t, res.Paused)

	final, err := f.executor.Resume(context.Background(), info.InstanceID, false)
	require.NoError(t, err)
	assert.Equal(t, "Understood, skipping the tool.", final.Content)
	assert.False(t, f.tools.Authorized("external"))

	history, err := f.store.History("conv-1")
	require.NoError(t, err)
	var denial string
	for _, msg := range history {
		if msg.Role == chat.RoleTool {
			denial = msg.Content
		}
	}
	assert.Contains(t, denial, "AUTHORIZATION_DENIED")
}

func TestExecutor_ResumeOutlastsIdleWindow(t *testing.T) {
	b := bus.New(bus.WithIdleWindow(100 * time.Millisecond))
	t.Cleanup(b.Shutdown)
	store := session.NewInMemoryStore()
	tools := tool.NewRegistry()
	tools.Register("default", echoTool("external"))
	llm := model.NewMockModel("mock")
	llm.ScriptToolCall("call_1", "echo", "external", `{"text":"ok"}`)
	llm.ScriptText("Done after the wait.")
	executor := NewExecutor(llm, tools, store, b)

	def := plainDef()
	def.ToolGroup = "default"
	info := NewInfo(def, "conv-1", "")
	res, err := executor.RunTurn(context.Background(), def, info,
		chat.NewMessage(chat.RoleUser, "go"), PromptData{})
	require.NoError(t, err)
	require.True(t, res.Paused)

	// Pausing ends the stream group; a confirmation can take far longer than
	// the idle window, and the sweeper must have nothing left to reclaim.
	statuses := groupStatuses(t, b, res.GroupID)
	assert.Equal(t, bus.GroupEnded, statuses[len(statuses)-1])

	time.Sleep(400 * time.Millisecond)

	final, err := executor.Resume(context.Background(), info.InstanceID, true)
	require.NoError(t, err)
	assert.Equal(t, "Done after the wait.", final.Content)
	assert.Equal(t, StateDone, info.State)

	// The resumed turn streams under a fresh group that closes cleanly.
	require.NotEqual(t, res.GroupID, final.GroupID)
	statuses = groupStatuses(t, b, final.GroupID)
	assert.Equal(t, bus.GroupStarted, statuses[0])
	assert.Equal(t, bus.GroupEnded, statuses[len(statuses)-1])
}

func TestExecutor_ResumeWithoutPending(t *testing.T) {
	f := newFixture(t)
	_, err := f.executor.Resume(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, ErrNoPendingTurn)
}

// -------------------- Failure & Cancellation --------------------

func TestExecutor_ModelFailureSurfacesErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.llm.FailWith(model.NewThirdPartyError("mock", assert.AnError))

	var mu sync.Mutex
	var sysEvents []bus.Event
	f.bus.Subscribe(bus.TypeSystem, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		sysEvents = append(sysEvents, ev)
	})

	def := plainDef()
	info := NewInfo(def, "conv-1", "")
	_, err := f.executor.RunTurn(context.Background(), def, info,
		chat.NewMessage(chat.RoleUser, "hi"), PromptData{})
	require.Error(t, err)
	assert.Equal(t, StateRunning, info.State, "never silently DONE on failure")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range sysEvents {
			if ev.SubType == bus.SubTypeError && ev.Data["source"] == "agent" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestExecutor_CancelledTurnStopsGroup(t *testing.T) {
	f := newFixture(t)
	f.llm.ScriptText("a very long answer that will never finish")

	var mu sync.Mutex
	var last bus.GroupStatus
	var sawError bool
	f.bus.Subscribe(bus.TypeMessage, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Group != nil {
			last = ev.Group.Status
		}
	})
	f.bus.Subscribe(bus.TypeSystem, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.SubType == bus.SubTypeError {
			sawError = true
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	def := plainDef()
	info := NewInfo(def, "conv-1", "")
	res, err := f.executor.RunTurn(ctx, def, info,
		chat.NewMessage(chat.RoleUser, "hi"), PromptData{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Equal(t, StateRunning, info.State)

	// Cancellation closes the group with STOPPED and is not reported as an
	// error event.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == bus.GroupStopped
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.False(t, sawError)
	mu.Unlock()
}

func TestExecutor_TurnBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.tools.Register("default", echoTool(""))
	// Every generation answers with another tool call; the loop must stop.
	for i := 0; i < 3; i++ {
		f.llm.ScriptToolCall("call", "echo", "", `{"text":"again"}`)
	}

	def := plainDef()
	def.ToolGroup = "default"
	info := NewInfo(def, "conv-1", "")
	executor := NewExecutor(f.llm, f.tools, f.store, f.bus, func(o *ExecutorOptions) {
		o.MaxIterations = 2
	})
	_, err := executor.RunTurn(context.Background(), def, info,
		chat.NewMessage(chat.RoleUser, "loop"), PromptData{})
	assert.ErrorIs(t, err, ErrTurnLimit)
}

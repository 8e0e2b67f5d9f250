package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusmesh/chorus/agent"
	"github.com/chorusmesh/chorus/chat"
	"github.com/chorusmesh/chorus/model"
	"github.com/chorusmesh/chorus/notify"
	"github.com/chorusmesh/chorus/session"
	"github.com/chorusmesh/chorus/tool"
)

func testDefs() *agent.Definitions {
	defs := agent.NewDefinitions()
	defs.Register(agent.Definition{ID: "def-clarify", Name: "clarify", Structured: true})
	defs.Register(agent.Definition{ID: "def-plan", Name: "plan", Structured: true})
	defs.Register(agent.Definition{ID: "def-general", Name: "general"})
	return defs
}

func TestRuntime_RunSchedulesTurn(t *testing.T) {
	llm := model.NewMockModel("mock")
	llm.Script(
		chat.ContentChunk("mock", `{"sufficient": false, "question": "more detail?"}`),
		chat.FinishChunk("mock", chat.FinishStop),
	)
	store := session.NewInMemoryStore()
	rt := New(llm, testDefs(), tool.NewRegistry(), func(o *Options) {
		o.Store = store
	})
	defer rt.Shutdown()

	id, err := rt.Run("conv-1", "client-1", "help me out")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		history, err := store.History("conv-1")
		if err != nil {
			return false
		}
		var assistant bool
		for _, msg := range history {
			if msg.Role == chat.RoleAssistant {
				assistant = true
			}
		}
		return assistant
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRuntime_NotifierReceivesConversationEvents(t *testing.T) {
	llm := model.NewMockModel("mock")
	llm.Script(
		chat.ContentChunk("mock", `{"sufficient": false}`),
		chat.FinishChunk("mock", chat.FinishStop),
	)
	notifier := notify.NewChannelNotifier()
	ch := notifier.Subscribe("client-1", 256)

	rt := New(llm, testDefs(), tool.NewRegistry(), func(o *Options) {
		o.Notifier = notifier
	})
	defer rt.Shutdown()

	_, err := rt.Run("conv-1", "client-1", "hello")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "conv-1", ev.Data["conversation_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event forwarded to the client")
	}
}

func TestRuntime_RunAfterShutdown(t *testing.T) {
	rt := New(model.NewMockModel("mock"), testDefs(), tool.NewRegistry())
	rt.Shutdown()

	_, err := rt.Run("conv-1", "client-1", "hello")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRuntime_CancelWithoutTurn(t *testing.T) {
	rt := New(model.NewMockModel("mock"), testDefs(), tool.NewRegistry())
	defer rt.Shutdown()

	assert.False(t, rt.Cancel("conv-unknown"))
}

func TestRuntime_DecideWithoutPendingFallsBackToPlan(t *testing.T) {
	rt := New(model.NewMockModel("mock"), testDefs(), tool.NewRegistry())
	defer rt.Shutdown()

	// Neither a paused turn nor a plan exists; the fallback reports that.
	err := rt.Decide(context.Background(), "conv-1", "approve", "")
	assert.Error(t, err)
}

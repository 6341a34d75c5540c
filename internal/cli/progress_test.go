package cli

import (
	"context"
	"sync"
	"testing"

	tea "charm.land/bubbletea/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRealtime records focus reconciliation requests.
type fakeRealtime struct {
	mu         sync.Mutex
	focusCalls int
	connected  bool
}

func (f *fakeRealtime) HandleFocus(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusCalls++
	f.connected = true
}

func (f *fakeRealtime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func TestWatchViewFocusRevivesChannel(t *testing.T) {
	rt := &fakeRealtime{}
	m := pipelineModel{rt: rt, connLost: true}

	next, cmd := m.Update(tea.FocusMsg{})
	require.NotNil(t, cmd)

	msg := cmd()
	rt.mu.Lock()
	calls := rt.focusCalls
	rt.mu.Unlock()
	assert.Equal(t, 1, calls)
	require.IsType(t, channelRevivedMsg{}, msg)

	cleared, _ := next.Update(msg)
	assert.False(t, cleared.(pipelineModel).connLost, "banner clears once the channel is back")
}

func TestWatchViewFocusWithoutChannel(t *testing.T) {
	m := pipelineModel{}
	_, cmd := m.Update(tea.FocusMsg{})
	assert.Nil(t, cmd)
}

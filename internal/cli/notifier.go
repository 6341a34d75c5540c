package cli

import (
	"fmt"
	"os"
	"sync"

	tea "charm.land/bubbletea/v2"

	"github.com/mlehnert/themectl/internal/api"
	"github.com/mlehnert/themectl/internal/workflow"
)

// taskUpdateMsg carries an engine update into a running progress UI.
type taskUpdateMsg struct {
	task   *api.Task
	stages workflow.StageMap
}

// connLostMsg signals that the realtime channel gave up reconnecting.
type connLostMsg struct{}

// terminalNotifier prints engine events to the terminal. While a progress
// UI is running, events are forwarded into it instead.
type terminalNotifier struct {
	mu      sync.Mutex
	program *tea.Program
}

func notifierForTerminal() *terminalNotifier {
	return &terminalNotifier{}
}

// attach routes subsequent events into the given program.
func (n *terminalNotifier) attach(p *tea.Program) {
	n.mu.Lock()
	n.program = p
	n.mu.Unlock()
}

func (n *terminalNotifier) detach() {
	n.attach(nil)
}

func (n *terminalNotifier) send(msg tea.Msg) bool {
	n.mu.Lock()
	p := n.program
	n.mu.Unlock()
	if p == nil {
		return false
	}
	p.Send(msg)
	return true
}

func (n *terminalNotifier) Toast(msg string) {
	fmt.Println(msg)
}

func (n *terminalNotifier) Warn(msg string) {
	fmt.Fprintf(os.Stderr, "Warning: %s\n", msg)
}

func (n *terminalNotifier) StepChanged(step workflow.Step) {
	// Step transitions are visible through command output already.
}

func (n *terminalNotifier) TaskUpdated(task *api.Task, stages workflow.StageMap) {
	n.send(taskUpdateMsg{task: task, stages: stages})
}

func (n *terminalNotifier) ConnectionLost() {
	if !n.send(connLostMsg{}) {
		fmt.Fprintln(os.Stderr, "Warning: realtime updates unavailable, falling back to polling")
	}
}

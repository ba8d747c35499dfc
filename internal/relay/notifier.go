package relay

import (
	"fmt"
	"io"
	"sync"
)

// TerminalNotifier prints alerts and indicator changes to a writer.
type TerminalNotifier struct {
	mu         sync.Mutex
	out        io.Writer
	indicators map[string]bool
}

func NewTerminalNotifier(out io.Writer) *TerminalNotifier {
	return &TerminalNotifier{out: out, indicators: make(map[string]bool)}
}

func (n *TerminalNotifier) Alert(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, "alert: %s\n", msg)
}

// SetIndicator only prints when the visibility actually changes.
func (n *TerminalNotifier) SetIndicator(name string, visible bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.indicators[name] == visible {
		return
	}
	n.indicators[name] = visible
	state := "hidden"
	if visible {
		state = "visible"
	}
	fmt.Fprintf(n.out, "[%s] %s\n", name, state)
}

func (n *TerminalNotifier) Indicator(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.indicators[name]
}

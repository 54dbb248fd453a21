package session

import (
	"fmt"

	model "github.com/zerorouter/zerorouter/backend/internal/model/settlement"
)

// machine is the orchestrator's lifecycle. It only changes through the
// named transitions below; epoch increments on every reset so work issued
// before a reset can recognise itself as stale.
type machine struct {
	state model.State
	epoch uint64
}

func (m *machine) move(from, to model.State) error {
	if m.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, m.state)
	}
	m.state = to
	return nil
}

func (m *machine) beginSetup() error    { return m.move(model.StateIdle, model.StateSettingUp) }
func (m *machine) completeSetup() error { return m.move(model.StateSettingUp, model.StateActive) }
func (m *machine) abortSetup() error    { return m.move(model.StateSettingUp, model.StateIdle) }
func (m *machine) beginStream() error   { return m.move(model.StateActive, model.StateStreaming) }
func (m *machine) endStream() error     { return m.move(model.StateStreaming, model.StateActive) }
func (m *machine) beginClose() error    { return m.move(model.StateActive, model.StateClosing) }
func (m *machine) completeClose() error { return m.move(model.StateClosing, model.StateIdle) }

// abortClose keeps an unsettled session ACTIVE so a later idle timeout
// retries the close.
func (m *machine) abortClose() error { return m.move(model.StateClosing, model.StateActive) }

func (m *machine) reset() {
	m.state = model.StateIdle
	m.epoch++
}

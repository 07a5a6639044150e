package property

import (
	"context"

	"github.com/looplab/fsm"

	"propline/internal/domain"
)

const (
	eventStart    = "start"
	eventComplete = "complete"
	eventBlock    = "block"
	eventResume   = "resume"
)

// processEvents is the status machine of a process instance. Completed is
// terminal.
var processEvents = fsm.Events{
	{Name: eventStart, Src: []string{string(domain.ProcessPending)}, Dst: string(domain.ProcessInProgress)},
	{Name: eventComplete, Src: []string{string(domain.ProcessInProgress)}, Dst: string(domain.ProcessCompleted)},
	{Name: eventBlock, Src: []string{string(domain.ProcessInProgress)}, Dst: string(domain.ProcessBlocked)},
	{Name: eventResume, Src: []string{string(domain.ProcessBlocked)}, Dst: string(domain.ProcessInProgress)},
}

// advance fires event on inst's status. Any event the current status does
// not accept is reported as ProcessNotActive.
func advance(inst *domain.ProcessInstance, event string) error {
	m := fsm.NewFSM(string(inst.Status), processEvents, fsm.Callbacks{})
	if err := m.Event(context.Background(), event); err != nil {
		return domain.ProcessNotActiveError{ProcessID: inst.ID, Status: inst.Status}
	}
	inst.Status = domain.ProcessStatus(m.Current())
	return nil
}

// Package orchestrate implements the recovery-instance lifecycle workflow.
// It launches the replacement instance, waits out its state transitions,
// swaps its default root volume for the reconstituted set, applies the
// optional access and boot-configuration steps, and optionally powers the
// instance back on — as a linear FSM with no branching back-edges, using
// the superfly/fsm library.
package orchestrate

import (
	"context"
	"time"

	"github.com/opsstack/reconstitute/pkg/errors"
	"github.com/opsstack/reconstitute/pkg/journal"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions.
type Machine struct {
	ec2             InstanceAPI
	repo            *journal.Repository
	run             *journal.Run
	pollInterval    time.Duration
	maxPollAttempts int // 0 means poll without bound
	maxRetries      int
}

// NewMachine creates the recovery machine. repo and run may be nil when no
// journal is wanted (tests); pollInterval falls back to 10 seconds, the
// interval every wait in this workflow uses.
func NewMachine(
	ec2 InstanceAPI,
	repo *journal.Repository,
	run *journal.Run,
	pollInterval time.Duration,
	maxPollAttempts int,
	maxRetries int,
) *Machine {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Machine{
		ec2:             ec2,
		repo:            repo,
		run:             run,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
		maxRetries:      maxRetries,
	}
}

// Register registers the recovery FSM.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[RecoveryRequest, RecoveryResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[RecoveryRequest, RecoveryResponse](manager, "instance-recovery").
		Start(StateLaunch, m.handleLaunch).
		To(StateAwaitOnline, m.handleAwaitOnline).
		To(StateStop, m.handleStop).
		To(StateSwapRoot, m.handleSwapRoot).
		To(StateAttach, m.handleAttach).
		To(StateAccess, m.handleAccess).
		To(StateUserData, m.handleUserData).
		To(StatePowerOn, m.handlePowerOn).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// recordRun persists run progress when a journal is attached.
func (m *Machine) recordRun(mutate func(*journal.Run)) {
	if m.repo == nil || m.run == nil {
		return
	}
	mutate(m.run)
	// Journal failures never interrupt the recovery itself.
	_ = m.repo.UpdateRun(m.run)
}

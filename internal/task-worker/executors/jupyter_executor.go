package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"notebook-scheduler/internal/models"
	"notebook-scheduler/internal/task-worker/gateway"
)

// KernelGateway is what the Jupyter executor needs from a kernel gateway.
type KernelGateway interface {
	StartSession(ctx context.Context, kernelSpec string) (sessionID string, err error)
	Execute(ctx context.Context, sessionID, source string) (*models.ExecutionResult, error)
	Shutdown(ctx context.Context, sessionID string) error
}

// GatewayDialer returns a gateway client for host.
type GatewayDialer func(host string) (KernelGateway, error)

// NewGatewayDialer dials real kernel gateways.
func NewGatewayDialer(requestTimeout time.Duration) GatewayDialer {
	return func(host string) (KernelGateway, error) {
		client, err := gateway.NewClient(host, requestTimeout)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Phase is the stage a notebook run is in.
type Phase string

const (
	PhaseRequested      Phase = "REQUESTED"
	PhaseKernelStarting Phase = "KERNEL_STARTING"
	PhaseKernelReady    Phase = "KERNEL_READY"
	PhaseExecutingCells Phase = "EXECUTING_CELLS"
	PhaseShuttingDown   Phase = "SHUTTING_DOWN"
	PhaseDone           Phase = "DONE"
)

// KernelError reports where a notebook run failed. CellIndex is -1 when the
// failure is not tied to a cell.
type KernelError struct {
	Stage     Phase
	CellIndex int
	EName     string
	EValue    string
	Err       error
}

func (e *KernelError) Error() string {
	where := string(e.Stage)
	if e.CellIndex >= 0 {
		where = fmt.Sprintf("%s at cell %d", e.Stage, e.CellIndex)
	}
	if e.Err != nil {
		return fmt.Sprintf("kernel error during %s: %v", where, e.Err)
	}
	return fmt.Sprintf("kernel error during %s: %s: %s", where, e.EName, e.EValue)
}

func (e *KernelError) Unwrap() error { return e.Err }

// JupyterExecutor runs a notebook's code cells, in order, on a fresh kernel.
type JupyterExecutor struct {
	Dial GatewayDialer
	// WarmUp is waited after the kernel starts, before the first cell.
	WarmUp          time.Duration
	ShutdownTimeout time.Duration
}

func NewJupyterExecutor(dial GatewayDialer, warmUp time.Duration) *JupyterExecutor {
	return &JupyterExecutor{Dial: dial, WarmUp: warmUp, ShutdownTimeout: 30 * time.Second}
}

// Execute implements the Executor interface.
func (e *JupyterExecutor) Execute(ctx context.Context, task *models.Task) (string, error) {
	nb, err := e.run(ctx, task)
	if err != nil {
		hlog.Errorf("JupyterExecutor: task %s failed: %v", task.ID, err)
		return "", err
	}
	result := fmt.Sprintf("executed %d code cells on %s", len(nb.CodeCells()), task.Target())
	hlog.Infof("JupyterExecutor: task %s completed. Result: %s", task.ID, result)
	return result, nil
}

// run returns the notebook with outputs recorded for every cell that ran,
// also on failure.
func (e *JupyterExecutor) run(ctx context.Context, task *models.Task) (*models.Notebook, error) {
	phase := func(p Phase) { hlog.Debugf("JupyterExecutor: task %s %s", task.ID, p) }
	phase(PhaseRequested)

	nb, err := models.ParseNotebook(task.Notebook)
	if err != nil {
		return nil, &KernelError{Stage: PhaseRequested, CellIndex: -1, Err: err}
	}
	gw, err := e.Dial(task.Target())
	if err != nil {
		return nb, &KernelError{Stage: PhaseRequested, CellIndex: -1, Err: err}
	}

	phase(PhaseKernelStarting)
	hlog.Infof("JupyterExecutor: starting %s kernel on %s for task %s", task.Runtime(), task.Target(), task.ID)
	sessionID, err := gw.StartSession(ctx, task.Runtime())
	if err != nil {
		return nb, &KernelError{Stage: PhaseKernelStarting, CellIndex: -1, Err: err}
	}
	defer func() {
		phase(PhaseShuttingDown)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.ShutdownTimeout)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx, sessionID); err != nil {
			hlog.Warnf("JupyterExecutor: failed to shut down kernel %s for task %s: %v", sessionID, task.ID, err)
		}
		phase(PhaseDone)
	}()

	if e.WarmUp > 0 {
		select {
		case <-time.After(e.WarmUp):
		case <-ctx.Done():
			return nb, &KernelError{Stage: PhaseKernelStarting, CellIndex: -1, Err: ctx.Err()}
		}
	}
	phase(PhaseKernelReady)

	phase(PhaseExecutingCells)
	for _, i := range nb.CodeCells() {
		cell := nb.Cells[i]
		hlog.Debugf("JupyterExecutor: task %s executing cell %d", task.ID, i)
		res, err := gw.Execute(ctx, sessionID, string(cell.Source))
		if err != nil {
			return nb, &KernelError{Stage: PhaseExecutingCells, CellIndex: i, Err: err}
		}
		cell.Outputs = res.Outputs
		if res.Failed() {
			return nb, &KernelError{Stage: PhaseExecutingCells, CellIndex: i, EName: res.EName, EValue: res.EValue}
		}
	}
	return nb, nil
}

var _ Executor = (*JupyterExecutor)(nil)

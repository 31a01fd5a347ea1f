package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"msgfleet/pkg/logx"
)

// LocalRuntime runs each instance as a child process. It is the default
// backend for single-host deployments; container engines plug in behind the
// same Runtime interface.
type LocalRuntime struct {
	command []string
	log     logx.Logger

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	spec InstanceSpec
	cmd  *exec.Cmd
	done chan struct{}
}

func NewLocalRuntime(command []string, log logx.Logger) *LocalRuntime {
	return &LocalRuntime{command: command, log: log, procs: map[string]*localProc{}}
}

func (r *LocalRuntime) Create(_ context.Context, spec InstanceSpec) (Handle, error) {
	if len(r.command) == 0 {
		return Handle{}, errors.New("no instance command configured")
	}
	id := "inst_" + uuid.NewString()
	r.mu.Lock()
	r.procs[id] = &localProc{spec: spec}
	r.mu.Unlock()
	return Handle{ID: id, Port: spec.Port}, nil
}

func (r *LocalRuntime) Start(_ context.Context, h Handle) error {
	r.mu.Lock()
	p, ok := r.procs[h.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown handle %s", h.ID)
	}
	if p.cmd != nil {
		r.mu.Unlock()
		return nil
	}

	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Env = append(os.Environ(),
		"MSGFLEET_ACCOUNT_ID="+p.spec.AccountID,
		"MSGFLEET_PLATFORM="+string(p.spec.Platform),
		"MSGFLEET_PORT="+strconv.Itoa(p.spec.Port),
	)
	for k, v := range p.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so Stop can signal the instance without hitting us.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return err
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	done := p.done
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if err != nil && !r.log.IsZero() {
			r.log.Debug("instance process exited",
				logx.String("account", p.spec.AccountID), logx.Err(err))
		}
		close(done)
	}()
	return nil
}

func (r *LocalRuntime) Stop(ctx context.Context, h Handle) error {
	r.mu.Lock()
	p, ok := r.procs[h.ID]
	var (
		cmd  *exec.Cmd
		done chan struct{}
	)
	if ok {
		cmd = p.cmd
		done = p.done
	}
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

func (r *LocalRuntime) Remove(ctx context.Context, h Handle) error {
	if err := r.Stop(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	r.mu.Lock()
	delete(r.procs, h.ID)
	r.mu.Unlock()
	return nil
}

func (r *LocalRuntime) Inspect(_ context.Context, h Handle) (RuntimeStatus, error) {
	r.mu.Lock()
	p, ok := r.procs[h.ID]
	var (
		started bool
		done    chan struct{}
	)
	if ok {
		started = p.cmd != nil
		done = p.done
	}
	r.mu.Unlock()
	if !ok {
		return RuntimeDead, nil
	}
	if !started {
		return RuntimeStarting, nil
	}
	select {
	case <-done:
		return RuntimeExited, nil
	default:
		return RuntimeRunning, nil
	}
}

package executor

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"alma.local/fuzz/covmap"
	"alma.local/fuzz/internal/shmem"
)

// Environment variables through which the target locates its regions.
const (
	EnvCovShm = "FUZZ_COV_SHM"
	EnvInShm  = "FUZZ_IN_SHM"
	EnvCmpShm = "FUZZ_CMP_SHM"
)

// inputHeaderLen is the little-endian length prefix at the start of the
// input region.
const inputHeaderLen = 4

// cmpRegionSize bounds the best-effort comparison log region:
// a 4-byte count followed by (a,b) operand pairs of 8 bytes each.
const cmpRegionSize = 4 + 16*4096

// ForkConfig configures a ForkExecutor.
type ForkConfig struct {
	Target     string   // path to the harness binary
	Args       []string // extra argv for the target
	Env        []string // extra environment for the target
	Persistent bool     // re-invoke one long-lived process instead of spawning per input
	MapSize    int      // coverage map capacity in bytes
	MaxInput   int      // input region payload capacity in bytes
	TimeBudget time.Duration
	MemBudget  uint64 // address-space limit in bytes, 0 disables
	ShmDir     string // region directory, defaults to shmem.DefaultDir
	CmpLog     bool   // expose the comparison-log region
}

// ForkExecutor runs a native harness binary in a supervised subprocess.
// Test cases travel through a shared-memory input region; the target fills
// the coverage region and, optionally, the comparison-log region. A target
// crash kills only the subprocess, never the orchestrator.
type ForkExecutor struct {
	cfg ForkConfig
	log *logrus.Entry

	covRegion *shmem.Region
	inRegion  *shmem.Region
	cmpRegion *shmem.Region
	cov       *covmap.Map

	child  *exec.Cmd
	ctl    io.WriteCloser // child stdin: 4-byte go/length word per run
	status io.ReadCloser  // child stdout: 4-byte ack word per run
}

// NewForkExecutor validates the target and allocates the shared regions.
// The child process is started lazily on the first Execute.
func NewForkExecutor(cfg ForkConfig, log *logrus.Entry) (*ForkExecutor, error) {
	if _, err := os.Stat(cfg.Target); err != nil {
		return nil, errors.Wrapf(err, "harness binary %q", cfg.Target)
	}
	if cfg.MapSize == 0 {
		cfg.MapSize = covmap.DefaultSize
	}
	if cfg.MaxInput <= 0 {
		cfg.MaxInput = 1 << 20
	}
	if cfg.TimeBudget <= 0 {
		return nil, errors.Errorf("invalid time budget %v", cfg.TimeBudget)
	}
	if cfg.ShmDir == "" {
		cfg.ShmDir = shmem.DefaultDir
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	e := &ForkExecutor{cfg: cfg, log: log}
	var err error
	if e.covRegion, err = shmem.Create(cfg.ShmDir, "cov", cfg.MapSize); err != nil {
		return nil, err
	}
	if e.inRegion, err = shmem.Create(cfg.ShmDir, "input", inputHeaderLen+cfg.MaxInput); err != nil {
		e.Close()
		return nil, err
	}
	if cfg.CmpLog {
		if e.cmpRegion, err = shmem.Create(cfg.ShmDir, "cmplog", cmpRegionSize); err != nil {
			e.Close()
			return nil, err
		}
	}
	e.cov = covmap.FromBuffer(e.covRegion.Bytes())
	return e, nil
}

// Execute runs the target once against input.
func (e *ForkExecutor) Execute(ctx context.Context, input []byte) (Result, error) {
	// 1. Re-arm regions.
	e.cov.Reset()
	if e.cmpRegion != nil {
		binary.LittleEndian.PutUint32(e.cmpRegion.Bytes(), 0)
	}
	if err := e.stageInput(input); err != nil {
		return Result{}, err
	}

	// 2. Run.
	start := time.Now()
	var (
		res Result
		err error
	)
	if e.cfg.Persistent {
		res, err = e.runPersistent(ctx)
	} else {
		res, err = e.runForked(ctx)
	}
	if err != nil {
		return Result{}, err
	}
	res.Elapsed = time.Since(start)

	// 3. Collect feedback. On crash or timeout the map reflects whatever
	// the target managed to execute before dying.
	res.Cover = e.cov.Snapshot()
	if e.cmpRegion != nil {
		res.CmpLog = decodeCmpLog(e.cmpRegion.Bytes())
	}
	return res, nil
}

func (e *ForkExecutor) stageInput(input []byte) error {
	buf := e.inRegion.Bytes()
	if len(input) > e.cfg.MaxInput {
		input = input[:e.cfg.MaxInput]
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(input)))
	copy(buf[inputHeaderLen:], input)
	return nil
}

// runForked spawns a fresh process per input.
func (e *ForkExecutor) runForked(ctx context.Context) (Result, error) {
	cmd, err := e.spawn(nil, nil)
	if err != nil {
		return Result{}, err
	}
	return e.await(ctx, cmd)
}

// runPersistent drives the long-lived child: write the input length on the
// control pipe, read the 4-byte ack. A failed read means the child died on
// this input; its wait status tells us how.
func (e *ForkExecutor) runPersistent(ctx context.Context) (Result, error) {
	if e.child == nil {
		if err := e.startPersistent(); err != nil {
			return Result{}, err
		}
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], binary.LittleEndian.Uint32(e.inRegion.Bytes()))
	if _, err := e.ctl.Write(word[:]); err != nil {
		// Control pipe gone: child died between runs. Restart and retry once.
		e.reapChild()
		if err := e.startPersistent(); err != nil {
			return Result{}, err
		}
		if _, err := e.ctl.Write(word[:]); err != nil {
			return Result{}, errors.Wrap(err, "persistent control pipe")
		}
	}

	type ackResult struct {
		err error
	}
	ackC := make(chan ackResult, 1)
	go func() {
		var ack [4]byte
		_, err := io.ReadFull(e.status, ack[:])
		ackC <- ackResult{err: err}
	}()

	timer := time.NewTimer(e.cfg.TimeBudget)
	defer timer.Stop()
	select {
	case a := <-ackC:
		if a.err == nil {
			return Result{Status: StatusNormal}, nil
		}
		// Child died mid-run: classify from its wait status and restart
		// lazily on the next call.
		res := e.classifyChildDeath()
		return res, nil
	case <-timer.C:
		child := e.child
		e.killChildGroup()
		<-ackC // reader finishes once the pipe closes
		child.Wait()
		e.reapChild()
		return Result{Status: StatusTimeout}, nil
	case <-ctx.Done():
		child := e.child
		e.killChildGroup()
		<-ackC
		child.Wait()
		e.reapChild()
		return Result{}, ctx.Err()
	}
}

func (e *ForkExecutor) startPersistent() error {
	ctl, ctlW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "control pipe")
	}
	statusR, status, err := os.Pipe()
	if err != nil {
		ctl.Close()
		ctlW.Close()
		return errors.Wrap(err, "status pipe")
	}
	cmd, err := e.spawn(ctl, status)
	// Parent keeps the write end of control and read end of status.
	ctl.Close()
	status.Close()
	if err != nil {
		ctlW.Close()
		statusR.Close()
		return err
	}
	e.child = cmd
	e.ctl = ctlW
	e.status = statusR
	return nil
}

// spawn starts the target with the shared regions exported in its
// environment. ctlR/statusW are the child's ends of the persistent-mode
// pipes; both are nil in fork mode, where the child runs exactly once.
func (e *ForkExecutor) spawn(ctlR, statusW *os.File) (*exec.Cmd, error) {
	cmd := exec.Command(e.cfg.Target, e.cfg.Args...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvCovShm+"="+e.covRegion.Path(),
		EnvInShm+"="+e.inRegion.Path(),
	)
	if e.cmpRegion != nil {
		cmd.Env = append(cmd.Env, EnvCmpShm+"="+e.cmpRegion.Path())
	}
	if ctlR != nil {
		cmd.Stdin = ctlR
		cmd.Stdout = statusW
	}
	// Own process group so a timeout kill cannot miss grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "spawn %q", e.cfg.Target)
	}
	if e.cfg.MemBudget > 0 {
		lim := unix.Rlimit{Cur: e.cfg.MemBudget, Max: e.cfg.MemBudget}
		if err := unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			e.log.WithError(err).Warn("failed to apply memory budget")
		}
	}
	return cmd, nil
}

// await waits for a fork-mode child under the time budget.
func (e *ForkExecutor) await(ctx context.Context, cmd *exec.Cmd) (Result, error) {
	waitC := make(chan error, 1)
	go func() { waitC <- cmd.Wait() }()

	timer := time.NewTimer(e.cfg.TimeBudget)
	defer timer.Stop()
	select {
	case err := <-waitC:
		return e.classifyExit(cmd, err), nil
	case <-timer.C:
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-waitC
		return Result{Status: StatusTimeout}, nil
	case <-ctx.Done():
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-waitC
		return Result{}, ctx.Err()
	}
}

// classifyExit converts a wait outcome into an execution status.
func (e *ForkExecutor) classifyExit(cmd *exec.Cmd, waitErr error) Result {
	if waitErr == nil {
		return Result{Status: StatusNormal}
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		// Wait itself failed; treat as a crash with no diagnostics.
		return Result{Status: StatusCrash}
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		// Nonzero exit without a signal: the harness rejected the input,
		// which is a normal outcome.
		return Result{Status: StatusNormal}
	}
	res := Result{Status: StatusCrash, Signal: int(ws.Signal())}
	if e.cfg.MemBudget > 0 {
		if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
			// Maxrss is reported in KiB on Linux.
			if uint64(ru.Maxrss)*1024 >= e.cfg.MemBudget {
				res.Status = StatusOOM
			}
		}
	}
	return res
}

func (e *ForkExecutor) classifyChildDeath() Result {
	cmd := e.child
	e.reapChild()
	if cmd == nil {
		return Result{Status: StatusCrash}
	}
	return e.classifyExit(cmd, cmd.Wait())
}

func (e *ForkExecutor) killChildGroup() {
	if e.child != nil && e.child.Process != nil {
		unix.Kill(-e.child.Process.Pid, unix.SIGKILL)
	}
}

// reapChild drops the persistent child state so the next run restarts it.
func (e *ForkExecutor) reapChild() {
	if e.ctl != nil {
		e.ctl.Close()
		e.ctl = nil
	}
	if e.status != nil {
		e.status.Close()
		e.status = nil
	}
	e.child = nil
}

// Close terminates any persistent child and releases the shared regions.
func (e *ForkExecutor) Close() error {
	if e.child != nil {
		e.killChildGroup()
		e.child.Wait()
		e.reapChild()
	}
	var first error
	for _, r := range []*shmem.Region{e.covRegion, e.inRegion, e.cmpRegion} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeCmpLog parses the comparison-log region: a 4-byte pair count
// followed by 16-byte (a,b) operand pairs. Malformed counts are clamped.
func decodeCmpLog(buf []byte) []CmpPair {
	if len(buf) < 4 {
		return nil
	}
	n := int(binary.LittleEndian.Uint32(buf))
	maxPairs := (len(buf) - 4) / 16
	if n > maxPairs {
		n = maxPairs
	}
	if n <= 0 {
		return nil
	}
	pairs := make([]CmpPair, n)
	for i := 0; i < n; i++ {
		off := 4 + i*16
		pairs[i] = CmpPair{
			A: binary.LittleEndian.Uint64(buf[off:]),
			B: binary.LittleEndian.Uint64(buf[off+8:]),
		}
	}
	return pairs
}

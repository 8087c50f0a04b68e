package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/cartesi-corp/rollup-manager/internal/errs"
	"github.com/cartesi-corp/rollup-manager/internal/machine"
	"github.com/cartesi-corp/rollup-manager/internal/version"
)

// StartSession validates the request, spawns a machine-server child,
// waits for it to check in, and brings up its machine. Any failure after
// the session shell is inserted unwinds fully: the child (if reachable)
// is asked to shut down, and the session is erased.
func (m *Manager) StartSession(ctx context.Context, req StartSessionRequest) error {
	if req.SessionID == "" {
		return errs.New(errs.InvalidArgument, "session id must not be empty")
	}
	if _, exists := m.get(req.SessionID); exists {
		return errs.New(errs.AlreadyExists, "session %q already exists", req.SessionID)
	}
	if err := req.Deadlines.Validate(); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "deadlines")
	}
	if err := req.Cycles.Validate(); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "cycles")
	}

	epoch, err := newEpoch(req.ActiveEpochIndex)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "opening initial epoch")
	}

	s := &Session{
		ID:               req.SessionID,
		ActiveEpochIndex: req.ActiveEpochIndex,
		Deadlines:        req.Deadlines,
		Cycles:           req.Cycles,
		Epochs:           map[uint64]*Epoch{req.ActiveEpochIndex: epoch},
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Until this point the session id has not been claimed anywhere an
	// external client can observe, so a failed StartSession leaves no
	// trace; from here on a failure must unwind via abort.
	m.insert(s)

	if err := m.checkinTable.Register(s.ID); err != nil {
		m.erase(s.ID)
		return errs.Wrap(errs.AlreadyExists, err, "registering checkin")
	}

	cmd, err := spawnMachineServer(m.cfg.MachineServerPath, s.ID, m.cfg.ManagerAddress, m.cfg.ServerAddress)
	if err != nil {
		m.checkinTable.Remove(s.ID)
		m.erase(s.ID)
		return errs.Wrap(errs.ResourceExhausted, err, "spawning machine server")
	}
	s.Cmd = cmd

	return m.abortOnError(s, func() error {
		address, err := m.checkinTable.Wait(ctx, s.ID)
		if err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "waiting for checkin")
		}
		s.Address = address

		client, err := machine.Dial(ctx, address)
		if err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "dialing machine server")
		}
		s.Client = client

		v, err := client.GetVersion(ctx, s.Deadlines.Fast)
		if err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "GetVersion")
		}
		if !version.MachineCompatible(v.Major, v.Minor) {
			return errs.New(errs.FailedPrecondition, "incompatible machine-server version %d.%d.%d", v.Major, v.Minor, v.Patch)
		}

		if err := client.Machine(ctx, s.Deadlines.Machine, req.MachineConfig); err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "Machine")
		}

		initial, err := client.GetInitialConfig(ctx, s.Deadlines.Fast)
		if err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "GetInitialConfig")
		}
		if err := validateInitialConfig(initial); err != nil {
			return err
		}

		s.MemoryRanges = MemoryRanges{
			Rx:            initial.Rollup.RxBuffer,
			Tx:            initial.Rollup.TxBuffer,
			InputMetadata: initial.Rollup.InputMetadata,
			VoucherHashes: initial.Rollup.VoucherHashes,
			NoticeHashes:  initial.Rollup.NoticeHashes,
		}
		s.MaxInputPayloadLength = initial.Rollup.RxBuffer.Length
		s.CurrentMcycle = initial.Processor.Mcycle

		if err := client.UpdateMerkleTree(ctx, s.Deadlines.UpdateMerkleTree); err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "UpdateMerkleTree")
		}

		m.metrics.SessionsActive.Inc()
		m.metrics.SessionsTotal.Inc()
		return nil
	})
}

// abortOnError runs fn; on error it attempts to shut the child down,
// erases the session, and returns the original error.
func (m *Manager) abortOnError(s *Session, fn func() error) error {
	if err := fn(); err != nil {
		if s.Client != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Deadlines.Fast)
			_ = s.Client.Shutdown(shutdownCtx, s.Deadlines.Fast)
			cancel()
			_ = s.Client.Close()
		}
		killProcessGroup(s.Cmd)
		m.checkinTable.Remove(s.ID)
		m.erase(s.ID)
		return err
	}
	return nil
}

func validateMemoryRangeDescriptor(name string, cfg machine.MemoryRangeConfig) error {
	if cfg.Length == 0 || cfg.Length&(cfg.Length-1) != 0 {
		return errs.New(errs.InvalidArgument, "%s: length %d is not a power of two", name, cfg.Length)
	}
	log2Length := uint64(0)
	for (uint64(1) << log2Length) != cfg.Length {
		log2Length++
	}
	if cfg.Log2Size != log2Length {
		return errs.New(errs.InvalidArgument, "%s: log2_size %d does not match length %d", name, cfg.Log2Size, cfg.Length)
	}
	if cfg.Start%cfg.Length != 0 {
		return errs.New(errs.InvalidArgument, "%s: start %#x is not %d-aligned", name, cfg.Start, cfg.Length)
	}
	if cfg.Shared {
		return errs.New(errs.InvalidArgument, "%s: shared ranges are not supported", name)
	}
	return nil
}

func validateInitialConfig(cfg machine.InitialConfig) error {
	if !cfg.HTIF.YieldManual || !cfg.HTIF.YieldAutomatic || cfg.HTIF.ConsoleGetChar {
		return errs.New(errs.InvalidArgument, "HTIF configuration does not satisfy rollup requirements")
	}
	if cfg.Rollup == nil {
		return errs.New(errs.InvalidArgument, "machine has no rollup configuration")
	}
	ranges := map[string]machine.MemoryRangeConfig{
		"rx_buffer":      cfg.Rollup.RxBuffer,
		"tx_buffer":      cfg.Rollup.TxBuffer,
		"input_metadata": cfg.Rollup.InputMetadata,
		"voucher_hashes": cfg.Rollup.VoucherHashes,
		"notice_hashes":  cfg.Rollup.NoticeHashes,
	}
	for name, r := range ranges {
		if err := validateMemoryRangeDescriptor(name, r); err != nil {
			return err
		}
	}
	return nil
}

// spawnMachineServer spawns a cartesi-machine-server child in its own
// process group, so it (and any of its own descendants) can be killed as
// a unit on a tainted EndSession.
func spawnMachineServer(path, sessionID, checkinAddress, serverAddress string) (*exec.Cmd, error) {
	cmd := exec.Command(path,
		fmt.Sprintf("--session-id=%s", sessionID),
		fmt.Sprintf("--checkin-address=%s", checkinAddress),
		fmt.Sprintf("--server-address=%s", serverAddress),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}
	return cmd, nil
}

// killProcessGroup terminates cmd's whole process group. It is safe to
// call on a nil or not-yet-started command.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	_, _ = cmd.Process.Wait()
}

// storeSession asks the session's machine to persist its current state
// to directory, ahead of FinishEpoch sealing the epoch.
func storeSession(ctx context.Context, s *Session, directory string) error {
	return s.Client.Store(ctx, s.Deadlines.Store, directory)
}

package session

import (
	"context"
	"sort"
	"sync"

	"github.com/cartesi-corp/rollup-manager/config"
	"github.com/cartesi-corp/rollup-manager/internal/checkin"
	"github.com/cartesi-corp/rollup-manager/internal/errs"
	"github.com/cartesi-corp/rollup-manager/internal/machine"
	"github.com/cartesi-corp/rollup-manager/log"
	"github.com/cartesi-corp/rollup-manager/metrics"
)

// Manager is the in-memory session store (C5) plus the session lifecycle
// operations (C7): StartSession, EndSession, FinishEpoch, AdvanceState,
// and the read-only status RPCs. It is the single entry point
// rpc.Server dispatches onto.
type Manager struct {
	cfg          *config.ManagerConfig
	checkinTable *checkin.Table
	logger       *log.Logger
	metrics      *metrics.ManagerMetrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a Manager backed by cfg's defaults, a shared
// checkin table, and a logger/metrics pair shared with the rest of the
// process.
func NewManager(cfg *config.ManagerConfig, checkinTable *checkin.Table, logger *log.Logger, m *metrics.ManagerMetrics) *Manager {
	return &Manager{
		cfg:          cfg,
		checkinTable: checkinTable,
		logger:       logger.WithModule("session"),
		metrics:      m,
		sessions:     make(map[string]*Session),
	}
}

func (m *Manager) get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) insert(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Manager) erase(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// GetStatus lists every live session id.
func (m *Manager) GetStatus() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionStatus is the response shape of GetSessionStatus.
type SessionStatus struct {
	SessionID        string
	ActiveEpochIndex uint64
	EpochIndices     []uint64
	TaintStatus      *errs.Error
}

// GetSessionStatus snapshots a session's top-level status. It never
// mutates, but still takes the session lock to obtain a consistent
// snapshot, per spec.
func (m *Manager) GetSessionStatus(id string) (SessionStatus, error) {
	s, ok := m.get(id)
	if !ok {
		return SessionStatus{}, errs.New(errs.InvalidArgument, "unknown session %q", id)
	}
	if !s.mu.TryLock() {
		return SessionStatus{}, errs.New(errs.Aborted, "session %q is locked", id)
	}
	defer s.mu.Unlock()

	indices := make([]uint64, 0, len(s.Epochs))
	for idx := range s.Epochs {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	return SessionStatus{
		SessionID:        s.ID,
		ActiveEpochIndex: s.ActiveEpochIndex,
		EpochIndices:     indices,
		TaintStatus:      s.TaintStatus,
	}, nil
}

// EpochStatus is the response shape of GetEpochStatus.
type EpochStatus struct {
	SessionID         string
	EpochIndex        uint64
	State             EpochState
	ProcessedInputs   []ProcessedInput
	PendingInputCount int
	TaintStatus       *errs.Error
}

// GetEpochStatus snapshots one epoch's status.
func (m *Manager) GetEpochStatus(id string, epochIndex uint64) (EpochStatus, error) {
	s, ok := m.get(id)
	if !ok {
		return EpochStatus{}, errs.New(errs.InvalidArgument, "unknown session %q", id)
	}
	if !s.mu.TryLock() {
		return EpochStatus{}, errs.New(errs.Aborted, "session %q is locked", id)
	}
	defer s.mu.Unlock()

	e, ok := s.Epochs[epochIndex]
	if !ok {
		return EpochStatus{}, errs.New(errs.InvalidArgument, "session %q has no epoch %d", id, epochIndex)
	}

	return EpochStatus{
		SessionID:         s.ID,
		EpochIndex:        e.Index,
		State:             e.State,
		ProcessedInputs:   append([]ProcessedInput(nil), e.ProcessedInputs...),
		PendingInputCount: len(e.PendingInputs),
		TaintStatus:       s.TaintStatus,
	}, nil
}

// CheckIn completes the checkin rendezvous for a session the manager is
// in the middle of starting. It is invoked by spawned machine-server
// children, never by external clients.
func (m *Manager) CheckIn(ctx context.Context, id, address string) error {
	if err := m.checkinTable.CheckIn(id, address); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "checkin")
	}
	return nil
}

// StartSessionRequest is the domain-level StartSession request.
type StartSessionRequest struct {
	SessionID        string
	ActiveEpochIndex uint64
	MachineConfig    machine.Config
	Deadlines        config.DeadlineConfig
	Cycles           config.CyclesConfig
}

// FinishEpochRequest is the domain-level FinishEpoch request.
type FinishEpochRequest struct {
	SessionID           string
	ActiveEpochIndex     uint64
	ProcessedInputCount  uint64
	StorageDirectory     string
}

// AdvanceStateRequest is the domain-level AdvanceState request.
type AdvanceStateRequest struct {
	SessionID         string
	ActiveEpochIndex  uint64
	CurrentInputIndex uint64
	Metadata          [128]byte
	Payload           []byte
}

// EndSession tears a session down: refuses while locked, while processing
// is ongoing, or while the active epoch still has pending/processed
// inputs (unless the session is already tainted, in which case those
// epoch checks are skipped and the child process group is force-killed).
func (m *Manager) EndSession(ctx context.Context, id string) error {
	s, ok := m.get(id)
	if !ok {
		return errs.New(errs.InvalidArgument, "unknown session %q", id)
	}
	if !s.mu.TryLock() {
		return errs.New(errs.Aborted, "session %q is locked", id)
	}
	defer s.mu.Unlock()

	if !s.processingMu.TryLock() {
		return errs.New(errs.Aborted, "session %q is processing", id)
	}
	defer s.processingMu.Unlock()

	if !s.Tainted {
		e := s.activeEpoch()
		if len(e.PendingInputs) > 0 || len(e.ProcessedInputs) > 0 {
			return errs.New(errs.InvalidArgument, "session %q active epoch still has inputs", id)
		}
	}

	deadline := s.Deadlines.Fast
	if err := s.Client.Shutdown(ctx, deadline); err != nil {
		m.logger.Warn("shutdown RPC failed during EndSession", "session_id", id, "error", err)
	}
	_ = s.Client.Close()
	if s.Tainted {
		killProcessGroup(s.Cmd)
	}

	m.erase(id)
	m.metrics.SessionsActive.Dec()
	return nil
}

// AdvanceState validates and enqueues an input into a session's active
// epoch, then — if this call is the one that transitioned the queue from
// empty to one pending input — takes the processing lock and starts a new
// goroutine that drains the queue, returning without waiting for it.
func (m *Manager) AdvanceState(ctx context.Context, req AdvanceStateRequest) error {
	s, ok := m.get(req.SessionID)
	if !ok {
		return errs.New(errs.InvalidArgument, "unknown session %q", req.SessionID)
	}
	if !s.mu.TryLock() {
		return errs.New(errs.Aborted, "session %q is locked", req.SessionID)
	}

	shouldDrain, err := func() (bool, error) {
		defer s.mu.Unlock()

		if s.Tainted {
			return false, errs.New(errs.DataLoss, "session %q is tainted", req.SessionID)
		}
		if s.ActiveEpochIndex == ^uint64(0) {
			return false, errs.New(errs.OutOfRange, "active epoch index overflow")
		}
		if req.ActiveEpochIndex != s.ActiveEpochIndex {
			return false, errs.New(errs.InvalidArgument, "active epoch mismatch: have %d, want %d", s.ActiveEpochIndex, req.ActiveEpochIndex)
		}
		e := s.activeEpoch()
		if e.State == EpochFinished {
			return false, errs.New(errs.InvalidArgument, "epoch %d already finished", e.Index)
		}
		currentIndex := uint64(len(e.ProcessedInputs) + len(e.PendingInputs))
		if req.CurrentInputIndex != currentIndex {
			return false, errs.New(errs.InvalidArgument, "current input index mismatch: have %d, want %d", currentIndex, req.CurrentInputIndex)
		}
		if len(req.Payload) >= int(s.MaxInputPayloadLength) {
			return false, errs.New(errs.InvalidArgument, "payload length %d >= rx buffer length %d", len(req.Payload), s.MaxInputPayloadLength)
		}

		e.PendingInputs = append(e.PendingInputs, Input{Metadata: req.Metadata, Payload: req.Payload})
		return len(e.PendingInputs) == 1, nil
	}()
	if err != nil {
		return err
	}

	if shouldDrain {
		s.processingMu.Lock()
		go func() {
			defer s.processingMu.Unlock()
			m.drain(context.Background(), s)
		}()
	}
	return nil
}

// FinishEpoch closes a session's active epoch, refreshes every processed
// input's in-epoch proofs against the now-frozen trees, and opens the
// next epoch.
func (m *Manager) FinishEpoch(ctx context.Context, req FinishEpochRequest) error {
	s, ok := m.get(req.SessionID)
	if !ok {
		return errs.New(errs.InvalidArgument, "unknown session %q", req.SessionID)
	}
	if !s.mu.TryLock() {
		return errs.New(errs.Aborted, "session %q is locked", req.SessionID)
	}
	defer s.mu.Unlock()

	if s.Tainted {
		return errs.New(errs.DataLoss, "session %q is tainted", req.SessionID)
	}
	if s.ActiveEpochIndex == ^uint64(0) {
		return errs.New(errs.OutOfRange, "active epoch index overflow")
	}
	if req.ActiveEpochIndex != s.ActiveEpochIndex {
		return errs.New(errs.InvalidArgument, "active epoch mismatch: have %d, want %d", s.ActiveEpochIndex, req.ActiveEpochIndex)
	}
	e := s.activeEpoch()
	if e.State == EpochFinished {
		return errs.New(errs.InvalidArgument, "epoch %d already finished", e.Index)
	}
	if len(e.PendingInputs) > 0 {
		return errs.New(errs.InvalidArgument, "epoch %d still has pending inputs", e.Index)
	}
	if uint64(len(e.ProcessedInputs)) != req.ProcessedInputCount {
		return errs.New(errs.InvalidArgument, "processed input count mismatch: have %d, want %d", len(e.ProcessedInputs), req.ProcessedInputCount)
	}

	if req.StorageDirectory != "" {
		if err := storeSession(ctx, s, req.StorageDirectory); err != nil {
			return errs.Wrap(errs.Internal, err, "storing session")
		}
	}

	e.State = EpochFinished
	for i := range e.ProcessedInputs {
		pi := &e.ProcessedInputs[i]
		voucherProof, err := e.VouchersTree.GetProof(pi.InputIndex<<5, 5)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "refreshing voucher proof for input %d", pi.InputIndex)
		}
		noticeProof, err := e.NoticesTree.GetProof(pi.InputIndex<<5, 5)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "refreshing notice proof for input %d", pi.InputIndex)
		}
		pi.VoucherHashesInEpoch = voucherProof
		pi.NoticeHashesInEpoch = noticeProof
	}

	nextIndex := e.Index + 1
	next, err := newEpoch(nextIndex)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "opening next epoch")
	}
	s.Epochs[nextIndex] = next
	s.ActiveEpochIndex = nextIndex

	m.metrics.EpochsFinished.Inc()
	return nil
}

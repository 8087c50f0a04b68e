// Package session implements the session/epoch state machine, the
// per-input processing pipeline that drives it, and the child
// machine-server process lifecycle each session owns.
package session

import (
	"os/exec"
	"sync"

	"github.com/cartesi-corp/rollup-manager/config"
	"github.com/cartesi-corp/rollup-manager/internal/errs"
	"github.com/cartesi-corp/rollup-manager/internal/hash"
	"github.com/cartesi-corp/rollup-manager/internal/machine"
	"github.com/cartesi-corp/rollup-manager/internal/merkle"
)

// Input is one opaque payload plus its 128-byte metadata, as delivered by
// AdvanceState.
type Input struct {
	Metadata [128]byte
	Payload  []byte
}

// VoucherHash is the inclusion witness attached to a voucher once its
// epoch-tree leaf exists.
type VoucherHash struct {
	Keccak         hash.Hash
	KeccakInHashes merkle.Proof
}

// Voucher is a machine-emitted output intended for on-chain replay.
type Voucher struct {
	Address hash.Hash
	Payload []byte
	Hash    *VoucherHash
}

// Notice is a machine-emitted informational output.
type Notice struct {
	Payload []byte
	Hash    *VoucherHash
}

// Report is a machine-emitted diagnostic output; never accumulated into a
// Merkle tree.
type Report struct {
	Payload []byte
}

// SkipReason classifies why a pending input's pipeline run was rolled
// back instead of accepted.
type SkipReason string

const (
	CycleLimitExceeded SkipReason = "cycle_limit_exceeded"
	RequestedByMachine SkipReason = "requested_by_machine"
	MachineHalted      SkipReason = "machine_halted"
	TimeLimitExceeded  SkipReason = "time_limit_exceeded"
)

// Outcome is the result of running one input through the pipeline: either
// Accepted (with its extracted vouchers/notices) or Skipped (with a
// reason), never both.
type Outcome struct {
	Accepted bool

	VoucherHashesInMachine merkle.Proof
	Vouchers               []Voucher
	NoticeHashesInMachine  merkle.Proof
	Notices                []Notice

	SkipReason SkipReason
}

// ProcessedInput is the durable record of having run one input through
// the pipeline.
type ProcessedInput struct {
	InputIndex            uint64
	MostRecentMachineHash hash.Hash
	VoucherHashesInEpoch  merkle.Proof
	NoticeHashesInEpoch   merkle.Proof
	Outcome               Outcome
	Reports               []Report
}

// EpochState is the lifecycle state of an Epoch.
type EpochState int

const (
	EpochActive EpochState = iota
	EpochFinished
)

func (s EpochState) String() string {
	if s == EpochFinished {
		return "finished"
	}
	return "active"
}

// Epoch is a maximal sequence of inputs committed under one pair of
// Merkle roots.
type Epoch struct {
	Index           uint64
	State           EpochState
	VouchersTree    *merkle.Tree
	NoticesTree     *merkle.Tree
	ProcessedInputs []ProcessedInput
	PendingInputs   []Input
}

// newEpoch constructs an empty active epoch at the given index.
func newEpoch(index uint64) (*Epoch, error) {
	vouchers, err := merkle.New(37, 5, 5)
	if err != nil {
		return nil, err
	}
	notices, err := merkle.New(37, 5, 5)
	if err != nil {
		return nil, err
	}
	return &Epoch{
		Index:        index,
		State:        EpochActive,
		VouchersTree: vouchers,
		NoticesTree:  notices,
	}, nil
}

// MemoryRanges names the five rollup memory ranges validated at
// StartSession and exercised by the per-input pipeline.
type MemoryRanges struct {
	Rx            machine.MemoryRangeConfig
	Tx            machine.MemoryRangeConfig
	InputMetadata machine.MemoryRangeConfig
	VoucherHashes machine.MemoryRangeConfig
	NoticeHashes  machine.MemoryRangeConfig
}

// Session is a live driver of one spawned machine-server child through a
// stream of epochs.
//
// mu ("session_locked") is held for the whole duration of any RPC handler
// touching this session. processingMu ("processing_locked") is held by
// the single input-processing goroutine draining the active epoch's
// pending queue. The "drain-on-transition-to-1" rule is applied by
// AdvanceState: only the call whose enqueue brings the pending queue to
// length 1 starts a drain. The draining field is not read or written by
// that logic.
type Session struct {
	ID string

	mu           sync.Mutex
	processingMu sync.Mutex
	draining     bool

	Tainted     bool
	TaintStatus *errs.Error

	Client  *machine.Client
	Cmd     *exec.Cmd
	Address string

	CurrentMcycle         uint64
	MaxInputPayloadLength uint64
	ActiveEpochIndex      uint64
	MemoryRanges          MemoryRanges
	Deadlines             config.DeadlineConfig
	Cycles                config.CyclesConfig

	Epochs map[uint64]*Epoch
}

// Lock acquires the session lock (session_locked).
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// activeEpoch returns the session's currently active epoch. Callers must
// hold the session lock.
func (s *Session) activeEpoch() *Epoch {
	return s.Epochs[s.ActiveEpochIndex]
}

// taint marks the session irreversibly tainted with err, which must carry
// an errs.Kind. Callers must hold the session lock.
func (s *Session) taint(err *errs.Error) {
	s.Tainted = true
	s.TaintStatus = err
}

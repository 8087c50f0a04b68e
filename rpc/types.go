package rpc

import (
	"github.com/cartesi-corp/rollup-manager/config"
	"github.com/cartesi-corp/rollup-manager/internal/errs"
	"github.com/cartesi-corp/rollup-manager/internal/machine"
	"github.com/cartesi-corp/rollup-manager/internal/merkle"
	"github.com/cartesi-corp/rollup-manager/internal/session"
	"github.com/cartesi-corp/rollup-manager/internal/version"
)

// Wire request/response shapes for the manager's external surface. These
// mirror the domain types in internal/session and internal/merkle but
// flatten hash.Hash/merkle.Proof into plain JSON-friendly fields, since the
// rpcjson codec marshals whatever struct is handed to it directly.

type startSessionRequest struct {
	SessionID        string                `json:"session_id"`
	ActiveEpochIndex uint64                `json:"active_epoch_index"`
	MachineConfig    machine.Config        `json:"machine_config"`
	Deadlines        config.DeadlineConfig `json:"deadlines"`
	Cycles           config.CyclesConfig   `json:"cycles"`
}

type advanceStateRequest struct {
	SessionID         string `json:"session_id"`
	ActiveEpochIndex  uint64 `json:"active_epoch_index"`
	CurrentInputIndex uint64 `json:"current_input_index"`
	Metadata          []byte `json:"metadata"`
	Payload           []byte `json:"payload"`
}

type finishEpochRequest struct {
	SessionID           string `json:"session_id"`
	ActiveEpochIndex    uint64 `json:"active_epoch_index"`
	ProcessedInputCount uint64 `json:"processed_input_count"`
	StorageDirectory    string `json:"storage_directory"`
}

type endSessionRequest struct {
	SessionID string `json:"session_id"`
}

type getSessionStatusRequest struct {
	SessionID string `json:"session_id"`
}

type getEpochStatusRequest struct {
	SessionID  string `json:"session_id"`
	EpochIndex uint64 `json:"epoch_index"`
}

type checkInRequest struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
}

type emptyRequest struct{}

type emptyResponse struct{}

type getStatusResponse struct {
	SessionIDs []string `json:"session_ids"`
}

type getVersionResponse struct {
	Major      uint32 `json:"major"`
	Minor      uint32 `json:"minor"`
	Patch      uint32 `json:"patch"`
	PreRelease string `json:"pre_release"`
	Build      string `json:"build"`
}

func toGetVersionResponse(v version.Info) getVersionResponse {
	return getVersionResponse{
		Major:      v.Major,
		Minor:      v.Minor,
		Patch:      v.Patch,
		PreRelease: v.PreRelease,
		Build:      v.Build,
	}
}

type errWire struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toErrWire(e *errs.Error) *errWire {
	if e == nil {
		return nil
	}
	return &errWire{Kind: e.Kind.String(), Message: e.Error()}
}

type proofWire struct {
	TargetAddress  uint64     `json:"target_address"`
	TargetHash     [32]byte   `json:"target_hash"`
	RootHash       [32]byte   `json:"root_hash"`
	Log2TargetSize uint64     `json:"log2_target_size"`
	Log2RootSize   uint64     `json:"log2_root_size"`
	Siblings       [][32]byte `json:"sibling_hashes"`
}

func toProofWire(p merkle.Proof) proofWire {
	siblings := make([][32]byte, len(p.Siblings))
	for i, s := range p.Siblings {
		siblings[i] = [32]byte(s)
	}
	return proofWire{
		TargetAddress:  p.TargetAddress,
		TargetHash:     [32]byte(p.TargetHash),
		RootHash:       [32]byte(p.RootHash),
		Log2TargetSize: p.Log2TargetSize,
		Log2RootSize:   p.Log2RootSize,
		Siblings:       siblings,
	}
}

type voucherHashWire struct {
	Keccak         [32]byte  `json:"keccak"`
	KeccakInHashes proofWire `json:"keccak_in_hashes"`
}

func toVoucherHashWire(h *session.VoucherHash) *voucherHashWire {
	if h == nil {
		return nil
	}
	return &voucherHashWire{Keccak: [32]byte(h.Keccak), KeccakInHashes: toProofWire(h.KeccakInHashes)}
}

type voucherWire struct {
	Address [32]byte         `json:"address"`
	Payload []byte           `json:"payload"`
	Hash    *voucherHashWire `json:"hash,omitempty"`
}

type noticeWire struct {
	Payload []byte           `json:"payload"`
	Hash    *voucherHashWire `json:"hash,omitempty"`
}

type reportWire struct {
	Payload []byte `json:"payload"`
}

type outcomeWire struct {
	Accepted bool `json:"accepted"`

	VoucherHashesInMachine *proofWire    `json:"voucher_hashes_in_machine,omitempty"`
	Vouchers               []voucherWire `json:"vouchers,omitempty"`
	NoticeHashesInMachine  *proofWire    `json:"notice_hashes_in_machine,omitempty"`
	Notices                []noticeWire  `json:"notices,omitempty"`

	SkipReason string `json:"skip_reason,omitempty"`
}

func toOutcomeWire(o session.Outcome) outcomeWire {
	out := outcomeWire{Accepted: o.Accepted, SkipReason: string(o.SkipReason)}
	if !o.Accepted {
		return out
	}

	vhm := toProofWire(o.VoucherHashesInMachine)
	nhm := toProofWire(o.NoticeHashesInMachine)
	out.VoucherHashesInMachine = &vhm
	out.NoticeHashesInMachine = &nhm

	out.Vouchers = make([]voucherWire, len(o.Vouchers))
	for i, v := range o.Vouchers {
		out.Vouchers[i] = voucherWire{Address: [32]byte(v.Address), Payload: v.Payload, Hash: toVoucherHashWire(v.Hash)}
	}
	out.Notices = make([]noticeWire, len(o.Notices))
	for i, n := range o.Notices {
		out.Notices[i] = noticeWire{Payload: n.Payload, Hash: toVoucherHashWire(n.Hash)}
	}
	return out
}

type processedInputWire struct {
	InputIndex            uint64       `json:"input_index"`
	MostRecentMachineHash [32]byte     `json:"most_recent_machine_hash"`
	VoucherHashesInEpoch  proofWire    `json:"voucher_hashes_in_epoch"`
	NoticeHashesInEpoch   proofWire    `json:"notice_hashes_in_epoch"`
	Outcome               outcomeWire  `json:"outcome"`
	Reports               []reportWire `json:"reports"`
}

func toProcessedInputWire(pi session.ProcessedInput) processedInputWire {
	reports := make([]reportWire, len(pi.Reports))
	for i, r := range pi.Reports {
		reports[i] = reportWire{Payload: r.Payload}
	}
	return processedInputWire{
		InputIndex:            pi.InputIndex,
		MostRecentMachineHash: [32]byte(pi.MostRecentMachineHash),
		VoucherHashesInEpoch:  toProofWire(pi.VoucherHashesInEpoch),
		NoticeHashesInEpoch:   toProofWire(pi.NoticeHashesInEpoch),
		Outcome:               toOutcomeWire(pi.Outcome),
		Reports:               reports,
	}
}

type sessionStatusResponse struct {
	SessionID        string   `json:"session_id"`
	ActiveEpochIndex uint64   `json:"active_epoch_index"`
	EpochIndices     []uint64 `json:"epoch_indices"`
	TaintStatus      *errWire `json:"taint_status,omitempty"`
}

func toSessionStatusResponse(s session.SessionStatus) sessionStatusResponse {
	return sessionStatusResponse{
		SessionID:        s.SessionID,
		ActiveEpochIndex: s.ActiveEpochIndex,
		EpochIndices:     s.EpochIndices,
		TaintStatus:      toErrWire(s.TaintStatus),
	}
}

type epochStatusResponse struct {
	SessionID         string                `json:"session_id"`
	EpochIndex        uint64                `json:"epoch_index"`
	State             string                `json:"state"`
	ProcessedInputs   []processedInputWire  `json:"processed_inputs"`
	PendingInputCount int                   `json:"pending_input_count"`
	TaintStatus       *errWire              `json:"taint_status,omitempty"`
}

func toEpochStatusResponse(s session.EpochStatus) epochStatusResponse {
	pis := make([]processedInputWire, len(s.ProcessedInputs))
	for i, pi := range s.ProcessedInputs {
		pis[i] = toProcessedInputWire(pi)
	}
	return epochStatusResponse{
		SessionID:         s.SessionID,
		EpochIndex:        s.EpochIndex,
		State:             s.State.String(),
		ProcessedInputs:   pis,
		PendingInputCount: s.PendingInputCount,
		TaintStatus:       toErrWire(s.TaintStatus),
	}
}

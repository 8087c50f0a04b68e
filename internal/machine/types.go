package machine

import "encoding/json"

// MemoryRangeConfig describes one of a machine's memory ranges, used both
// to request a range's creation (Machine, ReplaceMemoryRange) and to
// describe a range already configured (GetInitialConfig).
type MemoryRangeConfig struct {
	Start         uint64 `json:"start"`
	Length        uint64 `json:"length"`
	Log2Size      uint64 `json:"log2_size"`
	Shared        bool   `json:"shared"`
	ImageFilename string `json:"image_filename"`
}

// RollupConfig names the five rollup memory ranges a session's machine
// must expose.
type RollupConfig struct {
	RxBuffer      MemoryRangeConfig `json:"rx_buffer"`
	TxBuffer      MemoryRangeConfig `json:"tx_buffer"`
	InputMetadata MemoryRangeConfig `json:"input_metadata"`
	VoucherHashes MemoryRangeConfig `json:"voucher_hashes"`
	NoticeHashes  MemoryRangeConfig `json:"notice_hashes"`
}

// HTIFConfig is the subset of the machine's HTIF configuration the manager
// validates at StartSession.
type HTIFConfig struct {
	YieldManual    bool `json:"yield_manual"`
	YieldAutomatic bool `json:"yield_automatic"`
	ConsoleGetChar bool `json:"console_getchar"`
}

// ProcessorConfig is the subset of the machine's processor state the
// manager reads to seed current_mcycle.
type ProcessorConfig struct {
	Mcycle uint64 `json:"mcycle"`
}

// Config is the machine configuration forwarded to the Machine RPC.
// Only Processor, HTIF, and Rollup are encoded and decoded. Extra is
// tagged json:"-": other machine configuration (RAM, ROM, flash drives,
// ...) is neither read from a StartSession request nor sent to the
// Machine RPC.
type Config struct {
	Processor ProcessorConfig  `json:"processor,omitempty"`
	HTIF      HTIFConfig       `json:"htif,omitempty"`
	Rollup    *RollupConfig    `json:"rollup,omitempty"`
	Extra     json.RawMessage  `json:"-"`
}

// InitialConfig is the response of GetInitialConfig.
type InitialConfig struct {
	Processor ProcessorConfig `json:"processor"`
	HTIF      HTIFConfig      `json:"htif"`
	Rollup    *RollupConfig   `json:"rollup"`
}

// Version identifies a compiled machine-server binary.
type Version struct {
	Major      uint32 `json:"major"`
	Minor      uint32 `json:"minor"`
	Patch      uint32 `json:"patch"`
	PreRelease string `json:"pre_release"`
	Build      string `json:"build"`
}

// Yield reason codes, extracted from bits 32-47 of RunResult.Tohost (the
// top 16 bits of its low 48-bit data field).
// Only RxAccepted and RxRejected are manual; the Tx* reasons are automatic.
const (
	YieldReasonRxAccepted uint16 = 0
	YieldReasonRxRejected uint16 = 1
	YieldReasonTxVoucher  uint16 = 2
	YieldReasonTxNotice   uint16 = 3
	YieldReasonTxReport   uint16 = 4
)

// RunResult is the response of Run.
type RunResult struct {
	Mcycle  uint64 `json:"mcycle"`
	IflagsY bool   `json:"iflags_y"`
	IflagsX bool   `json:"iflags_x"`
	IflagsH bool   `json:"iflags_h"`
	Tohost  uint64 `json:"tohost"`
}

// YieldReason extracts the yield reason from Tohost, per the machine's
// HTIF word layout.
func (r RunResult) YieldReason() uint16 {
	return uint16(r.Tohost << 16 >> 48)
}

// ProofWire is the JSON-wire shape of a machine-server inclusion proof;
// callers convert it to merkle.Proof.
type ProofWire struct {
	TargetAddress  uint64   `json:"target_address"`
	TargetHash     [32]byte `json:"target_hash"`
	RootHash       [32]byte `json:"root_hash"`
	Log2TargetSize uint64   `json:"log2_target_size"`
	Log2RootSize   uint64   `json:"log2_root_size"`
	Siblings       [][32]byte `json:"sibling_hashes"`
}

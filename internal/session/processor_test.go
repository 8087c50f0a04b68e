package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cartesi-corp/rollup-manager/config"
	"github.com/cartesi-corp/rollup-manager/internal/checkin"
	"github.com/cartesi-corp/rollup-manager/internal/hash"
	"github.com/cartesi-corp/rollup-manager/internal/machine"
	_ "github.com/cartesi-corp/rollup-manager/internal/rpcjson"
	"github.com/cartesi-corp/rollup-manager/log"
	"github.com/cartesi-corp/rollup-manager/metrics"
)

func testLogger() *log.Logger { return log.NewDefaultLogger("session_test") }
func testMetrics() *metrics.ManagerMetrics {
	// NewManagerMetrics registers its series globally; tests that construct
	// more than one Manager share the same underlying Prometheus registry,
	// which is harmless since nothing here inspects series values.
	return metricsOnce()
}

var (
	sharedMetrics     *metrics.ManagerMetrics
	sharedMetricsOnce sync.Once
)

func metricsOnce() *metrics.ManagerMetrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = metrics.NewManagerMetrics() })
	return sharedMetrics
}

// fakeMachine is a minimal in-process stand-in for a spawned
// cartesi-machine-server child, scripted with one Run result per Run call
// a test's pipeline runs make. Its Snapshot/Rollback handlers round-trip through the real
// checkin table the Manager under test shares, mimicking a respawn that
// keeps the same listening address.
type fakeMachine struct {
	mu     sync.Mutex
	memory map[uint64][]byte

	sessionID string
	address   string
	table     *checkin.Table

	runResults []machine.RunResult
	runCalls   int
}

func newFakeMachine(sessionID, address string, table *checkin.Table, runResults ...machine.RunResult) *fakeMachine {
	return &fakeMachine{
		memory:     make(map[uint64][]byte),
		sessionID:  sessionID,
		address:    address,
		table:      table,
		runResults: runResults,
	}
}

func (f *fakeMachine) writeMemory(addr uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.memory[addr] = cp
}

func (f *fakeMachine) readMemory(addr, length uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, length)
	copy(buf, f.memory[addr])
	return buf
}

func yieldReasonTohost(reason uint16) uint64 {
	return uint64(reason) << 32
}

const fakeServiceName = "CartesiMachine"

func (f *fakeMachine) serviceDesc() grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: fakeServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ReadMemory", Handler: f.handleReadMemory},
			{MethodName: "WriteMemory", Handler: f.handleWriteMemory},
			{MethodName: "ReplaceMemoryRange", Handler: f.handleReplaceMemoryRange},
			{MethodName: "Run", Handler: f.handleRun},
			{MethodName: "Snapshot", Handler: f.handleSnapshot},
			{MethodName: "Rollback", Handler: f.handleRollback},
			{MethodName: "ResetIflagsY", Handler: f.handleNoop},
			{MethodName: "UpdateMerkleTree", Handler: f.handleNoop},
			{MethodName: "GetRootHash", Handler: f.handleGetRootHash},
			{MethodName: "GetProof", Handler: f.handleGetProof},
		},
	}
}

func (f *fakeMachine) handleReadMemory(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct {
		Address uint64 `json:"address"`
		Length  uint64 `json:"length"`
	}
	if err := dec(&req); err != nil {
		return nil, err
	}
	return struct {
		Data []byte `json:"data"`
	}{Data: f.readMemory(req.Address, req.Length)}, nil
}

func (f *fakeMachine) handleWriteMemory(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct {
		Address uint64 `json:"address"`
		Data    []byte `json:"data"`
	}
	if err := dec(&req); err != nil {
		return nil, err
	}
	f.writeMemory(req.Address, req.Data)
	return struct{}{}, nil
}

func (f *fakeMachine) handleReplaceMemoryRange(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req machine.MemoryRangeConfig
	if err := dec(&req); err != nil {
		return nil, err
	}
	f.writeMemory(req.Start, make([]byte, req.Length))
	return struct{}{}, nil
}

func (f *fakeMachine) handleRun(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct {
		Limit uint64 `json:"limit"`
	}
	if err := dec(&req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runCalls >= len(f.runResults) {
		panic("fakeMachine: more Run calls than scripted results")
	}
	res := f.runResults[f.runCalls]
	f.runCalls++
	return res, nil
}

func (f *fakeMachine) handleSnapshot(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct{}
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := f.table.CheckIn(f.sessionID, f.address); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (f *fakeMachine) handleRollback(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct{}
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := f.table.CheckIn(f.sessionID, f.address); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (f *fakeMachine) handleNoop(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct{}
	if err := dec(&req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (f *fakeMachine) handleGetRootHash(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct{}
	if err := dec(&req); err != nil {
		return nil, err
	}
	return struct {
		RootHash [32]byte `json:"root_hash"`
	}{RootHash: hash.Keccak256([]byte("root"))}, nil
}

func (f *fakeMachine) handleGetProof(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct {
		Address  uint64 `json:"address"`
		Log2Size uint64 `json:"log2_size"`
	}
	if err := dec(&req); err != nil {
		return nil, err
	}
	return machine.ProofWire{
		TargetAddress:  req.Address,
		TargetHash:     hash.Keccak256([]byte("leaf")),
		RootHash:       hash.Keccak256([]byte("root")),
		Log2TargetSize: req.Log2Size,
		Log2RootSize:   37,
		Siblings:       make([][32]byte, 37-req.Log2Size),
	}, nil
}

// dialFakeMachine starts fm behind an in-memory bufconn listener and
// returns a machine.Client dialed against it, alongside test cleanup.
func dialFakeMachine(t *testing.T, fm *fakeMachine) *machine.Client {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	grpcServer := grpc.NewServer()
	sd := fm.serviceDesc()
	grpcServer.RegisterService(&sd, fm)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := machine.Dial(ctx, "bufnet", grpc.WithContextDialer(dialer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testMemoryRanges() MemoryRanges {
	return MemoryRanges{
		Rx:            machine.MemoryRangeConfig{Start: 0x0000, Length: 16, Log2Size: 4},
		Tx:            machine.MemoryRangeConfig{Start: 0x1000, Length: 16, Log2Size: 4},
		InputMetadata: machine.MemoryRangeConfig{Start: 0x2000, Length: 128, Log2Size: 7},
		VoucherHashes: machine.MemoryRangeConfig{Start: 0x3000, Length: 32, Log2Size: 5},
		NoticeHashes:  machine.MemoryRangeConfig{Start: 0x4000, Length: 32, Log2Size: 5},
	}
}

func testDeadlines() config.DeadlineConfig {
	return config.DeadlineConfig{
		CheckIn: time.Second, UpdateMerkleTree: time.Second,
		AdvanceState: time.Second, AdvanceStateIncrement: time.Second,
		InspectState: time.Second, InspectStateIncrement: time.Second,
		Machine: time.Second, Store: time.Second, Fast: time.Second,
	}
}

func testCycles() config.CyclesConfig {
	return config.CyclesConfig{
		MaxAdvanceState: 1 << 30, AdvanceStateIncrement: 1 << 10,
		MaxInspectState: 1 << 30, InspectStateIncrement: 1 << 10,
	}
}

// newTestManager builds a Manager with its own checkin table, not wired to
// any running rpc.Server.
func newTestManager(t *testing.T) (*Manager, *checkin.Table) {
	table := checkin.NewTable()
	mgr := NewManager(&config.ManagerConfig{}, table, testLogger(), testMetrics())
	return mgr, table
}

// newProcessingSession constructs a Session already past StartSession
// (dialed to a fake machine server, one open epoch) and inserts it into
// mgr, skipping the real spawn/checkin dance StartSession performs.
func newProcessingSession(t *testing.T, mgr *Manager, id string, client *machine.Client) *Session {
	t.Helper()
	epoch, err := newEpoch(0)
	require.NoError(t, err)

	s := &Session{
		ID:                    id,
		ActiveEpochIndex:      0,
		Client:                client,
		Address:               "bufnet",
		MemoryRanges:          testMemoryRanges(),
		MaxInputPayloadLength: 16,
		Deadlines:             testDeadlines(),
		Cycles:                testCycles(),
		Epochs:                map[uint64]*Epoch{0: epoch},
	}
	mgr.insert(s)
	return s
}

func TestProcessInputAccepted(t *testing.T) {
	mgr, table := newTestManager(t)
	fm := newFakeMachine("s1", "bufnet", table, machine.RunResult{
		Mcycle: 1 << 10, IflagsY: true, Tohost: yieldReasonTohost(machine.YieldReasonRxAccepted),
	})
	client := dialFakeMachine(t, fm)
	s := newProcessingSession(t, mgr, "s1", client)

	e := s.activeEpoch()
	input := Input{Payload: []byte("hello")}

	pi, err := mgr.processInput(context.Background(), s, e, 0, input)
	require.NoError(t, err)
	require.True(t, pi.Outcome.Accepted)
	require.Equal(t, uint64(0), pi.InputIndex)
	require.Equal(t, uint64(1<<10), s.CurrentMcycle)
	require.Empty(t, pi.Outcome.Vouchers)
	require.Empty(t, pi.Outcome.Notices)
	require.Equal(t, uint64(1), e.VouchersTree.Size())
	require.Equal(t, uint64(1), e.NoticesTree.Size())
}

func TestProcessInputSkippedByMachine(t *testing.T) {
	mgr, table := newTestManager(t)
	fm := newFakeMachine("s1", "bufnet", table, machine.RunResult{
		Mcycle: 10, IflagsY: true, Tohost: yieldReasonTohost(machine.YieldReasonRxRejected),
	})
	client := dialFakeMachine(t, fm)
	s := newProcessingSession(t, mgr, "s1", client)
	e := s.activeEpoch()
	input := Input{Payload: []byte("rejected")}

	startMcycle := s.CurrentMcycle
	pi, err := mgr.processInput(context.Background(), s, e, 0, input)
	require.NoError(t, err)
	require.False(t, pi.Outcome.Accepted)
	require.Equal(t, RequestedByMachine, pi.Outcome.SkipReason)
	require.Equal(t, startMcycle, s.CurrentMcycle, "current_mcycle must not advance on skip")
	require.Equal(t, uint64(1), e.VouchersTree.Size())
	require.Equal(t, uint64(1), e.NoticesTree.Size())
}

func TestProcessInputMachineHalted(t *testing.T) {
	mgr, table := newTestManager(t)
	fm := newFakeMachine("s1", "bufnet", table, machine.RunResult{
		Mcycle: 3, IflagsH: true,
	})
	client := dialFakeMachine(t, fm)
	s := newProcessingSession(t, mgr, "s1", client)
	e := s.activeEpoch()

	pi, err := mgr.processInput(context.Background(), s, e, 0, Input{Payload: []byte("x")})
	require.NoError(t, err)
	require.False(t, pi.Outcome.Accepted)
	require.Equal(t, MachineHalted, pi.Outcome.SkipReason)
}

func TestDrainProcessesQueueInOrderThenStops(t *testing.T) {
	mgr, table := newTestManager(t)
	fm := newFakeMachine("s1", "bufnet", table,
		machine.RunResult{Mcycle: 5, IflagsY: true, Tohost: yieldReasonTohost(machine.YieldReasonRxAccepted)},
		machine.RunResult{Mcycle: 9, IflagsY: true, Tohost: yieldReasonTohost(machine.YieldReasonRxAccepted)},
	)
	client := dialFakeMachine(t, fm)
	s := newProcessingSession(t, mgr, "s1", client)
	e := s.activeEpoch()
	e.PendingInputs = []Input{{Payload: []byte("a")}, {Payload: []byte("b")}}

	mgr.drain(context.Background(), s)

	require.False(t, s.Tainted)
	require.Empty(t, e.PendingInputs)
	require.Len(t, e.ProcessedInputs, 2)
	require.Equal(t, uint64(0), e.ProcessedInputs[0].InputIndex)
	require.Equal(t, uint64(1), e.ProcessedInputs[1].InputIndex)
	require.Equal(t, uint64(9), s.CurrentMcycle)
}

func TestDrainTaintsSessionOnUnexpectedYieldReason(t *testing.T) {
	mgr, table := newTestManager(t)
	fm := newFakeMachine("s1", "bufnet", table, machine.RunResult{
		Mcycle: 1, IflagsY: true, Tohost: yieldReasonTohost(99),
	})
	client := dialFakeMachine(t, fm)
	s := newProcessingSession(t, mgr, "s1", client)
	e := s.activeEpoch()
	e.PendingInputs = []Input{{Payload: []byte("bad")}}

	mgr.drain(context.Background(), s)

	require.True(t, s.Tainted)
	require.NotNil(t, s.TaintStatus)
	require.Empty(t, e.ProcessedInputs)
}

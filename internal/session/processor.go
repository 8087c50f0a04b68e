package session

import (
	"context"
	"errors"
	"time"

	"github.com/cartesi-corp/rollup-manager/internal/errs"
	"github.com/cartesi-corp/rollup-manager/internal/hash"
	"github.com/cartesi-corp/rollup-manager/internal/machine"
	"github.com/cartesi-corp/rollup-manager/internal/memrange"
)

// drain is the input processor (C6): it runs on a single goroutine per
// session, guarded by s.processingMu, and processes pending inputs in
// FIFO order until the active epoch's queue is empty or the session
// taints. Modeled on the fetch-process-loop shape of a generic item
// processor, specialized here to a fixed pipeline instead of a pluggable
// ProcessItem.
func (m *Manager) drain(ctx context.Context, s *Session) {
	for {
		s.mu.Lock()
		if s.Tainted {
			s.mu.Unlock()
			return
		}
		e := s.activeEpoch()
		if len(e.PendingInputs) == 0 {
			s.mu.Unlock()
			return
		}
		input := e.PendingInputs[0]
		inputIndex := uint64(len(e.ProcessedInputs))
		s.mu.Unlock()

		pi, err := m.processInput(ctx, s, e, inputIndex, input)

		s.mu.Lock()
		if err != nil {
			var tainted *errs.Error
			if !errors.As(err, &tainted) {
				tainted = errs.Wrap(errs.Internal, err, "unexpected processing failure")
			}
			s.taint(tainted)
			s.mu.Unlock()
			m.logger.Error("session tainted during input processing", "session_id", s.ID, "input_index", inputIndex, "error", err)
			m.metrics.SessionsTainted.Inc()
			return
		}
		e.ProcessedInputs = append(e.ProcessedInputs, pi)
		e.PendingInputs = e.PendingInputs[1:]
		s.mu.Unlock()

		outcomeLabel := "accepted"
		if !pi.Outcome.Accepted {
			outcomeLabel = string(pi.Outcome.SkipReason)
		}
		m.metrics.ProcessedInputs.WithLabelValues(outcomeLabel).Inc()
		m.logger.Debug("processed input", "session_id", s.ID, "input_index", inputIndex, "outcome", outcomeLabel)
	}
}

// processInput runs the snapshot -> clear -> write -> run -> (accept |
// skip) pipeline for a single pending input.
func (m *Manager) processInput(ctx context.Context, s *Session, e *Epoch, inputIndex uint64, input Input) (ProcessedInput, error) {
	if err := m.snapshotAndRecheckIn(ctx, s); err != nil {
		return ProcessedInput{}, err
	}

	for _, r := range []machine.MemoryRangeConfig{
		s.MemoryRanges.Rx,
		s.MemoryRanges.InputMetadata,
		s.MemoryRanges.VoucherHashes,
		s.MemoryRanges.NoticeHashes,
	} {
		if err := s.Client.ReplaceMemoryRange(ctx, s.Deadlines.Fast, r); err != nil {
			return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "clearing memory range at %#x", r.Start)
		}
	}

	if err := s.Client.WriteMemory(ctx, s.Deadlines.Fast, s.MemoryRanges.Rx.Start, input.Payload); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "writing rx payload")
	}
	if err := s.Client.WriteMemory(ctx, s.Deadlines.Fast, s.MemoryRanges.InputMetadata.Start, input.Metadata[:]); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "writing input metadata")
	}
	if err := s.Client.ResetIflagsY(ctx, s.Deadlines.Fast); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "ResetIflagsY")
	}

	vouchers, notices, reports, skip, lastMcycle, err := m.runLoop(ctx, s)
	if err != nil {
		return ProcessedInput{}, err
	}

	if skip == "" {
		return m.acceptInput(ctx, s, e, inputIndex, lastMcycle, vouchers, notices, reports)
	}
	return m.skipInput(ctx, s, e, inputIndex, skip, reports)
}

// runLoop implements the Run-call loop: repeated Run(limit) calls, each
// incrementing the cycle limit by Cycles.AdvanceStateIncrement (capped at
// Cycles.MaxAdvanceState beyond the starting mcycle), classifying the
// outcome of each call and extracting automatic-yield output frames along
// the way, until the machine is accepted, skipped, or the wall-clock
// budget Deadlines.AdvanceState is exceeded.
func (m *Manager) runLoop(ctx context.Context, s *Session) (vouchers []Voucher, notices []Notice, reports []Report, skip SkipReason, lastMcycle uint64, err error) {
	start := time.Now()
	baseline := s.CurrentMcycle
	maxLimit := baseline + s.Cycles.MaxAdvanceState
	limit := baseline + s.Cycles.AdvanceStateIncrement
	if limit > maxLimit {
		limit = maxLimit
	}

	for {
		var res machine.RunResult
		res, err = s.Client.Run(ctx, s.Deadlines.AdvanceStateIncrement, limit)
		if err != nil {
			err = errs.Wrap(errs.ResourceExhausted, err, "Run")
			return
		}
		lastMcycle = res.Mcycle

		switch {
		case res.Mcycle >= baseline+s.Cycles.MaxAdvanceState:
			skip = CycleLimitExceeded
			return
		case res.IflagsH:
			skip = MachineHalted
			return
		case res.IflagsY:
			switch res.YieldReason() {
			case machine.YieldReasonRxRejected:
				skip = RequestedByMachine
			case machine.YieldReasonRxAccepted:
				// accepted: exit the loop with no skip reason.
			default:
				err = errs.New(errs.OutOfRange, "unrecognised manual yield reason %d", res.YieldReason())
			}
			return
		case !res.IflagsX:
			err = errs.New(errs.Internal, "run loop observed neither iflags_y nor iflags_x")
			return
		default:
			switch res.YieldReason() {
			case machine.YieldReasonTxVoucher:
				var v Voucher
				if v, err = m.readVoucherFrame(ctx, s); err != nil {
					return
				}
				vouchers = append(vouchers, v)
			case machine.YieldReasonTxNotice:
				var n memrange.NoticeOrReport
				if n, err = m.readNoticeOrReportFrame(ctx, s); err != nil {
					return
				}
				notices = append(notices, Notice{Payload: n.Payload})
			case machine.YieldReasonTxReport:
				var r memrange.NoticeOrReport
				if r, err = m.readNoticeOrReportFrame(ctx, s); err != nil {
					return
				}
				reports = append(reports, Report{Payload: r.Payload})
			default:
				m.logger.Debug("ignoring unrecognised automatic yield reason", "reason", res.YieldReason())
			}
		}

		if time.Since(start) > s.Deadlines.AdvanceState {
			skip = TimeLimitExceeded
			return
		}

		limit += s.Cycles.AdvanceStateIncrement
		if limit > maxLimit {
			limit = maxLimit
		}
	}
}

func (m *Manager) readVoucherFrame(ctx context.Context, s *Session) (Voucher, error) {
	buf, err := s.Client.ReadMemory(ctx, s.Deadlines.Fast, s.MemoryRanges.Tx.Start, s.MemoryRanges.Tx.Length)
	if err != nil {
		return Voucher{}, errs.Wrap(errs.ResourceExhausted, err, "reading tx buffer")
	}
	v, err := memrange.DecodeVoucher(buf)
	if err != nil {
		return Voucher{}, errs.Wrap(errs.OutOfRange, err, "decoding voucher frame")
	}
	return Voucher{Address: v.Address, Payload: v.Payload}, nil
}

func (m *Manager) readNoticeOrReportFrame(ctx context.Context, s *Session) (memrange.NoticeOrReport, error) {
	buf, err := s.Client.ReadMemory(ctx, s.Deadlines.Fast, s.MemoryRanges.Tx.Start, s.MemoryRanges.Tx.Length)
	if err != nil {
		return memrange.NoticeOrReport{}, errs.Wrap(errs.ResourceExhausted, err, "reading tx buffer")
	}
	n, err := memrange.DecodeNoticeOrReport(buf)
	if err != nil {
		return memrange.NoticeOrReport{}, errs.Wrap(errs.OutOfRange, err, "decoding notice/report frame")
	}
	return n, nil
}

// acceptInput implements step 6 of the pipeline: accumulate the machine's
// voucher_hashes/notice_hashes leaves into the epoch trees, attach
// per-output inclusion proofs, and record the accepted outcome.
func (m *Manager) acceptInput(ctx context.Context, s *Session, e *Epoch, inputIndex, lastMcycle uint64, vouchers []Voucher, notices []Notice, reports []Report) (ProcessedInput, error) {
	if err := s.Client.UpdateMerkleTree(ctx, s.Deadlines.UpdateMerkleTree); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "UpdateMerkleTree")
	}
	if e.VouchersTree.Size() != inputIndex || e.NoticesTree.Size() != inputIndex {
		return ProcessedInput{}, errs.New(errs.Internal, "epoch tree size invariant violated at input %d", inputIndex)
	}

	voucherHashesInMachine, err := s.Client.GetProof(ctx, s.Deadlines.Fast, s.MemoryRanges.VoucherHashes.Start, s.MemoryRanges.VoucherHashes.Log2Size)
	if err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "GetProof voucher_hashes")
	}
	if err := e.VouchersTree.PushBack(voucherHashesInMachine.TargetHash); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.Internal, err, "pushing voucher hash")
	}
	voucherHashesInEpoch, err := e.VouchersTree.GetProof(inputIndex<<5, 5)
	if err != nil {
		return ProcessedInput{}, errs.Wrap(errs.Internal, err, "proof for voucher leaf %d", inputIndex)
	}

	noticeHashesInMachine, err := s.Client.GetProof(ctx, s.Deadlines.Fast, s.MemoryRanges.NoticeHashes.Start, s.MemoryRanges.NoticeHashes.Log2Size)
	if err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "GetProof notice_hashes")
	}
	if err := e.NoticesTree.PushBack(noticeHashesInMachine.TargetHash); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.Internal, err, "pushing notice hash")
	}
	noticeHashesInEpoch, err := e.NoticesTree.GetProof(inputIndex<<5, 5)
	if err != nil {
		return ProcessedInput{}, errs.Wrap(errs.Internal, err, "proof for notice leaf %d", inputIndex)
	}

	if err := m.attachVoucherHashes(ctx, s, vouchers); err != nil {
		return ProcessedInput{}, err
	}
	if err := m.attachNoticeHashes(ctx, s, notices); err != nil {
		return ProcessedInput{}, err
	}

	rootHash, err := s.Client.GetRootHash(ctx, s.Deadlines.Fast)
	if err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "GetRootHash")
	}

	s.CurrentMcycle = lastMcycle

	return ProcessedInput{
		InputIndex:            inputIndex,
		MostRecentMachineHash: rootHash,
		VoucherHashesInEpoch:  voucherHashesInEpoch,
		NoticeHashesInEpoch:   noticeHashesInEpoch,
		Outcome: Outcome{
			Accepted:               true,
			VoucherHashesInMachine: voucherHashesInMachine,
			Vouchers:               vouchers,
			NoticeHashesInMachine:  noticeHashesInMachine,
			Notices:                notices,
		},
		Reports: reports,
	}, nil
}

func (m *Manager) attachVoucherHashes(ctx context.Context, s *Session, vouchers []Voucher) error {
	buf, err := s.Client.ReadMemory(ctx, s.Deadlines.Fast, s.MemoryRanges.VoucherHashes.Start, s.MemoryRanges.VoucherHashes.Length)
	if err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "reading voucher_hashes range")
	}
	hashes := memrange.ScanHashes(buf)
	if len(hashes) != len(vouchers) {
		return errs.New(errs.InvalidArgument, "voucher_hashes count %d does not match %d observed vouchers", len(hashes), len(vouchers))
	}
	for k := range vouchers {
		full, err := s.Client.GetProof(ctx, s.Deadlines.Fast, s.MemoryRanges.VoucherHashes.Start+uint64(k)*hash.Size, 5)
		if err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "GetProof voucher %d", k)
		}
		sliced := full.Slice(s.MemoryRanges.VoucherHashes.Log2Size, 5)
		vouchers[k].Hash = &VoucherHash{Keccak: hashes[k], KeccakInHashes: sliced}
	}
	return nil
}

func (m *Manager) attachNoticeHashes(ctx context.Context, s *Session, notices []Notice) error {
	buf, err := s.Client.ReadMemory(ctx, s.Deadlines.Fast, s.MemoryRanges.NoticeHashes.Start, s.MemoryRanges.NoticeHashes.Length)
	if err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "reading notice_hashes range")
	}
	hashes := memrange.ScanHashes(buf)
	if len(hashes) != len(notices) {
		return errs.New(errs.InvalidArgument, "notice_hashes count %d does not match %d observed notices", len(hashes), len(notices))
	}
	for k := range notices {
		full, err := s.Client.GetProof(ctx, s.Deadlines.Fast, s.MemoryRanges.NoticeHashes.Start+uint64(k)*hash.Size, 5)
		if err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "GetProof notice %d", k)
		}
		sliced := full.Slice(s.MemoryRanges.NoticeHashes.Log2Size, 5)
		notices[k].Hash = &VoucherHash{Keccak: hashes[k], KeccakInHashes: sliced}
	}
	return nil
}

// skipInput implements step 7: roll the machine back, append the zero
// hash to both epoch trees, and record the skipped outcome without
// advancing current_mcycle.
func (m *Manager) skipInput(ctx context.Context, s *Session, e *Epoch, inputIndex uint64, reason SkipReason, reports []Report) (ProcessedInput, error) {
	if err := m.rollbackAndRecheckIn(ctx, s); err != nil {
		return ProcessedInput{}, err
	}
	if err := s.Client.UpdateMerkleTree(ctx, s.Deadlines.UpdateMerkleTree); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "UpdateMerkleTree")
	}

	if err := e.VouchersTree.PushBack(hash.Zero); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.Internal, err, "pushing zero voucher leaf")
	}
	if err := e.NoticesTree.PushBack(hash.Zero); err != nil {
		return ProcessedInput{}, errs.Wrap(errs.Internal, err, "pushing zero notice leaf")
	}
	voucherProof, err := e.VouchersTree.GetProof(inputIndex<<5, 5)
	if err != nil {
		return ProcessedInput{}, errs.Wrap(errs.Internal, err, "proof for skipped voucher leaf %d", inputIndex)
	}
	noticeProof, err := e.NoticesTree.GetProof(inputIndex<<5, 5)
	if err != nil {
		return ProcessedInput{}, errs.Wrap(errs.Internal, err, "proof for skipped notice leaf %d", inputIndex)
	}

	rootHash, err := s.Client.GetRootHash(ctx, s.Deadlines.Fast)
	if err != nil {
		return ProcessedInput{}, errs.Wrap(errs.ResourceExhausted, err, "GetRootHash")
	}

	return ProcessedInput{
		InputIndex:            inputIndex,
		MostRecentMachineHash: rootHash,
		VoucherHashesInEpoch:  voucherProof,
		NoticeHashesInEpoch:   noticeProof,
		Outcome:               Outcome{Accepted: false, SkipReason: reason},
		Reports:               reports,
	}, nil
}

// snapshotAndRecheckIn calls Snapshot, which causes the remote server to
// fork/respawn; the manager must re-register in the checkin rendezvous
// and wait for the respawned child before issuing any further RPC.
func (m *Manager) snapshotAndRecheckIn(ctx context.Context, s *Session) error {
	return m.callAndRecheckIn(ctx, s, func() error {
		return s.Client.Snapshot(ctx, s.Deadlines.Fast)
	})
}

// rollbackAndRecheckIn is the Rollback counterpart of snapshotAndRecheckIn.
func (m *Manager) rollbackAndRecheckIn(ctx context.Context, s *Session) error {
	return m.callAndRecheckIn(ctx, s, func() error {
		return s.Client.Rollback(ctx, s.Deadlines.Fast)
	})
}

func (m *Manager) callAndRecheckIn(ctx context.Context, s *Session, rpc func() error) error {
	if err := m.checkinTable.Register(s.ID); err != nil {
		return errs.Wrap(errs.Internal, err, "registering re-checkin")
	}
	if err := rpc(); err != nil {
		m.checkinTable.Remove(s.ID)
		return errs.Wrap(errs.ResourceExhausted, err, "rpc preceding re-checkin")
	}

	address, err := m.checkinTable.Wait(ctx, s.ID)
	if err != nil {
		return errs.Wrap(errs.ResourceExhausted, err, "waiting for re-checkin")
	}

	if address != s.Address {
		newClient, err := machine.Dial(ctx, address)
		if err != nil {
			return errs.Wrap(errs.ResourceExhausted, err, "re-dialing respawned machine server")
		}
		_ = s.Client.Close()
		s.Client = newClient
		s.Address = address
	}
	return nil
}

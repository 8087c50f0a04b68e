package rpc

import (
	"context"

	"github.com/cartesi-corp/rollup-manager/internal/errs"
	"github.com/cartesi-corp/rollup-manager/internal/session"
	"github.com/cartesi-corp/rollup-manager/internal/version"
)

func (s *Server) startSession(ctx context.Context, req *startSessionRequest) (*emptyResponse, error) {
	err := s.mgr.StartSession(ctx, session.StartSessionRequest{
		SessionID:        req.SessionID,
		ActiveEpochIndex: req.ActiveEpochIndex,
		MachineConfig:    req.MachineConfig,
		Deadlines:        req.Deadlines,
		Cycles:           req.Cycles,
	})
	return &emptyResponse{}, err
}

func (s *Server) advanceState(ctx context.Context, req *advanceStateRequest) (*emptyResponse, error) {
	if len(req.Metadata) != 128 {
		return nil, errs.New(errs.InvalidArgument, "metadata must be exactly 128 bytes, got %d", len(req.Metadata))
	}
	var metadata [128]byte
	copy(metadata[:], req.Metadata)

	err := s.mgr.AdvanceState(ctx, session.AdvanceStateRequest{
		SessionID:         req.SessionID,
		ActiveEpochIndex:  req.ActiveEpochIndex,
		CurrentInputIndex: req.CurrentInputIndex,
		Metadata:          metadata,
		Payload:           req.Payload,
	})
	return &emptyResponse{}, err
}

func (s *Server) finishEpoch(ctx context.Context, req *finishEpochRequest) (*emptyResponse, error) {
	err := s.mgr.FinishEpoch(ctx, session.FinishEpochRequest{
		SessionID:           req.SessionID,
		ActiveEpochIndex:    req.ActiveEpochIndex,
		ProcessedInputCount: req.ProcessedInputCount,
		StorageDirectory:    req.StorageDirectory,
	})
	return &emptyResponse{}, err
}

func (s *Server) endSession(ctx context.Context, req *endSessionRequest) (*emptyResponse, error) {
	return &emptyResponse{}, s.mgr.EndSession(ctx, req.SessionID)
}

func (s *Server) getStatus(ctx context.Context, _ *emptyRequest) (*getStatusResponse, error) {
	return &getStatusResponse{SessionIDs: s.mgr.GetStatus()}, nil
}

func (s *Server) getVersion(ctx context.Context, _ *emptyRequest) (*getVersionResponse, error) {
	resp := toGetVersionResponse(version.Current())
	return &resp, nil
}

func (s *Server) getSessionStatus(ctx context.Context, req *getSessionStatusRequest) (*sessionStatusResponse, error) {
	status, err := s.mgr.GetSessionStatus(req.SessionID)
	if err != nil {
		return nil, err
	}
	resp := toSessionStatusResponse(status)
	return &resp, nil
}

func (s *Server) getEpochStatus(ctx context.Context, req *getEpochStatusRequest) (*epochStatusResponse, error) {
	status, err := s.mgr.GetEpochStatus(req.SessionID, req.EpochIndex)
	if err != nil {
		return nil, err
	}
	resp := toEpochStatusResponse(status)
	return &resp, nil
}

// checkIn is invoked by spawned machine-server children, never by an
// external rollup dispatcher.
func (s *Server) checkIn(ctx context.Context, req *checkInRequest) (*emptyResponse, error) {
	return &emptyResponse{}, s.mgr.CheckIn(ctx, req.SessionID, req.Address)
}

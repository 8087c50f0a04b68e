package machine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	_ "github.com/cartesi-corp/rollup-manager/internal/rpcjson"
)

func TestYieldReasonExtractsBits32To47OfTohost(t *testing.T) {
	for _, reason := range []uint16{
		YieldReasonRxAccepted, YieldReasonRxRejected,
		YieldReasonTxVoucher, YieldReasonTxNotice, YieldReasonTxReport,
	} {
		r := RunResult{Tohost: uint64(reason) << 32}
		require.Equal(t, reason, r.YieldReason())
	}
}

// fakeVersionServer answers GetVersion with a fixed version, enough to
// exercise Dial + one round-trip RPC over the rpcjson codec without a real
// spawned machine-server binary.
type fakeVersionServer struct {
	version Version
}

func (f *fakeVersionServer) serviceDesc() grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetVersion", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				var req struct{}
				if err := dec(&req); err != nil {
					return nil, err
				}
				return f.version, nil
			}},
		},
	}
}

func TestDialAndCallRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	fv := &fakeVersionServer{version: Version{Major: 1, Minor: 2, Patch: 3}}
	sd := fv.serviceDesc()
	srv.RegisterService(&sd, fv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, "bufnet", grpc.WithContextDialer(dialer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	v, err := client.GetVersion(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, fv.version, v)
}

// Dial uses grpc.NewClient, which resolves its target and sets up the
// connection lazily rather than dialing eagerly; a not-yet-reachable
// address alone is not expected to fail Dial itself, only later RPCs.

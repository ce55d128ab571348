package middleware

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// testServerStream is a grpc.ServerStream that only carries a context.
type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context {
	return s.ctx
}

// bearerContext returns an incoming gRPC context carrying token as a bearer
// credential. A non-empty ip also attaches a TCP peer address.
func bearerContext(token, ip string) context.Context {
	ctx := context.Background()
	if ip != "" {
		ctx = peer.NewContext(ctx, &peer.Peer{
			Addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 5000},
		})
	}
	return metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer "+token))
}

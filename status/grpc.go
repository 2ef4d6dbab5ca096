// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package status

import (
	"context"

	"github.com/TheThingsNetwork/go-utils/grpc/ttnctx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
)

// healthServer checks the access key before answering health checks
type healthServer struct {
	*status
}

func (s healthServer) authenticate(ctx context.Context) error {
	key, _ := ttnctx.KeyFromIncomingContext(ctx)
	if !s.allowed(key) {
		return grpcstatus.Errorf(codes.Unauthenticated, "Not authenticated")
	}
	return nil
}

func (s healthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	return s.health.Check(ctx, req)
}

func (s healthServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	if err := s.authenticate(stream.Context()); err != nil {
		return err
	}
	return s.health.Watch(req, stream)
}

// Register the health service of the default status
func Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, healthServer{global})
}

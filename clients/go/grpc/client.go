// Package grpc provides a gRPC client for the flagtree service.
//
// The service exchanges protobuf well-known types: requests and responses
// are google.protobuf.Struct messages, and ListFlags takes
// google.protobuf.Empty.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	flagtree "github.com/matt-riley/flagtree/clients/go"
)

// ServiceName is the fully qualified name of the flag service.
const ServiceName = "flagtree.v1.FlagService"

const (
	listFlagsMethod      = "/" + ServiceName + "/ListFlags"
	resolveMethod        = "/" + ServiceName + "/Resolve"
	setOverrideMethod    = "/" + ServiceName + "/SetOverride"
	deleteOverrideMethod = "/" + ServiceName + "/DeleteOverride"
	watchMethod          = "/" + ServiceName + "/Watch"
)

var watchStreamDesc = &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the flagtree gRPC server, e.g. "localhost:9090".
	Address string
	// Token is the bearer token. Leave empty when the server runs without auth.
	Token string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements flagtree.Client over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

// NewGRPCClient creates a client for the flagtree gRPC server.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("flagtree: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.Token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.Token)
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("flagtree: encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// -- wire helpers ------------------------------------------------------------

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func toResolution(s *structpb.Struct) flagtree.Resolution {
	return flagtree.Resolution{
		Scope:  stringField(s, "scope"),
		Flag:   stringField(s, "flag"),
		Kind:   stringField(s, "kind"),
		Value:  stringField(s, "value"),
		Local:  s.GetFields()["local"].GetBoolValue(),
		Source: stringField(s, "source"),
	}
}

func toDefinitions(s *structpb.Struct) []flagtree.Definition {
	items := s.GetFields()["flags"].GetListValue().GetValues()
	defs := make([]flagtree.Definition, 0, len(items))
	for _, item := range items {
		d := item.GetStructValue()
		if d == nil {
			continue
		}
		defs = append(defs, flagtree.Definition{
			Name:    stringField(d, "name"),
			Kind:    stringField(d, "kind"),
			Default: stringField(d, "default"),
			Example: stringField(d, "example"),
		})
	}
	return defs
}

func toEvent(id int64, s *structpb.Struct) flagtree.Event {
	return flagtree.Event{
		ID:     id,
		Scope:  stringField(s, "scope"),
		Flag:   stringField(s, "flag"),
		Value:  stringField(s, "value"),
		Update: stringField(s, "update"),
	}
}

// -- Resolver ----------------------------------------------------------------

func (c *Client) ListFlags(ctx context.Context) ([]flagtree.Definition, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), listFlagsMethod, &emptypb.Empty{}, resp); err != nil {
		return nil, fmt.Errorf("flagtree: ListFlags: %w", err)
	}
	return toDefinitions(resp), nil
}

func (c *Client) Resolve(ctx context.Context, scope, flag string) (flagtree.Resolution, error) {
	resp, err := c.invoke(ctx, resolveMethod, map[string]any{"scope": scope, "flag": flag})
	if err != nil {
		return flagtree.Resolution{}, fmt.Errorf("flagtree: Resolve: %w", err)
	}
	return toResolution(resp), nil
}

// -- OverrideManager ---------------------------------------------------------

func (c *Client) SetOverride(ctx context.Context, scope, flag, value string) (flagtree.Resolution, error) {
	resp, err := c.invoke(ctx, setOverrideMethod, map[string]any{"scope": scope, "flag": flag, "value": value})
	if err != nil {
		return flagtree.Resolution{}, fmt.Errorf("flagtree: SetOverride: %w", err)
	}
	return toResolution(resp), nil
}

func (c *Client) DeleteOverride(ctx context.Context, scope, flag string) (bool, error) {
	resp, err := c.invoke(ctx, deleteOverrideMethod, map[string]any{"scope": scope, "flag": flag})
	if err != nil {
		return false, fmt.Errorf("flagtree: DeleteOverride: %w", err)
	}
	return resp.GetFields()["removed"].GetBoolValue(), nil
}

// -- Watcher -----------------------------------------------------------------

// Watch opens the Watch stream and emits Events on the returned channel.
// gRPC events carry no server ID, so IDs count from 1 per stream.
// The channel is closed when ctx is cancelled or the stream ends.
func (c *Client) Watch(ctx context.Context, scope string) (<-chan flagtree.Event, error) {
	req, err := structpb.NewStruct(map[string]any{"scope": scope})
	if err != nil {
		return nil, fmt.Errorf("flagtree: encode request: %w", err)
	}

	stream, err := c.conn.NewStream(c.authCtx(ctx), watchStreamDesc, watchMethod)
	if err != nil {
		return nil, fmt.Errorf("flagtree: Watch: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("flagtree: Watch: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("flagtree: Watch: %w", err)
	}

	ch := make(chan flagtree.Event, 16)
	go func() {
		defer close(ch)
		for id := int64(1); ; id++ {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					select {
					case ch <- flagtree.Event{ID: id, Update: "error", Error: err.Error()}:
					case <-ctx.Done():
					}
				}
				return
			}
			select {
			case ch <- toEvent(id, msg):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ flagtree.Client = (*Client)(nil)

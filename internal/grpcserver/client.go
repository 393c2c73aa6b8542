package grpcserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"meshtrack/internal/session"
)

// ClientConfig describes how to reach a rig output server.
type ClientConfig struct {
	Address    string
	CACertPath string // enables TLS when set
	ServerName string
}

// Client consumes rig outputs from a RigOutputServer.
type Client struct {
	conn *grpc.ClientConn
}

// StoredFrame is a persisted frame as returned by Frames.
type StoredFrame struct {
	SessionID     string         `json:"session_id"`
	Frame         int            `json:"frame"`
	Valid         bool           `json:"valid"`
	Failed        bool           `json:"failed"`
	LowConfidence bool           `json:"low_confidence"`
	Output        map[string]any `json:"output"`
}

// Dial creates a client for cfg.Address. extra options are appended to the
// defaults.
func Dial(cfg ClientConfig, extra ...grpc.DialOption) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("grpc: address is required")
	}
	var opts []grpc.DialOption
	if cfg.CACertPath != "" {
		tlsConfig, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMessageSize)),
	)
	opts = append(opts, extra...)
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func loadTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	pem, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", cfg.CACertPath)
	}
	return &tls.Config{RootCAs: pool, ServerName: cfg.ServerName, MinVersion: tls.VersionTLS12}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// FrameStream is an open subscription.
type FrameStream struct {
	stream grpc.ClientStream
}

// Subscribe opens a live stream of sessionID's frames, or of every
// session when it is empty. It returns once the server is subscribed;
// a server-side refusal surfaces from the first Recv.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (*FrameStream, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeRoute)
	if err != nil {
		return nil, err
	}
	req, _ := structpb.NewStruct(map[string]any{"session": sessionID})
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	if _, err := stream.Header(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}

// Recv blocks for the next frame result. It returns io.EOF when the
// server ends the stream.
func (f *FrameStream) Recv() (session.FrameResult, error) {
	msg := new(structpb.Struct)
	if err := f.stream.RecvMsg(msg); err != nil {
		return session.FrameResult{}, err
	}
	var res session.FrameResult
	if err := decodeStruct(msg, &res); err != nil {
		return session.FrameResult{}, fmt.Errorf("decode frame: %w", err)
	}
	return res, nil
}

// Frames fetches stored frames of sessionID starting at from.
func (c *Client) Frames(ctx context.Context, sessionID string, from, limit int) ([]StoredFrame, error) {
	req, err := structpb.NewStruct(map[string]any{"session": sessionID, "from": from, "limit": limit})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, framesRoute, req, resp); err != nil {
		return nil, err
	}
	var out struct {
		Frames []StoredFrame `json:"frames"`
	}
	if err := decodeStruct(resp, &out); err != nil {
		return nil, fmt.Errorf("decode frames: %w", err)
	}
	return out.Frames, nil
}

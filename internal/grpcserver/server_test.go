package grpcserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"meshtrack/internal/pipeline"
	"meshtrack/internal/rig"
	"meshtrack/internal/session"
	"meshtrack/internal/storage"
)

func startServer(t *testing.T, hub *pipeline.FrameHub, store *storage.Store) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewRigOutputServer(hub, store, nil).Serve(ctx, lis)
	}()
	client, err := Dial(ClientConfig{Address: "passthrough:///bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return client
}

func TestSubscribeStreamsSessionFrames(t *testing.T) {
	hub := pipeline.NewFrameHub(nil)
	client := startServer(t, hub, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.Publish(session.FrameResult{SessionID: "s2", Frame: 1})
	hub.Publish(session.FrameResult{
		SessionID: "s1",
		Frame:     9,
		Output: rig.Output{
			Frame:    9,
			Valid:    true,
			Channels: []rig.ChannelValue{{Name: "jaw", Value: 0.25, Raw: 0.25}},
		},
		Diagnostics: session.Diagnostics{Frame: 9, Iterations: 4, Duration: 1500 * time.Microsecond},
	})

	res, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if res.SessionID != "s1" || res.Frame != 9 {
		t.Fatalf("expected s1 frame 9, got %s frame %d", res.SessionID, res.Frame)
	}
	if v := res.Output.Values()["jaw"]; v != 0.25 || !res.Output.Valid {
		t.Fatalf("unexpected output %+v", res.Output)
	}
	if res.Diagnostics.Iterations != 4 || res.Diagnostics.Duration != 1500*time.Microsecond {
		t.Fatalf("unexpected diagnostics %+v", res.Diagnostics)
	}

	hub.Close()
	if _, err := stream.Recv(); err != io.EOF {
		t.Fatalf("expected io.EOF after the hub closed, got %v", err)
	}
}

func TestFramesFromStore(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "meshtrack.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	for i := 0; i < 4; i++ {
		out, _ := json.Marshal(rig.Output{Frame: i, Valid: i != 2, Channels: []rig.ChannelValue{{Name: "jaw", Value: float64(i) / 10}}})
		if err := store.RecordFrame(storage.FrameRecord{SessionID: "s1", Frame: i, Valid: i != 2, Failed: i == 2, Output: out, Diagnostics: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	client := startServer(t, nil, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames, err := client.Frames(ctx, "s1", 1, 2)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 2 || frames[0].Frame != 1 || frames[1].Frame != 2 {
		t.Fatalf("unexpected frames %+v", frames)
	}
	if !frames[1].Failed || frames[1].Valid || frames[0].Output["valid"] != true {
		t.Fatalf("unexpected flags %+v", frames)
	}

	_, err = client.Frames(ctx, "", 0, 0)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument without a session, got %v", err)
	}
}

func TestUnavailableWithoutSources(t *testing.T) {
	client := startServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Frames(ctx, "s1", 0, 0); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
	stream, err := client.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := stream.Recv(); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable from the stream, got %v", err)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"stratflow/internal/clarify"
	"stratflow/internal/session"
)

// Client is a gRPC client for the workflow service.
type Client struct {
	conn *grpc.ClientConn
	log  *slog.Logger
}

// Dial creates a client targeting the given gRPC address.
func Dial(addr string, log *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn, log: log}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Create starts a new session.
func (c *Client) Create(ctx context.Context) (*session.Snapshot, error) {
	return c.call(ctx, "Create", sessionRequest{})
}

// Submit sends a user message.
func (c *Client) Submit(ctx context.Context, id, text string) (*session.Snapshot, error) {
	return c.call(ctx, "Submit", sessionRequest{SessionID: id, Text: text})
}

// Answer submits answers to the outstanding questions.
func (c *Client) Answer(ctx context.Context, id string, answers []clarify.Answer) (*session.Snapshot, error) {
	return c.call(ctx, "Answer", sessionRequest{SessionID: id, Answers: answers})
}

// Approve approves the pending strategy.
func (c *Client) Approve(ctx context.Context, id string) (*session.Snapshot, error) {
	return c.call(ctx, "Approve", sessionRequest{SessionID: id})
}

// Cancel resets the session.
func (c *Client) Cancel(ctx context.Context, id string) (*session.Snapshot, error) {
	return c.call(ctx, "Cancel", sessionRequest{SessionID: id})
}

// Regenerate regenerates the pending strategy.
func (c *Client) Regenerate(ctx context.Context, id string) (*session.Snapshot, error) {
	return c.call(ctx, "Regenerate", sessionRequest{SessionID: id})
}

// Snapshot returns the session state.
func (c *Client) Snapshot(ctx context.Context, id string) (*session.Snapshot, error) {
	return c.call(ctx, "Snapshot", sessionRequest{SessionID: id})
}

// Watch streams session events into fn until ctx is cancelled, the
// session closes or fn returns an error. The first event has type
// "snapshot".
func (c *Client) Watch(ctx context.Context, id string, fn func(session.Event) error) error {
	in, err := toStruct(sessionRequest{SessionID: id})
	if err != nil {
		return err
	}
	cs, err := c.conn.NewStream(ctx, &workflowDesc.Streams[0], fmt.Sprintf("/%s/Watch", ServiceName))
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	c.log.Info("connected to session stream", "session", id)

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving event: %w", err)
		}
		var evt session.Event
		if err := fromStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) call(ctx context.Context, method string, req sessionRequest) (*session.Snapshot, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fmt.Sprintf("/%s/%s", ServiceName, method), in, out); err != nil {
		return nil, err
	}
	data, err := json.Marshal(out.AsMap())
	if err != nil {
		return nil, err
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

package inference

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// Transport carries batch requests to an inference server
type Transport interface {
	Invoke(ctx context.Context, req *BatchRequest) (*BatchResult, error)
	Close() error
}

// Connector opens a Transport to addr.  notify is called with true when the
// connection becomes ready and false when it fails or shuts down, it must
// not be called after Close returns.
type Connector func(addr string, notify func(ready bool)) (Transport, error)

// grpcTransport is a Transport over a gRPC client connection
type grpcTransport struct {
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	done   chan struct{}
}

// GRPCConnector returns a Connector dialing plaintext gRPC with the msgpack
// codec, opts are appended to the defaults
func GRPCConnector(opts ...grpc.DialOption) Connector {

	return func(addr string, notify func(bool)) (Transport, error) {

		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
		}, opts...)

		conn, err := grpc.NewClient(addr, dialOpts...)

		if err != nil {
			return nil, errors.Wrapf(err, "error dialing %s", addr)
		}

		ctx, cancel := context.WithCancel(context.Background())

		t := &grpcTransport{
			conn:   conn,
			cancel: cancel,
			done:   make(chan struct{}),
		}

		go t.watch(ctx, notify)

		// leave idle mode so connectivity is reported without a call
		conn.Connect()

		return t, nil
	}
}

// watch reports connectivity transitions until ctx is cancelled
func (t *grpcTransport) watch(ctx context.Context, notify func(bool)) {

	defer close(t.done)

	state := t.conn.GetState()

	for {
		notify(state == connectivity.Ready)

		switch state {
		case connectivity.Shutdown:
			return
		case connectivity.Idle:
			// a dropped connection falls back to idle, keep dialing with
			// the channel backoff
			t.conn.Connect()
		}

		if !t.conn.WaitForStateChange(ctx, state) {
			// context cancelled
			return
		}

		state = t.conn.GetState()
	}
}

// Invoke performs one unary inference call
func (t *grpcTransport) Invoke(ctx context.Context, req *BatchRequest) (*BatchResult, error) {

	res := new(BatchResult)

	if err := t.conn.Invoke(ctx, inferenceMethod, req, res); err != nil {
		return nil, err
	}

	return res, nil
}

// Close stops the watcher and closes the connection
func (t *grpcTransport) Close() error {

	t.cancel()
	<-t.done

	return t.conn.Close()
}

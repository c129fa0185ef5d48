package inference_test

import (
	"context"
	"image"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/inference"
)

type rawEncoder struct{}

func (rawEncoder) Encode(img *image.Gray) ([]byte, error) {
	return img.Pix, nil
}

// echoServer reports one detection per image whose category is the image
// byte length
type echoServer struct{}

func (echoServer) Inference(ctx context.Context,
	req *inference.BatchRequest) (*inference.BatchResult, error) {

	res := &inference.BatchResult{ID: req.ID}

	for _, img := range req.Images {
		res.Results = append(res.Results, inference.ImageResult{
			Name: img.Name,
			Detections: []inference.Detection{{
				Category:   len(img.Data),
				Confidence: 0.75,
				BBox:       inference.BBox{XLT: 1, YLT: 2, XRB: 3, YRB: 4},
				RLE:        inference.RLE{Size: [2]int{2, 2}, Counts: "04"},
			}},
		})
	}

	if req.Opt.NumImagesReturned > 0 {
		res.Images = req.Images[:1]
	}

	return res, nil
}

func startServer(t *testing.T) inference.Connector {

	lis := bufconn.Listen(1 << 20)
	srv := inference.NewGRPCServer(echoServer{})

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return inference.GRPCConnector(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
}

func TestGRPCRoundTrip(t *testing.T) {

	client := inference.NewClient(startServer(t), inference.Options{NumImagesReturned: 1})
	defer client.Stop()

	results := make(chan inference.Result, 1)
	client.Results().Subscribe(bus.Immediate, func(r inference.Result) { results <- r })

	require.NoError(t, client.Connect("passthrough:///bufnet"))

	require.Eventually(t, func() bool { return client.Connected().Value() },
		5*time.Second, 10*time.Millisecond)

	batch := ps.NewBatch(2)
	require.NoError(t, batch.Add(ps.NewAcquiredImage("a", 0,
		image.NewGray(image.Rect(0, 0, 2, 3)), rawEncoder{})))
	require.NoError(t, batch.Add(ps.NewAcquiredImage("b", 0,
		image.NewGray(image.Rect(0, 0, 4, 4)), rawEncoder{})))

	require.NoError(t, client.SubmitBatch(batch))

	select {
	case r := <-results:
		require.Len(t, r.Result.Results, 2)
		assert.Equal(t, r.Request.ID, r.Result.ID)

		byName := map[string]inference.ImageResult{}
		for _, ir := range r.Result.Results {
			byName[ir.Name] = ir
		}

		assert.Equal(t, 6, byName["a"].Detections[0].Category)
		assert.Equal(t, 16, byName["b"].Detections[0].Category)
		assert.Equal(t, float32(0.75), byName["a"].Detections[0].Confidence)
		assert.Equal(t, inference.BBox{XLT: 1, YLT: 2, XRB: 3, YRB: 4},
			byName["a"].Detections[0].BBox)
		assert.Equal(t, [2]int{2, 2}, byName["a"].Detections[0].RLE.Size)

		require.Len(t, r.Result.Images, 1)
		assert.Equal(t, "a", r.Result.Images[0].Name)

	case <-time.After(5 * time.Second):
		t.Fatal("no result received")
	}

	client.Wait()
	assert.Equal(t, 0, client.InFlight())
}

func TestGRPCConnectionLost(t *testing.T) {

	lis := bufconn.Listen(1 << 20)
	srv := inference.NewGRPCServer(echoServer{})
	go srv.Serve(lis)

	connector := inference.GRPCConnector(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)

	client := inference.NewClient(connector, inference.Options{})
	defer client.Stop()

	require.NoError(t, client.Connect("passthrough:///bufnet"))
	require.Eventually(t, func() bool { return client.Connected().Value() },
		5*time.Second, 10*time.Millisecond)

	srv.Stop()

	require.Eventually(t, func() bool { return !client.Connected().Value() },
		5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, client.SubmitBatch(ps.NewBatch(1)), inference.ErrNotConnected)
}

package telemetry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func TestGRPCPublisherStreamsFrames(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 20)
	pub := NewGRPCPublisher("bufnet")
	pub.Serve(lis)
	defer pub.Close()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := Subscribe(ctx, conn)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, pub.Publish(ctx, sampleFrame()))

	msg, err := sub.Recv()
	require.NoError(t, err)
	fields := msg.GetFields()
	assert.Equal(t, 42.0, fields[KeyFrameID].GetNumberValue())
	assert.Equal(t, "s-1", fields["session_id"].GetStringValue())
	ids := fields[KeyTagIDs].GetListValue().GetValues()
	require.Len(t, ids, 2)
	assert.Equal(t, 3.0, ids[0].GetNumberValue())
	assert.Equal(t, -1.0, fields[KeyVOPoseEstimate].GetListValue().GetValues()[0].GetNumberValue())
}

func TestGRPCPublisherWithoutSubscribers(t *testing.T) {
	t.Parallel()

	pub := NewGRPCPublisher("127.0.0.1:0")
	require.NoError(t, pub.Publish(context.Background(), sampleFrame()))
	assert.Zero(t, pub.Subscribers())
	assert.Zero(t, pub.Dropped())
	assert.NoError(t, pub.Close())
}

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tagpose/internal/monitoring"
)

// UDPPublisher sends each frame as one JSON datagram. Writes happen on a
// background goroutine; Publish never blocks the pipeline and drops the
// frame when the queue is full.
type UDPPublisher struct {
	conn        *net.UDPConn
	queue       chan []byte
	logInterval time.Duration
	address     string
	dropped     atomic.Uint64
	sent        atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewUDPPublisher dials addr ("host:port").
func NewUDPPublisher(addr string, logInterval time.Duration) (*UDPPublisher, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve telemetry address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = 10 * time.Second
	}
	return &UDPPublisher{
		conn:        conn,
		queue:       make(chan []byte, 64),
		logInterval: logInterval,
		address:     udpAddr.String(),
		done:        make(chan struct{}),
	}, nil
}

// Start runs the sender until ctx is cancelled or Close is called.
func (u *UDPPublisher) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastErr error
		ticker := time.NewTicker(u.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-u.done:
				return
			case pkt := <-u.queue:
				if _, err := u.conn.Write(pkt); err != nil {
					failed++
					lastErr = err
					continue
				}
				u.sent.Add(1)
			case <-ticker.C:
				if failed > 0 && lastErr != nil {
					monitoring.Logf("[Telemetry] %d datagrams to %s failed (latest: %v)", failed, u.address, lastErr)
					failed, lastErr = 0, nil
				}
			}
		}
	}()
	monitoring.Logf("[Telemetry] Sending frames to udp://%s", u.address)
}

// Publish implements Publisher.
func (u *UDPPublisher) Publish(_ context.Context, f *Frame) error {
	pkt, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", f.FrameID, err)
	}
	select {
	case u.queue <- pkt:
	default:
		u.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many frames were discarded on a full queue.
func (u *UDPPublisher) Dropped() uint64 { return u.dropped.Load() }

// Sent returns how many datagrams were written.
func (u *UDPPublisher) Sent() uint64 { return u.sent.Load() }

// Close stops the sender and closes the socket.
func (u *UDPPublisher) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

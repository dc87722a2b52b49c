// Command telemetry-tail subscribes to a running localizer's gRPC telemetry
// stream and prints one line per frame.
//
// Usage:
//
//	go run ./cmd/tools/telemetry-tail [flags]
//
// Flags:
//
//	-addr   Localizer gRPC address (default: localhost:50052)
//	-json   Print the raw frame as JSON instead of a summary
//	-n      Stop after this many frames (default: 0, unlimited)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/tagpose/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "localhost:50052", "Localizer gRPC address")
	raw := flag.Bool("json", false, "Print raw frames as JSON")
	limit := flag.Int("n", 0, "Stop after this many frames")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer conn.Close()

	sub, err := telemetry.Subscribe(ctx, conn)
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	log.Printf("Subscribed to %s", *addr)

	if err := tail(sub, os.Stdout, *raw, *limit); err != nil && ctx.Err() == nil {
		log.Fatalf("Stream ended: %v", err)
	}
}

type frameSource interface {
	Recv() (*structpb.Struct, error)
}

// tail copies frames from src to w until the stream ends or limit frames
// were printed.
func tail(src frameSource, w io.Writer, raw bool, limit int) error {
	for n := 0; limit <= 0 || n < limit; n++ {
		msg, err := src.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if raw {
			b, err := protojson.Marshal(msg)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, string(b))
			continue
		}
		fmt.Fprintln(w, summary(msg))
	}
	return nil
}

func summary(msg *structpb.Struct) string {
	f := msg.GetFields()
	num := func(key string) float64 { return f[key].GetNumberValue() }
	arr := func(key string) []float64 {
		var out []float64
		for _, v := range f[key].GetListValue().GetValues() {
			out = append(out, v.GetNumberValue())
		}
		return out
	}
	est := arr(telemetry.KeyPoseEstimate)
	vo := arr(telemetry.KeyVOPoseEstimate)
	line := fmt.Sprintf("frame %6.0f  tags %d  primary %3.0f", num(telemetry.KeyFrameID),
		len(f[telemetry.KeyTagIDs].GetListValue().GetValues()), num(telemetry.KeyPrimaryTagID))
	if len(est) == 3 {
		line += fmt.Sprintf("  est (%.3f, %.3f, %.3f)", est[0], est[1], est[2])
	}
	if len(vo) >= 6 {
		line += fmt.Sprintf("  vo (%.3f, %.3f, %.3f)", vo[0], vo[1], vo[5])
	}
	return line
}

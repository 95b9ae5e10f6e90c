package bus_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/token"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// BenchmarkSendRoundTrip measures one datagram send plus delivery over
// loopback, per payload size. Each op waits for receipt so socket
// buffers never overflow and skew the numbers.
//
// Usage:
//
//	go test -bench=BenchmarkSendRoundTrip ./perf_tests/bus/
func BenchmarkSendRoundTrip(b *testing.B) {
	for _, size := range []int{64, 4 << 10, 32 << 10} {
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			l, err := bus.Listen(0, "bench", nopLogger{})
			if err != nil {
				b.Fatal(err)
			}
			defer l.Close()

			got := make(chan int, 1)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go l.Serve(ctx, func(payload []byte, _ *net.UDPAddr) {
				got <- len(payload)
			})

			addr := fmt.Sprintf("127.0.0.1:%d", l.Addr().Port)
			payload := make([]byte, size)

			b.ResetTimer()
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				if err := bus.Send(ctx, addr, payload); err != nil {
					b.Fatal(err)
				}
				select {
				case <-got:
				case <-time.After(5 * time.Second):
					b.Fatal("datagram lost")
				}
			}
		})
	}
}

// BenchmarkEnvelopeMarshal measures serializing one token envelope into
// its wire form.
func BenchmarkEnvelopeMarshal(b *testing.B) {
	env := &token.Envelope{
		Header:  token.Header{SequenceID: 1_000_201, RuleBaseVersion: "v42"},
		Join:    token.JoinAttribute{AttributeName: "lab_result", AttributeValue: "positive", NotAfter: 1_700_000_000_000},
		Service: token.Service{ServiceName: "Lab", Operation: "analyze"},
		Monitor: token.MonitorData{ProcessStartTime: 1_699_999_999_000, CallingService: "Intake/register"},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := env.Marshal(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEnvelopeParse measures decoding one wire-form envelope.
func BenchmarkEnvelopeParse(b *testing.B) {
	env := &token.Envelope{
		Header:  token.Header{SequenceID: 1_000_201, RuleBaseVersion: "v42"},
		Join:    token.JoinAttribute{AttributeName: "lab_result", AttributeValue: "positive", NotAfter: 1_700_000_000_000},
		Service: token.Service{ServiceName: "Lab", Operation: "analyze"},
	}
	raw, err := env.Marshal()
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	b.SetBytes(int64(len(raw)))
	for i := 0; i < b.N; i++ {
		if _, err := token.Parse(raw); err != nil {
			b.Fatal(err)
		}
	}
}

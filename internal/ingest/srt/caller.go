package srt

import (
	"context"
	"fmt"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// DialTimeout bounds how long Dial waits for the SRT handshake.
const DialTimeout = 10 * time.Second

// Dial connects to a remote SRT listener in caller mode and returns the
// connection, from which MPEG-TS can be read. An empty streamID dials
// without one.
func Dial(ctx context.Context, address, streamID string) (*srtgo.Conn, error) {
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = DefaultLatency
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("SRT dial timed out after %s", DialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

package client

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"time"

	logs "github.com/danmuck/nreplctl/internal/logging"
	"github.com/danmuck/nreplctl/internal/protocol/session"
)

// Dial connects to addr over TCP, retrying with backoff up to
// cfg.MaxConnectAttempts.
func Dial(ctx context.Context, addr string, cfg session.Config) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}

	var attempt int
	for {
		attempt++
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			logs.Infof("client.Dial connected addr=%q attempt=%d", addr, attempt)
			return New(conn, cfg), nil
		}
		logs.Warnf("client.Dial attempt=%d addr=%q err=%v", attempt, addr, err)
		if attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

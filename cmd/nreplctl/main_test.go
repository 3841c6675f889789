package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/nreplctl/internal/evaluator"
	"github.com/danmuck/nreplctl/internal/server"
	"github.com/danmuck/nreplctl/internal/testutil/testlog"
)

func startEchoService(t *testing.T) string {
	t.Helper()
	return startEchoServiceWithVersions(t, nil)
}

func startEchoServiceWithVersions(t *testing.T, versions map[string]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := server.DefaultServiceConfig()
	cfg.Conn.Evaluator = evaluator.NewEcho()
	cfg.Conn.Versions = versions
	svc := server.NewService(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("service did not stop")
		}
	})
	return ln.Addr().String()
}

func TestRunEvalPrintsOutputAndValue(t *testing.T) {
	testlog.Start(t)
	addr := startEchoService(t)
	var stdout, stderr bytes.Buffer
	err := runEval(context.Background(), []string{"-addr", addr, "out:hi\nerr:oops\n42"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run eval: %v", err)
	}
	if got := stdout.String(); got != "hi\n42\n" {
		t.Fatalf("stdout got=%q", got)
	}
	if got := stderr.String(); got != "oops\n" {
		t.Fatalf("stderr got=%q", got)
	}
}

func TestRunEvalReportsException(t *testing.T) {
	testlog.Start(t)
	addr := startEchoService(t)
	var stdout, stderr bytes.Buffer
	err := runEval(context.Background(), []string{"-addr", addr, "throw:boom"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "eval failed") {
		t.Fatalf("expected eval failure, got %v", err)
	}
}

func TestRunEvalRequiresCode(t *testing.T) {
	testlog.Start(t)
	var stdout, stderr bytes.Buffer
	if err := runEval(context.Background(), nil, &stdout, &stderr); err == nil {
		t.Fatalf("expected missing code error")
	}
}

func TestRunDescribeListsOps(t *testing.T) {
	testlog.Start(t)
	addr := startEchoService(t)
	var stdout bytes.Buffer
	if err := runDescribe(context.Background(), []string{"-addr", addr}, &stdout); err != nil {
		t.Fatalf("run describe: %v", err)
	}
	if !strings.Contains(stdout.String(), "eval") || !strings.Contains(stdout.String(), "version nrepl:") {
		t.Fatalf("describe output got=%q", stdout.String())
	}
}

func TestRunServeRejectsBadFlag(t *testing.T) {
	testlog.Start(t)
	err := runServe(context.Background(), []string{"-bogus"})
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected flag error, got %v", err)
	}
}

func TestRunConfigWritesThenValidates(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	var stdout bytes.Buffer
	if err := runConfig([]string{"-output", path}, &stdout); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := runConfig([]string{"-validate", path}, &stdout); err != nil {
		t.Fatalf("validate template: %v", err)
	}
	if _, err := loadAppConfig(path); err != nil {
		t.Fatalf("template should load as app config: %v", err)
	}
	if !strings.Contains(stdout.String(), "validated config") {
		t.Fatalf("stdout got=%q", stdout.String())
	}
}

func TestRunDescribeSortsVersions(t *testing.T) {
	testlog.Start(t)
	addr := startEchoServiceWithVersions(t, map[string]string{"zeta": "9", "alpha": "1"})
	for i := 0; i < 5; i++ {
		var stdout bytes.Buffer
		if err := runDescribe(context.Background(), []string{"-addr", addr}, &stdout); err != nil {
			t.Fatalf("run describe: %v", err)
		}
		var names []string
		for _, line := range strings.Split(stdout.String(), "\n") {
			if rest, ok := strings.CutPrefix(line, "version "); ok {
				names = append(names, rest[:strings.Index(rest, ":")])
			}
		}
		if strings.Join(names, ",") != "alpha,nrepl,zeta" {
			t.Fatalf("version order got=%v", names)
		}
	}
}

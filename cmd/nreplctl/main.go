package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/danmuck/nreplctl/internal/admin"
	"github.com/danmuck/nreplctl/internal/client"
	"github.com/danmuck/nreplctl/internal/config"
	"github.com/danmuck/nreplctl/internal/evaluator"
	logs "github.com/danmuck/nreplctl/internal/logging"
	"github.com/danmuck/nreplctl/internal/protocol"
	"github.com/danmuck/nreplctl/internal/server"
)

const usage = `usage: nreplctl <command> [flags]

commands:
  serve      run an nREPL server backed by the echo evaluator
  eval       evaluate code against a running server
  describe   print the server's ops and versions
  config     write or validate a config.toml
`

func main() {
	logs.ConfigureRuntime()
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "eval":
		err = runEval(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "describe":
		err = runDescribe(ctx, os.Args[2:], os.Stdout)
	case "config":
		err = runConfig(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "nreplctl: %v\n", err)
		os.Exit(1)
	}
}

func commonFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.toml")
	addr := fs.String("addr", "", "nREPL address (overrides config)")
	return fs, configPath, addr
}

func loadWithAddr(configPath, addr string) (appConfig, error) {
	cfg, err := loadAppConfig(configPath)
	if err != nil {
		return appConfig{}, err
	}
	if a := strings.TrimSpace(addr); a != "" {
		cfg.Service.ListenAddr = a
	}
	return cfg, nil
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath, addr := commonFlags("serve")
	adminAddr := fs.String("admin", "", "admin HTTP address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadWithAddr(*configPath, *addr)
	if err != nil {
		return err
	}
	if a := strings.TrimSpace(*adminAddr); a != "" {
		cfg.Admin.Addr = a
	}

	cfg.Service.Conn.Evaluator = evaluator.NewEcho()
	cfg.Service.Conn.Versions = map[string]string{"echo": "0.1.0"}
	svc := server.NewService(cfg.Service)

	var runners []server.Runner
	if strings.TrimSpace(cfg.Admin.Addr) != "" {
		runners = append(runners, admin.New(cfg.Admin, svc).Run)
	}
	return svc.Run(ctx, runners...)
}

func runEval(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, configPath, addr := commonFlags("eval")
	sessionID := fs.String("session", "", "existing session id; a fresh session is cloned when empty")
	ns := fs.String("ns", "", "namespace to evaluate in")
	if err := fs.Parse(args); err != nil {
		return err
	}
	code := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(code) == "" {
		return errors.New("eval: code required")
	}
	cfg, err := loadWithAddr(*configPath, *addr)
	if err != nil {
		return err
	}

	c, err := client.Dial(ctx, cfg.Service.ListenAddr, cfg.Session)
	if err != nil {
		return err
	}
	defer c.Close()

	sid := strings.TrimSpace(*sessionID)
	if sid == "" {
		if sid, err = c.Clone(ctx, ""); err != nil {
			return err
		}
	}
	res, err := c.Eval(ctx, sid, code, protocol.WithNs(*ns))
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, res.Out)
	fmt.Fprint(stderr, res.Err)
	for _, v := range res.Values {
		if s, ok := v.Text(); ok {
			fmt.Fprintln(stdout, s)
		} else {
			fmt.Fprintln(stdout, v.String())
		}
	}
	if res.HasError() {
		return fmt.Errorf("eval failed: %s", res.Ex)
	}
	return nil
}

func runDescribe(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath, addr := commonFlags("describe")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadWithAddr(*configPath, *addr)
	if err != nil {
		return err
	}
	c, err := client.Dial(ctx, cfg.Service.ListenAddr, cfg.Session)
	if err != nil {
		return err
	}
	defer c.Close()

	desc, err := c.Describe(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ops: %s\n", strings.Join(desc.Ops, " "))
	names := make([]string, 0, len(desc.Versions))
	for name := range desc.Versions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "version %s: %s\n", name, desc.Versions[name])
	}
	return nil
}

func runConfig(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	output := fs.String("output", "config.toml", "output path for the config template")
	force := fs.Bool("force", false, "overwrite an existing config file")
	validate := fs.String("validate", "", "validate an existing config file instead of writing one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if path := strings.TrimSpace(*validate); path != "" {
		if _, err := config.Load(path); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "validated config at %s\n", path)
		return nil
	}
	if err := config.WriteTemplate(*output, *force); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote config template to %s\n", *output)
	return nil
}

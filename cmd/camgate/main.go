package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"camgate/internal/adapter/config"
	"camgate/internal/adapter/ctl"
	"camgate/internal/adapter/endpoint"
	"camgate/internal/adapter/gateway"
	"camgate/internal/adapter/logger"
	"camgate/internal/adapter/worker"
	"camgate/internal/app"
	"camgate/internal/domain"
)

const usage = `camgate — reverse proxy gateway with worker pool supervision

Usage:
  camgate run [flags]      Start the gateway, endpoint, and worker pool
  camgate status [flags]   Show supervisor and pool state
  camgate reload [flags]   Rolling-restart all workers
  camgate stop [flags]     Shut down a running instance

Configuration comes from an optional YAML file (--config) overlaid with
CAMGATE_* environment variables, e.g. CAMGATE_WORKER_COMMAND,
CAMGATE_LISTEN_ADDRESS, CAMGATE_POOL_SIZE.

Examples:
  # Front a device-control app with three workers
  CAMGATE_WORKER_COMMAND=/usr/local/bin/camapp camgate run --pool-size 3

  # Same, from a config file
  camgate run --config /etc/camgate.yaml

  # Operate a running instance
  camgate status
  camgate reload

SIGHUP triggers the same rolling reload as "camgate reload"; SIGINT and
SIGTERM trigger a graceful stop.

Run "camgate COMMAND --help" for command-specific flags.
`

// printFlags formats flag defaults with -- prefix instead of Go's default single -.
func printFlags(fs *flag.FlagSet) {
	fs.VisitAll(func(f *flag.Flag) {
		isBool := f.DefValue == "false" || f.DefValue == "true"
		if isBool {
			fmt.Fprintf(os.Stderr, "  --%-20s %s\n", f.Name, f.Usage)
		} else {
			label := f.Name + " " + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			fmt.Fprintf(os.Stderr, "  --%-20s %s\n", label, f.Usage)
		}
	})
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	}

	switch arg := os.Args[1]; arg {
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	case "run":
		runCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "reload":
		reloadCmd(os.Args[2:])
	case "stop":
		stopCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "camgate: unknown command %q\n\n", arg)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("camgate run", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Start the supervisor: create the endpoint socket, launch the worker pool,
and serve external traffic through the gateway.

Usage:
  camgate run [flags]

Flags:`)
		printFlags(fs)
	}

	cfgPath := fs.String("config", "", "config file path (YAML, optional)")
	listen := fs.String("listen", "", "override listen_address")
	socket := fs.String("socket", "", "override socket_path")
	poolSize := fs.Int("pool-size", 0, "override pool_size")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	cfg, err := loadConfig(*cfgPath, *listen, *socket, *poolSize)
	if err != nil {
		fatal(err)
	}

	log, err := logger.NewZap()
	if err != nil {
		fatal(err)
	}
	defer log.Sync()

	mode, err := cfg.SocketFileMode()
	if err != nil {
		fatal(err)
	}

	ep, err := endpoint.Create(cfg.SocketPath, mode, log)
	if err != nil {
		fatal(err)
	}
	defer func() {
		if err := ep.Destroy(); err != nil {
			log.Error("endpoint cleanup failed", "err", err)
		}
	}()

	runner := worker.NewProcessRunner(ep, log)
	probe := func(timeout time.Duration) error {
		return endpoint.WaitReady(cfg.SocketPath, timeout)
	}
	pool := app.NewPool(runner, cfg.RestartPolicy(), probe, cfg.StartupTimeout, log)

	gw := gateway.New(cfg.ListenAddress, cfg.SocketPath, cfg.IdleTimeout, log)
	gw.Ready = pool.HasReady

	// Reload re-reads the config file so new worker commands or args take
	// effect; pool size changes still require a full restart.
	specs := func() ([]domain.WorkerSpec, error) {
		fresh, err := loadConfig(*cfgPath, *listen, *socket, *poolSize)
		if err != nil {
			return nil, err
		}
		return fresh.WorkerSpecs(), nil
	}

	sup := app.NewSupervisor(pool, gw, ep, specs, app.SupervisorConfig{
		ReloadGracePeriod:   cfg.ReloadGracePeriod,
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
	}, log)

	ctlSrv := ctl.NewServer(cfg.CtlSocketPath(), mode, sup, log)
	if err := ctlSrv.Start(); err != nil {
		fatal(err)
	}
	defer ctlSrv.Close()

	if err := sup.Run(); err != nil {
		fatal(err)
	}
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("camgate status", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Show supervisor state, pool counts, and per-slot detail of a running
instance via its control socket.

Usage:
  camgate status [flags]

Flags:`)
		printFlags(fs)
	}
	ctlPath := ctlPathFlag(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	st, err := ctl.Status(resolveCtlPath(*ctlPath))
	if err != nil {
		fatal(err)
	}

	fmt.Printf("state: %s  pid: %d  up: %s\n",
		st.State, st.PID, time.Since(st.StartedAt).Round(time.Second))
	fmt.Printf("pool: %d total, %d ready, %d crashed, %d degraded\n\n",
		st.Pool.Size, st.Pool.Ready, st.Pool.Crashed, st.Pool.Degraded)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATE\tPID\tRESTARTS\tLAST START")
	for _, s := range st.Pool.Slots {
		lastStart := "-"
		if !s.LastStart.IsZero() {
			lastStart = s.LastStart.Format(time.DateTime)
		}
		state := string(s.State)
		if s.Degraded {
			state += " (degraded)"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", s.Slot, state, s.PID, s.RestartCount, lastStart)
	}
	w.Flush()
}

func reloadCmd(args []string) {
	fs := flag.NewFlagSet("camgate reload", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Rolling-restart all workers of a running instance without dropping below
pool capacity minus one.

Usage:
  camgate reload [flags]

Flags:`)
		printFlags(fs)
	}
	ctlPath := ctlPathFlag(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	if err := ctl.Reload(resolveCtlPath(*ctlPath)); err != nil {
		fatal(err)
	}
	fmt.Println("reload complete")
}

func stopCmd(args []string) {
	fs := flag.NewFlagSet("camgate stop", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Gracefully stop a running instance: workers get the shutdown grace period,
then the endpoint socket is removed.

Usage:
  camgate stop [flags]

Flags:`)
		printFlags(fs)
	}
	ctlPath := ctlPathFlag(fs)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	if err := ctl.Stop(resolveCtlPath(*ctlPath)); err != nil {
		fatal(err)
	}
	fmt.Println("stop requested")
}

func ctlPathFlag(fs *flag.FlagSet) *string {
	return fs.String("socket", "", "endpoint socket path (control socket is derived from it)")
}

// resolveCtlPath derives the control socket path from the --socket override
// or the default configuration.
func resolveCtlPath(socketOverride string) string {
	if socketOverride != "" {
		return socketOverride + ".ctl"
	}
	cfg, err := loadConfig("", "", "", 0)
	if err != nil {
		// Status commands work without a worker command; fall back to the
		// default path rather than demanding full run configuration.
		return "/tmp/camgate.sock.ctl"
	}
	return cfg.CtlSocketPath()
}

func loadConfig(path, listen, socket string, poolSize int) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.ListenAddress = listen
	}
	if socket != "" {
		cfg.SocketPath = socket
	}
	if poolSize > 0 {
		cfg.PoolSize = poolSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "camgate: %v\n", err)
	os.Exit(1)
}

// Command bridge connects the arm controller, the kinematics solver and
// operator clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sixar-robotics/armbridge/internal/api"
	"github.com/sixar-robotics/armbridge/internal/batch"
	"github.com/sixar-robotics/armbridge/internal/config"
	"github.com/sixar-robotics/armbridge/internal/firmware"
	"github.com/sixar-robotics/armbridge/internal/gateway"
	"github.com/sixar-robotics/armbridge/internal/journal"
	"github.com/sixar-robotics/armbridge/internal/monitoring"
	"github.com/sixar-robotics/armbridge/internal/serialmux"
	"github.com/sixar-robotics/armbridge/internal/solver"
	"github.com/sixar-robotics/armbridge/internal/state"
	"github.com/sixar-robotics/armbridge/internal/timeutil"
	"github.com/sixar-robotics/armbridge/internal/version"
)

var (
	configFile      = flag.String("config", "", "Path to a JSON or YAML bridge configuration file")
	port            = flag.String("port", "", "Serial port (overrides serial_port)")
	listen          = flag.String("listen", "", "HTTP listen address (overrides listen)")
	solverCommand   = flag.String("solver", "", "Solver executable (overrides solver_command)")
	journalPath     = flag.String("journal", "", "Frame journal database (overrides journal_path)")
	logFile         = flag.String("log-file", "", "Also write logs to this rotated file (overrides log_file)")
	disableFirmware = flag.Bool("disable-firmware", false, "Run without the controller serial link")
	simulate        = flag.Bool("simulate", false, "Drive an in-process simulated controller")
	showVersion     = flag.Bool("version", false, "Print version information and exit")
)

const solverGrace = 2 * time.Second

// loadConfig reads --config (JSON or YAML, or the defaults when unset) and
// applies flag overrides.
func loadConfig() (*config.BridgeConfig, error) {
	cfg := config.DefaultBridgeConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadBridgeConfig(*configFile); err != nil {
			return nil, err
		}
	}
	override := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	override(&cfg.SerialPort, *port)
	override(&cfg.Listen, *listen)
	override(&cfg.SolverCommand, *solverCommand)
	override(&cfg.JournalPath, *journalPath)
	override(&cfg.LogFile, *logFile)
	return cfg, nil
}

// openSerial picks the controller transport.
func openSerial(cfg *config.BridgeConfig) (serialmux.SerialMuxInterface, error) {
	switch {
	case *simulate:
		log.Printf("using simulated controller")
		return serialmux.NewSerialMux(firmware.NewSimulator()), nil
	case *disableFirmware:
		log.Printf("firmware link disabled")
		return serialmux.NewDisabledSerialMux(), nil
	}
	opts := cfg.GetSerial()
	mux, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts, err)
	}
	log.Printf("opened controller on %s (%s)", cfg.GetSerialPort(), opts)
	return mux, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		v := version.Current()
		fmt.Printf("bridge %s (%s, built %s)\n", v.Version, v.GitSHA, v.BuildTime)
		return
	}
	if *simulate && *disableFirmware {
		log.Fatal("--simulate and --disable-firmware are mutually exclusive")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if path := cfg.GetLogFile(); path != "" {
		defer monitoring.LogToFile(path).Close()
	}

	serial, err := openSerial(cfg)
	if err != nil {
		log.Fatalf("failed to open serial link: %v", err)
	}
	defer serial.Close()

	var jnl *journal.Journal
	linkOpts := firmware.Options{
		Clock:    timeutil.RealClock{},
		Timeouts: firmware.DefaultTimeouts().With(cfg.GetTimeouts()),
	}
	if path := cfg.GetJournalPath(); path != "" {
		if jnl, err = journal.Open(path); err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer jnl.Close()
		linkOpts.Recorder = jnl
		log.Printf("journal %s, session %s", path, jnl.Session())
	}
	link := firmware.NewLink(serial, state.NewCache(), linkOpts)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the monitor routine owns reads from the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serial.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("firmware link stopped: %v", err)
		}
		log.Print("link routine terminated")
	}()

	opts := gateway.Options{
		Link:          link,
		BatchInterval: cfg.GetBatchInterval(),
		LimitScale:    cfg.GetSyncLimitScale(),
	}
	var proc *solver.Process
	if cmd := cfg.GetSolverCommand(); cmd != "" {
		proc, err = solver.Start(ctx, solver.ProcessOptions{
			Command: cmd,
			Args:    cfg.GetSolverArgs(),
			Client:  solver.Options{Stopper: link},
		})
		if err != nil {
			log.Fatalf("failed to start solver: %v", err)
		}
		opts.Solver = proc
		log.Printf("solver %s running as pid %d", cmd, proc.Pid())
	} else {
		log.Printf("no solver configured; kinematics routes will return 503")
	}

	batcher := batch.New(batch.LinkSender(link), batch.Options{WindowSize: cfg.GetWindowSize()})
	defer batcher.Stop()
	opts.Batcher = batcher

	facade := gateway.New(opts)

	go func() {
		rctx, cancel := context.WithTimeout(ctx, link.Timeout(firmware.VerbListParameters))
		defer cancel()
		if err := facade.RefreshParameters(rctx); err != nil {
			log.Printf("initial parameter request failed: %v", err)
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(facade).ServeMux()
		serial.AttachAdminRoutes(mux)
		if jnl != nil {
			if err := jnl.AttachAdminRoutes(mux); err != nil {
				log.Printf("journal admin routes unavailable: %v", err)
			}
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// event streams only end when their subscription closes
		facade.Hub().Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	if proc != nil {
		if err := proc.Stop(solverGrace); err != nil {
			log.Printf("solver stop: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}

package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/6ilo/plotter/internal/device"
	"github.com/6ilo/plotter/internal/plotter"
	"github.com/6ilo/plotter/internal/server"
	"github.com/6ilo/plotter/web"
)

func main() {
	configPath := flag.String("config", "/etc/plotterd/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated plotter instead of real hardware")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	portPath := flag.String("port", "", "Override serial port path (e.g. /dev/ttyACM0)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] plotterd starting")

	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *portPath != "" {
		cfg.Serial.PortPath = *portPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	mgr := plotter.NewManager()

	if *demo {
		startDemoDevice(ctx, cfg, mgr)
		cfg.Serial.PortPath = "demo"
	}

	// Bring the link up in the background; the dashboard serves regardless.
	if cfg.Serial.PortPath != "" && cfg.Reconnect.Enabled {
		r := plotter.NewReconnector(mgr, cfg.Serial.PortPath, cfg.Serial.BaudRate)
		r.InitialDelay = time.Duration(cfg.Reconnect.InitialDelayMs) * time.Millisecond
		r.MaxDelay = time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond
		go r.Run(ctx)
	} else if cfg.Serial.PortPath != "" {
		go func() {
			if err := mgr.Connect(cfg.Serial.PortPath, cfg.Serial.BaudRate); err != nil {
				log.Printf("[main] initial connect failed: %v", err)
			}
		}()
	}

	// Speed profiles live next to the config file.
	settings := server.NewSettingsStore(filepath.Join(filepath.Dir(*configPath), "profiles.yaml"))
	srv := server.New(cfg, mgr, settings, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// pipePort is the host end of an in-process serial link.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.w.Close()
	return p.r.Close()
}

// deviceEnd is the firmware side of the link.
type deviceEnd struct {
	io.Reader
	io.Writer
}

// startDemoDevice runs a simulated plotter over an in-process pipe and
// points the manager's opener at it, so connect/disconnect and the full
// wire protocol behave exactly as with real hardware.
func startDemoDevice(ctx context.Context, cfg *server.Config, mgr *plotter.Manager) {
	devCfg := device.DefaultConfig()
	if cfg.Device.MaxRadiusMm > 0 {
		devCfg.MaxRadiusMm = cfg.Device.MaxRadiusMm
	}
	if cfg.Device.StepsPerRev > 0 {
		devCfg.StepsPerRev = cfg.Device.StepsPerRev
	}
	if cfg.Device.StepsPerMM > 0 {
		devCfg.StepsPerMM = cfg.Device.StepsPerMM
	}
	if cfg.Device.DwellMs > 0 {
		devCfg.Dwell = time.Duration(cfg.Device.DwellMs) * time.Millisecond
	}

	mgr.SetOpener(func(path string, baud int) (plotter.Port, error) {
		hostRead, devWrite := io.Pipe()
		devRead, hostWrite := io.Pipe()

		fw := device.New(devCfg)
		go func() {
			fw.Serve(ctx, deviceEnd{Reader: devRead, Writer: devWrite})
			devWrite.Close()
		}()

		log.Printf("[demo] simulated plotter attached at %s", path)
		return &pipePort{r: hostRead, w: hostWrite}, nil
	})
}

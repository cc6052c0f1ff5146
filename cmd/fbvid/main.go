//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/term"

	"fbvid/internal/config"
	"fbvid/internal/eloop"
	"fbvid/internal/fbdev"
	appLog "fbvid/internal/log"
	"fbvid/internal/model"
	"fbvid/internal/render"
	"fbvid/internal/sysfs"
	"fbvid/internal/video"
	"fbvid/internal/web"
)

// flagConfig holds CLI flag values; flags override the config file.
type flagConfig struct {
	configPath string
	device     string
	listen     string
	once       bool
	console    bool
}

func main() {
	appLog.Info("fbvid starting", "version", "0.1.0-dev")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.device != "" {
		conf.Device = flags.device
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"device", conf.Device,
		"listen", conf.Listen,
		"log_level", conf.LogLevel,
		"dither", conf.Dither,
		"pattern", conf.Pattern,
		"double_buffer_allow", len(conf.DoubleBufferAllow),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep the kernel console from drawing over the framebuffer while we
	// own it. Only attempted when asked for and actually on a terminal.
	if flags.console && term.IsTerminal(int(os.Stdin.Fd())) {
		console, err := fbdev.OpenConsole("/dev/tty")
		if err != nil {
			appLog.Error("cannot open console", err)
			os.Exit(1)
		}
		if err := console.Graphics(); err != nil {
			appLog.Error("cannot switch console to graphics mode", err)
			os.Exit(1)
		}
		defer func() {
			if err := console.Restore(); err != nil {
				appLog.Error("cannot restore console mode", err)
			}
		}()
	}

	loop := eloop.New()
	app := &app{
		loop:  loop,
		conf:  conf,
		once:  flags.once,
		stop:  cancel,
		sysfs: sysfs.NewReader(),
	}

	vid := video.New(loop, app.onEvent, video.Options{
		AllowDoubleBuffer: conf.AllowsDoubleBuffer,
		Dither:            conf.Dither,
	})
	app.backend = vid
	app.vid = vid

	// Init + wake run on the loop so the deferred discovery notification
	// is observed in order.
	loop.Post(func() {
		if err := app.backend.Init(conf.Device); err != nil {
			appLog.Error("cannot initialize backend", err, "device", conf.Device)
			cancel()
			return
		}
		if err := app.backend.WakeUp(); err != nil {
			appLog.Error("cannot wake backend", err)
			cancel()
		}
	})

	// Signal handling: USR1 sleeps the backend, USR2 wakes it, INT/TERM
	// shut the daemon down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				appLog.Info("signal received, sleeping", "signal", sig.String())
				loop.Post(app.backend.Sleep)
			case syscall.SIGUSR2:
				appLog.Info("signal received, waking", "signal", sig.String())
				loop.Post(func() {
					if err := app.backend.WakeUp(); err != nil {
						appLog.Error("wake failed", err)
					}
				})
			default:
				appLog.Info("signal received, shutting down", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	// Cron-scheduled DPMS blanking.
	cr := cron.New()
	if conf.BlankCron != "" {
		if _, err := cr.AddFunc(conf.BlankCron, func() { app.postDPMS(model.DPMSOff) }); err != nil {
			appLog.Error("bad blank_cron expression", err, "cron", conf.BlankCron)
			os.Exit(1)
		}
	}
	if conf.WakeCron != "" {
		if _, err := cr.AddFunc(conf.WakeCron, func() { app.postDPMS(model.DPMSOn) }); err != nil {
			appLog.Error("bad wake_cron expression", err, "cron", conf.WakeCron)
			os.Exit(1)
		}
	}
	cr.Start()
	defer cr.Stop()

	// Diagnostics HTTP server.
	srv := web.NewServer(conf.Listen, app.status, app.setDPMS)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			appLog.Error("HTTP server failed", err)
		}
	}()

	loop.Run(ctx)

	// Tear down on the same control flow the driver ran on.
	app.backend.Destroy()
	appLog.Info("fbvid exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/fbvid/config.yaml", "Path to config file")
	flag.StringVar(&cfg.device, "device", "", "Framebuffer device node (overrides config if set)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Render one frame and exit")
	flag.BoolVar(&cfg.console, "console", false, "Switch the console to graphics mode while running")

	flag.Parse()

	return cfg
}

// app ties the event-loop-driven pieces together.
type app struct {
	loop    *eloop.Loop
	conf    *config.Config
	backend video.Backend
	vid     *video.Video
	once    bool
	stop    func()

	sysfs sysfs.Reader
}

// onEvent runs on the loop goroutine for every display notification.
func (a *app) onEvent(ev video.Event) {
	switch ev.Kind {
	case model.EventNew:
		appLog.Info("display discovered", "node", ev.Display.Node())
		if err := ev.Display.Activate(nil); err != nil {
			appLog.Error("cannot activate display", err, "node", ev.Display.Node())
			a.stop()
			return
		}
		a.present(ev.Display)
	case model.EventReady:
		a.present(ev.Display)
	case model.EventGone:
		appLog.Info("display removed", "node", ev.Display.Node())
	}
}

// present draws the configured pattern and swaps. A rejected swap is
// retried on the next ready notification.
func (a *app) present(d *video.Display) {
	if !d.Online() {
		return
	}

	var err error
	switch a.conf.Pattern {
	case "gradient":
		err = render.Gradient(d)
	case "card":
		err = render.Card(d, a.cardLines(d))
	default:
		return
	}
	if err != nil {
		appLog.Error("render failed", err, "node", d.Node())
		return
	}

	if err := d.Swap(); err != nil {
		if errors.Is(err, video.ErrSwapRejected) {
			return
		}
		appLog.Error("swap failed", err, "node", d.Node())
		return
	}

	if a.once {
		a.stop()
	}
}

func (a *app) cardLines(d *video.Display) []string {
	mode := d.Mode()
	lines := []string{
		"fbvid " + d.Node(),
		time.Now().Format("2006-01-02 15:04:05"),
	}
	if mode != nil {
		lines = append(lines, fmt.Sprintf("%dx%d @ %d.%03d Hz",
			mode.Width(), mode.Height(),
			d.RateMilliHz()/1000, d.RateMilliHz()%1000))
	}
	lines = append(lines, "format "+formatString(d))
	return lines
}

func formatString(d *video.Display) string {
	f := d.Buffer().Format
	if f.XRGB32 {
		return "XRGB8888"
	}
	return fmt.Sprintf("r%d@%d g%d@%d b%d@%d %dBpp",
		f.LenR, f.OffR, f.LenG, f.OffG, f.LenB, f.OffB, f.BytesPerPixel)
}

// postDPMS marshals a cron-initiated power change onto the loop.
func (a *app) postDPMS(state model.DPMS) {
	a.loop.Post(func() {
		d := a.vid.Display()
		if d == nil {
			return
		}
		if err := d.SetDPMS(state); err != nil {
			appLog.Error("scheduled DPMS change failed", err, "state", state.String())
		}
	})
}

// status assembles the diagnostics snapshot on the loop goroutine.
func (a *app) status() (web.Status, error) {
	ch := make(chan web.Status, 1)
	a.loop.Post(func() {
		st := web.Status{
			Node:  a.conf.Device,
			Awake: a.vid.Awake(),
			DPMS:  model.DPMSUnknown.String(),
		}
		if d := a.vid.Display(); d != nil {
			st.Online = d.Online()
			st.DPMS = d.DPMS().String()
			st.DoubleBuf = d.DoubleBuffered()
			st.RateMilliHz = d.RateMilliHz()
			if m := d.Mode(); m != nil {
				st.Mode = &web.ModeStatus{Name: m.Name(), Width: m.Width(), Height: m.Height()}
			}
			if d.Online() {
				st.Format = formatString(d)
			}
		}
		ch <- st
	})

	select {
	case st := <-ch:
		if info, err := a.sysfs.Read(a.conf.Device); err == nil {
			st.Sysfs = &info
		}
		return st, nil
	case <-time.After(2 * time.Second):
		return web.Status{}, errors.New("driver busy")
	}
}

// setDPMS applies a power state requested over HTTP.
func (a *app) setDPMS(state string) error {
	target := model.ParseDPMS(state)
	if target == model.DPMSUnknown {
		return fmt.Errorf("unknown DPMS state %q", state)
	}

	ch := make(chan error, 1)
	a.loop.Post(func() {
		d := a.vid.Display()
		if d == nil {
			ch <- errors.New("no display")
			return
		}
		ch <- d.SetDPMS(target)
	})

	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		return errors.New("driver busy")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jbensmann/clickback/actions"
	"github.com/jbensmann/clickback/config"
	"github.com/jbensmann/clickback/handlers"
	"github.com/jbensmann/clickback/keyboard"
	"github.com/jbensmann/clickback/motion"
	"github.com/jbensmann/clickback/revert"
	"github.com/jbensmann/clickback/status"
	"github.com/jbensmann/clickback/virtual"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

const (
	defaultConfigFile   = ".config/clickback/config.yaml"
	deviceCheckInterval = 10 * time.Second
)

var opts struct {
	Version    bool   `short:"v" long:"version" description:"Show the version"`
	Debug      bool   `short:"d" long:"debug" description:"Show verbose debug information"`
	ConfigFile string `short:"c" long:"config" description:"The config file"`
}

func main() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}

	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	// init logging
	log.SetOutput(os.Stdout)
	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	// if no config file is given, use the default one
	configFile := opts.ConfigFile
	if configFile == "" {
		u, err := user.Current()
		if err != nil {
			exitError(err, "Failed to get the current user")
		}
		configFile = filepath.Join(u.HomeDir, defaultConfigFile)
	}

	log.Debugf("Using config file: %s", configFile)
	conf, err := config.ReadConfig(configFile)
	if err != nil {
		var configErr *config.ConfigError
		if errors.As(err, &configErr) {
			exitError(err, "The config file is invalid")
		}
		exitError(err, "Failed to read the config file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf); err != nil {
		exitError(err, "Stopped")
	}
	log.Info("Exiting")
}

func run(ctx context.Context, conf *config.Config) error {
	detectedKeyboardDevices := keyboard.FindKeyboardDevices()

	// check if another instance is already running
	for _, device := range detectedKeyboardDevices {
		if device.Name == virtual.DeviceName || device.Name == virtual.DeviceName+" keyboard" {
			return fmt.Errorf("found a device with name %s, "+
				"which probably means that another instance of clickback is already running", device.Name)
		}
	}

	// if no devices are specified, use the detected ones
	if len(conf.Devices) == 0 {
		for _, device := range detectedKeyboardDevices {
			conf.Devices = append(conf.Devices, device.Path)
		}
		if len(conf.Devices) == 0 {
			return errors.New("no keyboard devices found")
		}
	}

	// init virtual mouse and keyboard
	mouse, err := virtual.NewMouse()
	if err != nil {
		return fmt.Errorf("failed to init the virtual mouse: %w", err)
	}
	defer mouse.Close()

	virtualKeyboard, err := virtual.NewKeyboard()
	if err != nil {
		return fmt.Errorf("failed to init the virtual keyboard: %w", err)
	}
	defer virtualKeyboard.Close()

	// the pointer reports its own movement to the motion listener, which is created below
	var listener *motion.Listener
	pointer := virtual.NewPointer(conf.Pointer, mouse, func(d motion.Displacement) {
		if listener != nil {
			listener.HandleDisplacement(d)
		}
	})
	executor := actions.NewBindingExecutor(conf, virtualKeyboard, pointer)

	var hub *status.Hub
	var observer revert.Observer
	if conf.StatusListen != "" {
		hub = status.NewHub()
		observer = hub
	}

	registry := handlers.NewRegistry(conf, mouse, revert.SystemClock, executor, observer)
	chain := handlers.Chain(executor,
		handlers.NewDefaultHandler(),
		handlers.NewClickBackHandler(registry),
		executor,
	)

	// pointer motion is only read if some instance is cancelled by it
	var subscribers []motion.Canceller
	for _, instance := range registry.MotionSubscribers() {
		subscribers = append(subscribers, instance)
	}
	if len(subscribers) > 0 {
		listener = motion.NewListener(conf.MotionAxes, subscribers...)
	}

	g, ctx := errgroup.WithContext(ctx)

	// init keyboard devices
	keyboardEvents := make(chan keyboard.Event, 100)
	var keyboardDevices []*keyboard.Device
	var reopeners []keyboard.Reopener
	for _, dev := range conf.Devices {
		kd := keyboard.NewDevice(dev, keyboardEvents)
		keyboardDevices = append(keyboardDevices, kd)
		reopeners = append(reopeners, kd)
		g.Go(func() error { return kd.ReadLoop(ctx) })
	}

	g.Go(func() error { return pointer.Run(ctx) })

	if listener != nil {
		pointerDevices := conf.PointerDevices
		if len(pointerDevices) == 0 {
			pointerDevices = motion.FindPointerDevices()
		}
		if len(pointerDevices) == 0 {
			log.Warnf("No pointer devices found, only movement by keys cancels reverts")
		}
		displacements := make(chan motion.Displacement, 100)
		for _, dev := range pointerDevices {
			pd := motion.NewDevice(dev, displacements)
			reopeners = append(reopeners, pd)
			g.Go(func() error { return pd.ReadLoop(ctx) })
		}
		g.Go(func() error { return listener.Run(ctx, displacements) })
	}

	g.Go(func() error {
		if err := keyboard.WatchHotplug(ctx, keyboard.InputDir, reopeners...); err != nil {
			log.Warnf("Hotplug detection disabled: %v", err)
		}
		return nil
	})

	if hub != nil {
		g.Go(func() error { return hub.Serve(ctx, conf.StatusListen) })
	}

	if conf.StartCommand != "" {
		log.Debugf("Executing start command: %s", conf.StartCommand)
		cmd := exec.Command("sh", "-c", conf.StartCommand)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("execution of start command failed: %w", err)
		}
	}

	g.Go(func() error {
		mainLoop(ctx, chain, keyboardEvents, keyboardDevices)
		return nil
	})

	err = g.Wait()
	// no revert may fire after the devices are closed
	registry.CancelAll()
	return err
}

// mainLoop passes every key event through the handler chain, one at a time.
func mainLoop(ctx context.Context, chain handlers.EventHandler, events <-chan keyboard.Event,
	devices []*keyboard.Device) {
	ticker := time.NewTicker(deviceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			chain.HandleEvent(handlers.EventBinding{Event: event})
		case <-ticker.C:
			checkDevices(devices)
		}
	}
}

// checkDevices warns if not a single keyboard device is open.
func checkDevices(devices []*keyboard.Device) {
	for _, device := range devices {
		if device.IsOpen() {
			return
		}
	}
	log.Warnf("No keyboard device could be opened:")
	for i, device := range devices {
		log.Warnf("Device %d: %s: %s", i+1, device.DeviceName(), device.LastOpenError())
	}
}

func exitError(err error, msg string) {
	if err != nil {
		log.Errorf(msg+": %v", err)
	} else {
		log.Error(msg)
	}
	log.Error("Exiting")
	os.Exit(1)
}

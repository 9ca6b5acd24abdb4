package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/helixml/skylight/pkg/backend"
	"github.com/helixml/skylight/pkg/config"
	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/eventloop"
	"github.com/helixml/skylight/pkg/output"
	"github.com/helixml/skylight/pkg/render"
	"github.com/helixml/skylight/pkg/session"
	"github.com/helixml/skylight/pkg/udev"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the display backend on the current seat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer loop.Close()

	sess, err := session.New(cfg.Seat)
	if err != nil {
		return fmt.Errorf("could not initialize a session: %w", err)
	}
	defer sess.Close()

	primary, err := pickPrimaryGPU(cfg, sess.Seat())
	if err != nil {
		return err
	}
	log.Info().Msgf("Using %s as primary gpu.", primary)

	gpus := render.NewManager()
	space := output.NewSpace()

	be := backend.New(backend.Config{
		Session:    sess,
		Loop:       loop,
		Space:      space,
		GPUs:       backend.WrapGPUs(gpus),
		Scene:      backend.NewBasicScene(),
		PrimaryGPU: primary,
	})

	monitor, err := udev.NewMonitor()
	if err != nil {
		return fmt.Errorf("create device monitor: %w", err)
	}
	defer monitor.Close()
	monitor.Start()

	// Bridge the monitor and session goroutines onto the loop thread; all
	// backend state is only ever touched there.
	go func() {
		for ev := range monitor.Events() {
			ev := ev
			loop.Post(func() {
				switch ev.Kind {
				case udev.Added:
					be.DeviceAdded(ev.DevNum, ev.Path)
				case udev.Changed:
					be.DeviceChanged(ev.DevNum)
				case udev.Removed:
					be.DeviceRemoved(ev.DevNum)
				}
			})
		}
	}()
	go func() {
		for sig := range sess.Subscribe() {
			sig := sig
			loop.Post(func() { be.HandleSessionSignal(sig) })
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		loop.Stop()
	}()

	loop.Run()
	return nil
}

// pickPrimaryGPU resolves the default allocation node: the ANVIL_DRM_DEVICE
// override if set, else the seat's primary GPU resolved to its render
// node, else the first enumerable GPU.
func pickPrimaryGPU(cfg config.Config, seat string) (drm.Node, error) {
	if cfg.DRMDevice != "" {
		node, err := drm.NodeFromPath(cfg.DRMDevice)
		if err != nil {
			return 0, fmt.Errorf("invalid drm device path %s: %w", cfg.DRMDevice, err)
		}
		return node, nil
	}

	if path, err := drm.PrimaryGPU(seat); err == nil {
		if node, err := drm.NodeFromPath(path); err == nil {
			if renderNode, err := node.RenderNode(); err == nil {
				return renderNode, nil
			}
		}
	}

	paths, err := drm.AllGPUs()
	if err != nil || len(paths) == 0 {
		return 0, fmt.Errorf("no GPU found on seat %s", seat)
	}
	return drm.NodeFromPath(paths[0])
}

// Command vessel runs a statically linked unikernel image in a
// lightweight KVM virtual machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/vesselvm/vessel/internal/config"
	"github.com/vesselvm/vessel/internal/guest"
	"github.com/vesselvm/vessel/internal/hv/kvm"
	"github.com/vesselvm/vessel/internal/image"
	"github.com/vesselvm/vessel/internal/netdev"
	"github.com/vesselvm/vessel/internal/vmm"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vessel: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func run() (int, error) {
	configPath := flag.String("config", "", "YAML configuration file")
	memory := flag.String("memory", "", "Guest memory size (e.g. 512M)")
	cpus := flag.Int("cpus", 0, "Number of vCPUs")
	netEnabled := flag.Bool("net", false, "Enable the network device")
	netTap := flag.String("net-tap", "", "Use the named TAP interface instead of user-mode networking")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <image> [guest args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a statically linked unikernel image in a virtual machine.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return 0, err
		}
		cfg = loaded
	}

	// Flags override the file.
	if *memory != "" {
		size, err := config.ParseSize(*memory)
		if err != nil {
			return 0, err
		}
		cfg.MemorySize = size
	}
	if *cpus > 0 {
		cfg.CoreCount = *cpus
	}
	if *netEnabled {
		cfg.Net.Enabled = true
	}
	if *netTap != "" {
		cfg.Net.Enabled = true
		cfg.Net.Mode = "tap"
		cfg.Net.Interface = *netTap
	}
	if flag.NArg() > 0 {
		cfg.ImagePath = flag.Arg(0)
	}

	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	img, err := image.LoadELF(cfg.ImagePath)
	if err != nil {
		return 0, fmt.Errorf("load image: %w", err)
	}

	h, err := kvm.Open()
	if err != nil {
		return 0, fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	slog.Debug("hypervisor ready", "arch", h.Architecture())

	var netDevice *netdev.Device
	if cfg.Net.Enabled {
		netDevice, err = openNetwork(cfg.Net)
		if err != nil {
			return 0, fmt.Errorf("network: %w", err)
		}
		defer netDevice.Close()
	}

	console, err := guest.NewConsole()
	if err != nil {
		return 0, fmt.Errorf("console: %w", err)
	}
	defer console.Close()

	m, err := vmm.New(h, vmm.Params{
		Image:      img,
		MemorySize: cfg.MemorySize.Bytes(),
		CoreCount:  cfg.CoreCount,
		Guest: guest.Config{
			Args:   flag.Args(),
			Env:    os.Environ(),
			Stdin:  console.Stdin(),
			Stdout: console.Stdout(),
			Stderr: console.Stderr(),
			Net:    netDevice,
		},
	})
	if err != nil {
		return 0, err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	slog.Debug("starting guest",
		"image", cfg.ImagePath,
		"memory", cfg.MemorySize.Bytes(),
		"cpus", cfg.CoreCount,
		"entry", fmt.Sprintf("0x%x", img.Entry))

	code, err := m.Run(ctx)
	if err != nil {
		return code, err
	}
	slog.Debug("guest finished", "code", code)
	return code, nil
}

func openNetwork(cfg config.NetConfig) (*netdev.Device, error) {
	devCfg := netdev.Config{
		Addr:    net.ParseIP(cfg.Address),
		Mask:    net.ParseIP(cfg.Mask),
		Gateway: net.ParseIP(cfg.Gateway),
	}

	var (
		tr  netdev.Transport
		err error
	)
	switch cfg.Mode {
	case "tap":
		tr, err = netdev.OpenTAP(cfg.Interface)
	default:
		tr, err = netdev.NewUserNet(devCfg)
	}
	if err != nil {
		return nil, err
	}

	return netdev.New(devCfg, tr)
}

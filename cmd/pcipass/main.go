package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pcipass/internal/debug"
	"github.com/tinyrange/pcipass/internal/devices/pci/assign"
	"github.com/tinyrange/pcipass/internal/hv/kvm"
	"github.com/tinyrange/pcipass/internal/machine"
)

const usage = `pcipass - PCI device assignment

USAGE:
  pcipass [flags] scan               List host PCI functions and their capabilities
  pcipass [flags] inspect ADDR       Show one host function ([seg:]bus:dev.fn)
  pcipass [flags] plan LAYOUT.yaml   Build a layout without /dev/kvm and print the topology
  pcipass [flags] run LAYOUT.yaml    Assign the layout's devices to a KVM guest until interrupted
  pcipass trace [-source RE] [-match RE] [-limit N] LOG
                                     Print a log written with -trace

FLAGS:
`

type app struct {
	sysfs      string
	portDevice string
	logger     *slog.Logger
	out        io.Writer
}

func run() error {
	sysfs := flag.String("sysfs", assign.DefaultSysfsRoot, "sysfs directory listing host PCI functions")
	portDevice := flag.String("port-device", assign.DefaultPortDevice, "device used for raw port IO")
	trace := flag.String("trace", "", "write a binary trace log to file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *trace != "" {
		if err := debug.OpenFile(*trace); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer debug.Close()
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	a := &app{sysfs: *sysfs, portDevice: *portDevice, logger: logger, out: os.Stdout}
	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "scan":
		return a.scan()
	case "inspect":
		if len(args) != 1 {
			return errors.New("inspect takes one host address")
		}
		return a.inspect(args[0])
	case "plan":
		if len(args) != 1 {
			return errors.New("plan takes one layout file")
		}
		return a.plan(args[0])
	case "run":
		if len(args) != 1 {
			return errors.New("run takes one layout file")
		}
		return a.run(args[0])
	case "trace":
		return a.trace(args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) scan() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		once sync.Once
		bar  *progressbar.ProgressBar
	)
	var progress func(total int)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		progress = func(total int) {
			once.Do(func() {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("scanning"),
					progressbar.OptionClearOnFinish())
			})
			bar.Add(1)
		}
	}

	devs, err := assign.ScanHostDevices(ctx, a.sysfs, progress)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}
	for _, d := range devs {
		driver := d.Driver
		if driver == "" {
			driver = "-"
		}
		fmt.Fprintf(a.out, "%s driver=%s", d, driver)
		if d.IOMMUGroup != "" {
			fmt.Fprintf(a.out, " iommu_group=%s", d.IOMMUGroup)
		}
		if len(d.Capabilities) > 0 {
			fmt.Fprintf(a.out, " caps=[%s]", assign.CapabilityNames(d.Capabilities))
		}
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *app) inspect(addr string) error {
	host, err := assign.ParseHostAddr(addr)
	if err != nil {
		return err
	}
	info, err := assign.InspectHostDevice(a.sysfs, host)
	if err != nil {
		return err
	}
	return a.writeYAML(info)
}

func (a *app) plan(path string) error {
	layout, err := machine.LoadLayout(path)
	if err != nil {
		return err
	}
	m, err := machine.New(machine.Config{
		Host:       newDryRunHost(a.logger),
		SysfsRoot:  a.sysfs,
		PortDevice: a.portDevice,
		Logger:     a.logger,
	}, layout)
	if err != nil {
		return err
	}
	defer m.Close()
	return a.writeYAML(m.Query())
}

func (a *app) run(path string) error {
	layout, err := machine.LoadLayout(path)
	if err != nil {
		return err
	}

	host, err := kvm.Open(a.logger)
	if err != nil {
		return err
	}
	defer host.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := machine.New(machine.Config{
		Host:       host,
		RAM:        host,
		Sink:       host,
		SysfsRoot:  a.sysfs,
		PortDevice: a.portDevice,
		Logger:     a.logger,
		OnFatal: func(err error) {
			a.logger.Error("pcipass: stopping after fatal host error", "err", err)
			stop()
		},
	}, layout)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			a.logger.Warn("pcipass: release devices", "err", err)
		}
	}()

	for _, d := range m.Devices() {
		a.logger.Info("pcipass: device ready", "id", d.Options().ID, "host", d.Options().Host, "guest", d.Function().DevicePath())
	}

	<-ctx.Done()
	return m.Fatal()
}

func (a *app) writeYAML(v any) error {
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pcipass: %v\n", err)
		os.Exit(1)
	}
}

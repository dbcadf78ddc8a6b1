package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/pprof"

	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	linuxwasm "github.com/kyroskoh/linux-wasm"
	clog "github.com/kyroskoh/linux-wasm/log"
)

type machineConfig struct {
	Kernel      string `yaml:"kernel"`
	Initrd      string `yaml:"initrd"`
	Cmdline     string `yaml:"cmdline"`
	AutoConfirm bool   `yaml:"auto_confirm"`
}

var (
	fConfig  = pflag.StringP("config", "c", "", "machine config file (yaml)")
	fKernel  = pflag.StringP("kernel", "k", "", "kernel wasm image")
	fInitrd  = pflag.StringP("initrd", "i", "", "initial ramdisk image")
	fCmdline = pflag.String("cmdline", "console=hvc0", "kernel command line")
	fYes     = pflag.BoolP("yes", "y", false, "auto-confirm fatal operator prompts")
)

func loadConfig() (machineConfig, error) {
	var cfg machineConfig

	if *fConfig != "" {
		data, err := os.ReadFile(*fConfig)
		if err != nil {
			return cfg, err
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if *fKernel != "" {
		cfg.Kernel = *fKernel
	}

	if *fInitrd != "" {
		cfg.Initrd = *fInitrd
	}

	if *fCmdline != "" {
		cfg.Cmdline = *fCmdline
	}

	if *fYes {
		cfg.AutoConfirm = true
	}

	return cfg, nil
}

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Kernel == "" {
		log.Fatal("no kernel image; pass --kernel or a config file")
	}

	kernelSource, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		log.Fatal(err)
	}

	var initrd []byte

	if cfg.Initrd != "" {
		initrd, err = os.ReadFile(cfg.Initrd)
		if err != nil {
			log.Fatal(err)
		}
	}

	opts := linuxwasm.Options{
		Logger:     clog.L,
		ConsoleOut: os.Stdout,
	}

	if cfg.AutoConfirm {
		opts.Confirm = func(reason string) bool {
			clog.L.Warn("auto-confirming fatal condition", "reason", reason)
			return true
		}
	}

	ctx := context.Background()

	m, err := linuxwasm.NewMachine(ctx, kernelSource, opts)
	if err != nil {
		log.Fatal(err)
	}

	defer m.Close(ctx)

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		old, err := term.MakeRaw(stdin)
		if err == nil {
			defer term.Restore(stdin, old)
		}
	}

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				m.Console().Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	if err := m.Start(ctx, cfg.Cmdline, initrd); err != nil {
		log.Fatal(err)
	}

	if err := m.Wait(ctx); err != nil {
		clog.L.Error("machine stopped", "error", err)
		os.Exit(1)
	}
}

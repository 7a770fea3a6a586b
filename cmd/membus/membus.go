// Program membus is a command-line utility for exercising and inspecting
// a membus domain.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/membus/membus"
	"github.com/membus/membus/peers"
	"go.uber.org/zap"
)

var demoFlags struct {
	Config  string `flag:"config,Path to a TOML demo configuration file"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

// demoConfig is the TOML demo configuration.
type demoConfig struct {
	PoolSize uint64   `toml:"pool-size"`
	Names    []string `toml:"names"`
	Messages int      `toml:"messages"`
	Senders  int      `toml:"senders"`
	Payload  string   `toml:"payload"`
}

func defaultConfig() demoConfig {
	return demoConfig{
		PoolSize: 1 << 16,
		Names:    []string{"svc"},
		Messages: 8,
		Senders:  2,
		Payload:  "hello from membus",
	}
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for exercising and inspecting a membus domain.",
		Commands: []*command.C{
			{
				Name: "demo",
				Help: `Run an in-process bus demonstration.

A domain is created with one named service peer and a set of sender
peers. Each sender resolves the service name and delivers its messages;
the service receives them all and the domain metrics are printed.
`,
				SetFlags: command.Flags(flax.MustBind, &demoFlags),
				Run:      runDemo,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runDemo(env *command.Env) error {
	cfg := defaultConfig()
	if demoFlags.Config != "" {
		if _, err := toml.DecodeFile(demoFlags.Config, &cfg); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	log := zap.NewNop()
	if demoFlags.Verbose {
		dl, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer dl.Sync()
		log = dl
	}

	loc := peers.NewLocal(membus.WithLogger(log))
	defer loc.Stop()

	svc := loc.NewClient(0)
	if err := svc.Connect(cfg.PoolSize, cfg.Names...); err != nil {
		return fmt.Errorf("connect service: %w", err)
	}

	g := taskgroup.New(nil)
	for i := 0; i < cfg.Senders; i++ {
		sender := loc.NewClient(0)
		if err := sender.Connect(cfg.PoolSize); err != nil {
			return fmt.Errorf("connect sender %d: %w", i, err)
		}
		g.Go(func() error {
			id, err := sender.Resolve(cfg.Names[0])
			if err != nil {
				return err
			}
			for j := 0; j < cfg.Messages; j++ {
				if err := sender.Send([]uint64{id}, []byte(cfg.Payload), nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var received int
	for {
		d, err := svc.Recv()
		if err == membus.ErrAgain {
			break
		} else if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		received++
		if err := svc.ReleaseSlice(d.Offset); err != nil {
			return fmt.Errorf("release slice: %w", err)
		}
	}

	fmt.Printf("received %d messages\n", received)
	fmt.Printf("metrics: %v\n", loc.Domain.Metrics())
	return nil
}

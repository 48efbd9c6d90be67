// Command hello runs a Hello provider or calls one through discovery.
//
//	hello --registry 127.0.0.1:2379 serve --listen :9000
//	hello --registry 127.0.0.1:2379 call --name world
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"simple-rpc/client"
	"simple-rpc/config"
	"simple-rpc/registry"
	"simple-rpc/server"

	"github.com/urfave/cli"
	"go.uber.org/zap"
)

// Hello is the demo provider.
type Hello struct{}

func (h *Hello) Hello(name string) (string, error) {
	return "Hello, " + name, nil
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.GlobalBool("dev") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(c *cli.Context) (config.Config, error) {
	return config.Load(c.GlobalString("config"), func(cfg *config.Config) {
		if v := c.GlobalString("service"); v != "" {
			cfg.ServiceName = v
		}
		if v := c.GlobalString("registry"); v != "" {
			cfg.Registry.Address = v
		}
		if v := c.GlobalString("registry-kind"); v != "" {
			cfg.Registry.Kind = v
		}
	})
}

// openRegistrar connects to the backend a provider announces itself in.
func openRegistrar(ctx context.Context, cfg config.Config, logger *zap.Logger) (registry.Registrar, func() error, error) {
	switch cfg.Registry.Kind {
	case config.RegistryEtcd:
		b, err := registry.NewEtcdBackend(registry.EtcdConfig{
			Endpoints:   cfg.RegistryEndpoints(),
			DialTimeout: cfg.Registry.DialTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.RegistryRedis:
		b, err := registry.NewRedisBackend(ctx, registry.RedisConfig{
			Addr:        cfg.Registry.Address,
			DialTimeout: cfg.Registry.DialTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("registry kind %q can't be shared between processes", cfg.Registry.Kind)
	}
}

func serveCommand(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Registry.DialTimeout)
	defer cancel()
	reg, closeReg, err := openRegistrar(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeReg()

	svr := server.NewServer(server.Options{
		ServiceName: cfg.ServiceName,
		Advertise:   c.String("advertise"),
		Registrar:   reg,
		TTL:         c.Int64("ttl"),
		Logger:      logger,
	})
	if err := svr.Register("Hello", &Hello{}); err != nil {
		return err
	}
	if err := svr.Start(ctx, "tcp", c.String("listen")); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	return svr.Shutdown(c.Duration("shutdown-timeout"))
}

func callCommand(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rpc, err := client.New(cfg, client.WithLogger(logger))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+cfg.CallTimeout)
	defer cancel()
	if err := rpc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if closeErr := rpc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	hello := client.NewMethod[string](rpc, "Hello", "Hello", "string")
	for i := 0; i < c.Int("count"); i++ {
		greeting, err := hello.Invoke(ctx, c.String("name"))
		if err != nil {
			return err
		}
		fmt.Println(greeting)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "hello"
	app.Usage = "simple-rpc demo provider and client"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML config file",
		},
		cli.StringFlag{
			Name:  "service",
			Value: "hello",
			Usage: "service name registered under /simplerpc/services",
		},
		cli.StringFlag{
			Name:  "registry",
			Usage: "registry address (comma separated for etcd)",
		},
		cli.StringFlag{
			Name:  "registry-kind",
			Usage: "etcd or redis",
		},
		cli.BoolFlag{
			Name:  "dev",
			Usage: "human readable debug logging",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "serve",
			Usage: "Run a Hello provider and register it",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "listen, l",
					Value: ":9000",
					Usage: "listen address",
				},
				cli.StringFlag{
					Name:  "advertise",
					Usage: "host:port announced to clients, defaults to the listen address",
				},
				cli.Int64Flag{
					Name:  "ttl",
					Value: server.DefaultTTL,
					Usage: "registration lease in seconds",
				},
				cli.DurationFlag{
					Name:  "shutdown-timeout",
					Value: 5 * time.Second,
					Usage: "how long in-flight requests may finish",
				},
			},
			Action: serveCommand,
		},
		cli.Command{
			Name:  "call",
			Usage: "Call Hello.Hello on a discovered provider",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "name, n",
					Value: "world",
				},
				cli.IntFlag{
					Name:  "count",
					Value: 1,
				},
			},
			Action: callCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

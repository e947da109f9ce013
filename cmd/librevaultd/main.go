// Command librevaultd runs the synchronization daemon: one libp2p
// transport host shared by every configured folder, each folder driven
// by its own folder.Controller. Its flag/startup shape is grounded on
// the teacher's main.go — parse flags, build identity, wire discovery,
// then block — generalized from one global mixnet node to a list of
// independently Secret-scoped sync folders.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"librevault-go/internal/config"
	"librevault-go/internal/folder"
	"librevault-go/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "librevaultd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		folderArgs stringList
	)
	flag.StringVar(&configPath, "config", "", "path to daemon config JSON (optional)")
	flag.Var(&folderArgs, "folder", "path to a folder config JSON; may be repeated")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log, err := buildLogger(*logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := loadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Folders = append(cfg.Folders, folderArgs...)
	if len(cfg.Folders) == 0 {
		return fmt.Errorf("no folders configured: pass -folder or a -config file listing \"folders\"")
	}

	identity, err := loadOrCreateIdentity(cfg.StateDir)
	if err != nil {
		return err
	}

	host, err := transport.New(identity, log)
	if err != nil {
		return fmt.Errorf("open transport host: %w", err)
	}
	defer host.Close()
	log.Infow("transport host ready", "peer_id", host.ID().String(), "addrs", host.Addrs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDaemon(identity, host, cfg, log)

	controllers := make([]*controllerEntry, 0, len(cfg.Folders))
	for _, fp := range cfg.Folders {
		params, err := config.Load(fp)
		if err != nil {
			return fmt.Errorf("load folder config %s: %w", fp, err)
		}
		flog := log.Named(filepath.Base(params.Path))
		ctrl, err := d.registerFolder(ctx, cfg.StateDir, params, flog)
		if err != nil {
			return fmt.Errorf("register folder %s: %w", fp, err)
		}
		controllers = append(controllers, &controllerEntry{name: fp, ctrl: ctrl})
	}

	for _, c := range controllers {
		c := c
		go func() {
			if err := c.ctrl.Run(ctx); err != nil {
				log.Errorw("folder stopped", "folder", c.name, "err", err)
			}
		}()
	}

	log.Infow("librevaultd running", "folders", len(controllers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	for _, c := range controllers {
		c.ctrl.Close()
	}
	return nil
}

type controllerEntry struct {
	name string
	ctrl *folder.Controller
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Sugar(), nil
}

// stringList implements flag.Value for a repeatable -folder flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprintf("%v", []string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"ossec-bootstrap/bootstrap"
	"ossec-bootstrap/credentials"
	"ossec-bootstrap/cron"
	"ossec-bootstrap/logging"
	"ossec-bootstrap/rulesync"
)

// fallbackBinPath is used when the running executable's path cannot be
// resolved for the cron entry.
const fallbackBinPath = "/var/ossec/bin/ossec-bootstrap"

const lockAcquireTimeout = 30 * time.Second

func init() {
	_ = logging.Set(logging.SplitOutput(os.Stdout, os.Stderr))
}

func main() {
	os.Exit(_main())
}

func _main() int {
	log := logging.New("main")

	app := &cli.App{
		Name:  "ossec-bootstrap",
		Usage: "Prepare the manager install tree before handing off to the main process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "install-root",
				Value: bootstrap.DefaultInstallRoot,
				Usage: "Root of the manager install tree",
			},
			&cli.StringFlag{
				Name:  "staging-root",
				Value: bootstrap.DefaultStagingRoot,
				Usage: "Bundled staging tree, removed once bootstrap completes",
			},
			&cli.StringFlag{
				Name:  "config-mount",
				Value: bootstrap.DefaultConfigMountRoot,
				Usage: "Operator-provided config overlay directory",
			},
			&cli.BoolFlag{
				Name:    "enrollment",
				Value:   true,
				Usage:   "Provision TLS enrollment credentials when none exist",
				EnvVars: []string{"ENROLLMENT_ENABLED"},
			},
			&cli.StringFlag{
				Name:    "cluster-key",
				Usage:   "Value substituted for the cluster key placeholder",
				EnvVars: []string{"CLUSTER_KEY"},
			},
			&cli.StringFlag{
				Name:    "ruleset-path",
				Usage:   "s3://bucket/prefix holding managed ruleset files; empty disables sync",
				EnvVars: []string{"AWS_RULESET_PATH"},
			},
			&cli.BoolFlag{
				Name:    "ruleset-cron",
				Usage:   "Install an hourly cron job re-running the ruleset sync",
				EnvVars: []string{"RULESET_CRON"},
			},
			&cli.StringFlag{
				Name:    "node-name",
				Usage:   "Node name substituted into the main config; defaults to the hostname",
				EnvVars: []string{"NODE_NAME"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the full bootstrap sequence",
				Action: runAction,
			},
			{
				Name:   "sync-rules",
				Usage:  "Download the managed ruleset only",
				Action: syncAction,
			},
		},
		DefaultCommand: "run",
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.WithError(err).Error("Bootstrap failed")
		return 1
	}
	return 0
}

// sequenceDeps carries the pieces of the sequence with external side effects
// so tests can substitute them.
type sequenceDeps struct {
	fsys        afero.Fs
	lock        runLock
	syncRules   func(ctx context.Context, cfg *bootstrap.Config) error
	installCron func(cfg *bootstrap.Config) error
	log         logrus.FieldLogger
}

// runLock guards the reconciliation sequence against a second entrypoint
// racing on a shared volume. *flock.Flock satisfies it.
type runLock interface {
	TryLockContext(ctx context.Context, retry time.Duration) (bool, error)
	Unlock() error
}

func runAction(c *cli.Context) error {
	if c.Bool("debug") {
		_ = logging.Set(logging.Level("debug"))
	}
	log := logging.New("bootstrap")
	fsys := afero.NewOsFs()

	cfg, err := newConfig(c)
	if err != nil {
		return err
	}

	if err := loadManifest(fsys, cfg, log); err != nil {
		return err
	}

	if err := fsys.MkdirAll(filepath.Dir(cfg.LockPath()), 0o750); err != nil {
		return errors.Wrap(err, "create lock directory")
	}

	deps := sequenceDeps{
		fsys: fsys,
		lock: flock.New(cfg.LockPath()),
		syncRules: func(ctx context.Context, cfg *bootstrap.Config) error {
			syncer, err := rulesync.New(fsys, logging.New("rulesync"))
			if err != nil {
				return err
			}
			return syncer.Sync(ctx, cfg.RulesetPath, cfg.RulesetDir())
		},
		installCron: func(cfg *bootstrap.Config) error {
			return cron.Install(fsys, cron.Run, executablePath(), cfg.CronSpoolPath(), logging.New("cron"))
		},
		log: log,
	}
	return runBootstrap(c.Context, cfg, deps)
}

// loadManifest populates cfg.Manifest from the staging tree. A missing
// staging tree means an earlier run already reconciled the volume and cleaned
// up after itself; the file sets stay empty so every staged step is a no-op.
func loadManifest(fsys afero.Fs, cfg *bootstrap.Config, log logrus.FieldLogger) error {
	stagingExists, err := afero.DirExists(fsys, cfg.StagingRoot)
	if err != nil {
		return errors.Wrapf(err, "stat %s", cfg.StagingRoot)
	}
	if !stagingExists {
		log.WithField("dir", cfg.StagingRoot).Info("Staging tree absent, nothing to reconcile")
		return nil
	}

	manifest, err := bootstrap.NewManifest(fsys, cfg.ManifestPath())
	if err != nil {
		return err
	}
	cfg.Manifest = *manifest
	return nil
}

func syncAction(c *cli.Context) error {
	if c.Bool("debug") {
		_ = logging.Set(logging.Level("debug"))
	}

	cfg, err := newConfig(c)
	if err != nil {
		return err
	}
	if cfg.RulesetPath == "" {
		return errors.New("no ruleset path configured, set AWS_RULESET_PATH or --ruleset-path")
	}

	syncer, err := rulesync.New(afero.NewOsFs(), logging.New("rulesync"))
	if err != nil {
		return err
	}
	return syncer.Sync(c.Context, cfg.RulesetPath, cfg.RulesetDir())
}

// runBootstrap executes the ordered bootstrap sequence, stopping at the first
// failing step.
func runBootstrap(ctx context.Context, cfg *bootstrap.Config, deps sequenceDeps) error {
	log := deps.log

	if deps.lock != nil {
		lockCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
		defer cancel()
		locked, err := deps.lock.TryLockContext(lockCtx, 500*time.Millisecond)
		if err != nil {
			return errors.Wrap(err, "acquire bootstrap lock")
		}
		if !locked {
			return errors.New("bootstrap lock is held by another process")
		}
		defer func() {
			_ = deps.lock.Unlock()
		}()
	}

	if err := bootstrap.ReconcileVolume(deps.fsys, cfg, log); err != nil {
		return errors.WithMessage(err, "volume reconciliation")
	}
	if err := bootstrap.RestoreRefreshFiles(deps.fsys, cfg, log); err != nil {
		return errors.WithMessage(err, "refresh file restore")
	}
	if err := bootstrap.RemoveStaleFiles(deps.fsys, cfg, log); err != nil {
		return errors.WithMessage(err, "stale file removal")
	}

	if cfg.EnrollmentEnabled {
		if err := credentials.EnsureKeyPair(deps.fsys, cfg.KeyPath(), cfg.CertPath(), cfg.NodeName, log); err != nil {
			return errors.WithMessage(err, "credential provisioning")
		}
	} else {
		log.Debug("Enrollment disabled, skipping credential provisioning")
	}

	if cfg.RulesetPath != "" {
		if err := deps.syncRules(ctx, cfg); err != nil {
			return errors.WithMessage(err, "ruleset sync")
		}
	}

	if err := bootstrap.ApplyConfigMount(deps.fsys, cfg, log); err != nil {
		return errors.WithMessage(err, "config mount overlay")
	}
	if err := bootstrap.SubstitutePlaceholders(deps.fsys, cfg, log); err != nil {
		return errors.WithMessage(err, "placeholder substitution")
	}

	if cfg.RulesetCron {
		if err := deps.installCron(cfg); err != nil {
			return errors.WithMessage(err, "cron installation")
		}
	}

	if err := bootstrap.RemoveStaging(deps.fsys, cfg, log); err != nil {
		return errors.WithMessage(err, "staging cleanup")
	}

	log.Info("Bootstrap complete")
	return nil
}

func newConfig(c *cli.Context) (*bootstrap.Config, error) {
	nodeName := c.String("node-name")
	if nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "determine hostname")
		}
		nodeName = hostname
	}

	return &bootstrap.Config{
		InstallRoot:       c.String("install-root"),
		StagingRoot:       c.String("staging-root"),
		ConfigMountRoot:   c.String("config-mount"),
		NodeName:          nodeName,
		ClusterKey:        c.String("cluster-key"),
		EnrollmentEnabled: c.Bool("enrollment"),
		RulesetPath:       c.String("ruleset-path"),
		RulesetCron:       c.Bool("ruleset-cron"),
	}, nil
}

func executablePath() string {
	bin, err := os.Executable()
	if err != nil {
		return fallbackBinPath
	}
	return bin
}

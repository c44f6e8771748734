// Package cron registers the periodic ruleset sync job with the container's
// cron daemon.
package cron

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultSchedule runs the ruleset sync at the top of every hour.
const DefaultSchedule = "0 * * * *"

// CommandRunner executes an external command, returning an error that
// includes the command's output on failure. It exists so tests can intercept
// the crontab invocation.
type CommandRunner func(name string, arg ...string) error

// Run is the CommandRunner used in production.
func Run(name string, arg ...string) error {
	out, err := exec.Command(name, arg...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(string(out)))
	}
	return nil
}

// Render produces the crontab entry for the sync job.
func Render(schedule, binPath string) string {
	return fmt.Sprintf("%s %s sync-rules\n", schedule, binPath)
}

// Install writes the rendered crontab entry to spoolPath and registers it via
// the crontab binary. The spool file is marked executable to match the
// install tree's convention for operational scripts.
func Install(fsys afero.Fs, run CommandRunner, binPath, spoolPath string, log logrus.FieldLogger) error {
	entry := Render(DefaultSchedule, binPath)
	if err := fsys.MkdirAll(filepath.Dir(spoolPath), 0o750); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(spoolPath))
	}
	if err := afero.WriteFile(fsys, spoolPath, []byte(entry), 0o755); err != nil {
		return errors.Wrapf(err, "write %s", spoolPath)
	}

	if err := run("crontab", spoolPath); err != nil {
		return errors.Wrap(err, "install crontab")
	}

	log.WithField("schedule", DefaultSchedule).WithField("bin", binPath).Info("Installed ruleset sync cron job")
	return nil
}

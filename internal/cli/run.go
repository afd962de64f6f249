package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"chanpost/internal/channels"
	"chanpost/internal/config"
	"chanpost/internal/dispatch"
	"chanpost/internal/poster"
	"chanpost/internal/runtime/sdnotify"
	"chanpost/internal/schedule"
	"chanpost/internal/storage"
	logx "chanpost/pkg/logx"
)

func (a *App) runCmd() *cobra.Command {
	var file, wait string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the posting loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runLoop(cmd.Context(), file, wait)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "channel file (.json)")
	cmd.Flags().StringVarP(&wait, "wait", "w", "", "wait between passes: seconds, 15m, HH:MM or cron")
	return cmd
}

func (a *App) runLoop(ctx context.Context, file, waitRaw string) error {
	var err error
	if file == "" {
		if file, err = a.promptFile("Enter the channel file name"); err != nil {
			return err
		}
	} else {
		file = a.resolve(file)
	}
	if waitRaw == "" {
		waitRaw, err = promptString(a.in, a.out, "Wait between passes (seconds, 15m, HH:MM or cron)")
		if err != nil {
			return err
		}
	}
	wait, err := schedule.ParseWait(waitRaw)
	if err != nil {
		return NewCLIError("invalid wait", "Use seconds like 3600, a duration like 55m, HH:MM, or a cron expression", err)
	}

	store, err := channels.Open(file)
	if err != nil {
		if errors.Is(err, channels.ErrNotJSON) {
			return err
		}
		return NewCLIError("cannot load channel file", "Check the file name and its JSON", err)
	}

	env, err := config.LoadEnv(a.appDir)
	if err != nil {
		return err
	}

	ds := a.settings.DispatchSettings()
	ls, err := a.settings.LoopSettings()
	if err != nil {
		return NewCLIError("invalid loop settings", "", err)
	}

	audit, err := a.openAudit()
	if err != nil {
		return NewCLIError("cannot open dispatch audit", "Check the storage section of the settings file", err)
	}
	if audit != nil {
		defer audit.Close()
	}

	client := dispatch.New(dispatch.Options{
		Token:      env.AuthToken,
		UserAgent:  dispatch.DefaultUserAgent(Version),
		HTTPClient: &http.Client{Timeout: ds.Timeout},
		Policy: dispatch.Policy{
			RetryMax:        ds.RetryMax,
			WaitCap:         ds.WaitCap,
			WaitMargin:      ds.WaitMargin,
			WriteLimitFloor: ds.WriteLimitFloor,
		},
		RatePerSec: ds.RatePerSec,
		Log:        a.log.With(logx.String("comp", "dispatch")),
	})

	notify := sdnotify.New(a.log.With(logx.String("comp", "sdnotify")))
	loop, err := poster.New(poster.Options{
		Store:      store,
		Dispatcher: client,
		Wait:       wait,
		Loop:       ls,
		Audit:      audit,
		Notify:     notify,
		Log:        a.log.With(logx.String("comp", "poster")),
		Watch:      true,
	})
	if err != nil {
		return err
	}

	notify.Ready()
	defer notify.Stopping()

	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		a.log.Info("shutting down")
		return nil
	}
	return err
}

// openAudit returns (nil, nil) when no audit storage is configured.
func (a *App) openAudit() (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(a.settings)
	if err != nil || !enabled {
		return nil, err
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.log.Info("dispatch audit enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	return st, nil
}

func mapStorageConfig(s *config.Settings) (storage.Config, bool, error) {
	if s == nil || s.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc, err := s.StorageSettings()
	if err != nil {
		return storage.Config{}, false, fmt.Errorf("storage: %w", err)
	}
	if sc.Driver == "" {
		return storage.Config{}, false, nil
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: sc.BusyTimeout}, true, nil
}

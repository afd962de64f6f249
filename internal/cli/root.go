package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"chanpost/internal/alert/telegram"
	"chanpost/internal/config"
	logx "chanpost/pkg/logx"
)

var (
	Version = "dev"
	Commit  = "none"
)

// App carries everything the commands share. It is built once per process.
type App struct {
	stdin   io.Reader
	in      *bufio.Reader
	out     io.Writer
	workDir string
	appDir  string

	cfgPath  string
	settings *config.Settings
	logSvc   *logx.Service
	log      logx.Logger
}

func newApp(stdin io.Reader, out io.Writer) *App {
	wd, _ := os.Getwd()
	return &App{
		stdin:   stdin,
		in:      bufio.NewReader(stdin),
		out:     out,
		workDir: wd,
		appDir:  config.ApplicationDir(),
		log:     logx.NewConsole("info"),
	}
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	return newApp(os.Stdin, os.Stdout).execute(ctx, args)
}

func (a *App) execute(ctx context.Context, args []string) (code int) {
	defer a.close()
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("unexpected panic",
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 32)),
			)
			a.pause()
			code = 1
		}
	}()

	if args == nil {
		// cobra falls back to os.Args on nil
		args = []string{}
	}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.out)
	root.SetErr(a.out)
	if err := root.ExecuteContext(ctx); err != nil {
		return a.report(err)
	}
	return 0
}

func (a *App) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chanpost",
		Short:         "Post scripted messages to Discord channels on a timer",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.menu(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "settings file (JSON or YAML)")
	root.AddCommand(a.runCmd(), a.addCmd(), a.historyCmd())
	return root
}

// setup loads settings and swaps the bootstrap logger for the configured one.
func (a *App) setup() error {
	if a.settings != nil {
		return nil
	}
	s, err := config.Load(a.cfgPath)
	if err != nil {
		return NewCLIError("invalid settings file", "Fix the settings file or drop --config", err)
	}
	a.settings = s

	var sender logx.AlertSender
	tg := s.Logging.Telegram
	if tg.Enabled {
		ts, err := telegram.New(telegram.Config{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			a.log.Warn("telegram alerts disabled", logx.Err(err))
		} else {
			sender = ts
		}
	}
	svc, log := logx.New(logConfig(s, a.appDir), sender)
	a.logSvc = svc
	a.log = log
	return nil
}

func logConfig(s *config.Settings, appDir string) logx.Config {
	l := s.Logging
	path := strings.TrimSpace(l.File.Path)
	if path == "" {
		path = filepath.Join(appDir, "bot.log")
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.ConsoleEnabled(),
		File:    logx.FileConfig{Enabled: l.FileEnabled(), Path: path},
		Alert: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func (a *App) close() {
	if a.logSvc != nil {
		_ = a.logSvc.Close()
		a.logSvc = nil
	}
}

// menu is the interactive entry point used when no subcommand is given.
func (a *App) menu(ctx context.Context) error {
	fmt.Fprintln(a.out, "1 - Run the posting loop")
	fmt.Fprintln(a.out, "2 - Add a channel")
	choice, err := promptString(a.in, a.out, "Choose an option")
	if err != nil {
		return err
	}
	switch choice {
	case "1":
		return a.runLoop(ctx, "", "")
	case "2":
		return a.addChannel("")
	default:
		return NewCLIError(fmt.Sprintf("invalid choice %q", choice), "Enter 1 or 2", nil)
	}
}

// report logs err and returns the exit code for it.
func (a *App) report(err error) int {
	mapped := MapError(err)

	var credErr *config.CredentialError
	if errors.As(err, &credErr) {
		for _, line := range credErr.Lines() {
			a.log.Error(line)
		}
	}

	var ce *CLIError
	if errors.As(mapped, &ce) {
		fields := []logx.Field{}
		if ce.Err != nil {
			fields = append(fields, logx.Err(ce.Err))
		}
		if ce.Hint != "" {
			fields = append(fields, logx.String("hint", ce.Hint))
		}
		a.log.Error(ce.Message, fields...)
		if ce.ExitCode == 0 {
			return 1
		}
		return ce.ExitCode
	}

	a.log.Error("unexpected error", logx.Err(mapped), logx.Stack(logx.StackTrace(2, 16)))
	a.pause()
	return 1
}

// pause keeps a double-clicked console window open until Enter is pressed.
func (a *App) pause() {
	f, ok := a.stdin.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return
	}
	fmt.Fprint(a.out, "Press Enter to close...")
	_, _ = a.in.ReadString('\n')
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"deploywatch/internal/config"
	"deploywatch/internal/deployment"
	"deploywatch/internal/integrations/discord"
	"deploywatch/internal/models"
	"deploywatch/internal/stream"
	"deploywatch/internal/tui"
	"deploywatch/internal/utils"
)

type watchFlags struct {
	status  string
	topics  []string
	plain   bool
	exit    bool
	refresh time.Duration
}

func runWatch(args []string, stdout, stderr io.Writer) error {
	var common commonFlags
	var wf watchFlags
	fs := pflag.NewFlagSet("deploywatch watch", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	common.add(fs)
	fs.StringVar(&wf.status, "status", "", "status reported by the platform (e.g. building, success)")
	fs.StringSliceVar(&wf.topics, "topics", []string{"logs", "metrics"}, "streams to follow")
	fs.BoolVar(&wf.plain, "plain", false, "print plain lines instead of the terminal view")
	fs.BoolVar(&wf.exit, "exit", false, "exit once the attempt concludes (status 1 on failure)")
	fs.DurationVar(&wf.refresh, "refresh", tui.DefaultRefresh, "view refresh interval")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: deploywatch watch <id> [flags]")
		return errUsage
	}
	id := strings.TrimSpace(fs.Arg(0))

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	topics, err := config.Watch{ID: id, Topics: wf.topics}.WatchTopics()
	if err != nil {
		return err
	}

	// The terminal owns stdout; logs always go to the file.
	logger := utils.NewLogger(cfg.LogFile)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	useTUI := !wf.plain && isTerminal(stdout)
	return watch(ctx, cfg, logger, nil, id, topics, wf, useTUI, stdout)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// watch follows one deployment until ctx is done, the view quits, or (with
// --exit) the attempt concludes.
func watch(ctx context.Context, cfg config.Config, logger *utils.Logger, dialer stream.Dialer,
	id string, topics []stream.Topic, wf watchFlags, useTUI bool, stdout io.Writer) error {
	if dialer == nil {
		dialer = cfg.Dialer()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcome := make(chan models.OverallStatus, 1)
	conclude := func(status models.OverallStatus) {
		if !wf.exit {
			return
		}
		select {
		case outcome <- status:
		default:
		}
		cancel()
	}

	streams := stream.NewManager(dialer, cfg.StreamOptions(), logger)
	defer streams.CloseAll()
	notifier := discord.NewNotifier(cfg.NotifySettings(), logger)
	defer notifier.Wait()
	opts := deploymentOptions(cfg, logger)
	opts.OnBuildSuccess = func(string, *models.DeploymentAttempt) { conclude(models.StatusSuccess) }
	opts.OnBuildFailed = func(string, *models.DeploymentAttempt) { conclude(models.StatusFailed) }
	reg := deployment.NewRegistry(streams, notifier.Signals(opts))
	defer reg.Close()

	d, err := reg.Watch(id, wf.status, topics...)
	if err != nil {
		return err
	}
	// A deployment that is already concluded never signals.
	if st := d.Status(); st.Concluded() {
		conclude(st)
	}

	if useTUI {
		program := tea.NewProgram(tui.New(d, wf.refresh), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
	} else if err := tui.Plain(ctx, d, stdout, wf.refresh); err != nil {
		return err
	}

	select {
	case st := <-outcome:
		if st == models.StatusFailed {
			return exitError(1)
		}
	default:
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/frt-tools/frt/app/config"
	"github.com/frt-tools/frt/app/executor"
	"github.com/frt-tools/frt/app/finalizer"
	"github.com/frt-tools/frt/app/history"
	"github.com/frt-tools/frt/app/job"
	"github.com/frt-tools/frt/app/remote"
)

var opts struct {
	Config string `long:"conf" env:"FRT_CONF" default:"/etc/frt.yml" description:"config file location"`
	Dbg    bool   `long:"dbg" env:"FRT_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	// the command line belongs to the wrapped tool and passes through
	// untouched, frt's own options come from the environment only
	p := flags.NewParser(&opts, flags.None)
	if _, err := p.ParseArgs([]string{}); err != nil {
		fmt.Fprintf(os.Stderr, "frt %s: %v\n", revision, err)
		os.Exit(2)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "frt %s: %v\n", revision, err)
		os.Exit(2)
	}
	// must fail before any working directory is created
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "frt %s: %v\n", revision, err)
		os.Exit(2)
	}

	setupLogs(cfg, opts.Dbg)

	args := os.Args[1:]
	probe := strings.Contains(filepath.Base(os.Args[0]), "ffprobe")
	j := job.New(cfg.Client.WorkingDirectory, cfg.Server.WorkingDirectory, args)
	log.Printf("[INFO] frt %s, job %s, beginning remote transcode", revision, j.ID)

	ssh := &remote.SSH{Host: cfg.Server.Host, Username: cfg.Server.Username, IdentityFile: cfg.Server.IdentityFile}

	fin := &finalizer.Finalizer{
		Job:       j,
		SSH:       ssh,
		ProcNames: []string{"ffmpeg", "ffprobe"},
		Repeater:  repeater.New(&strategy.Backoff{Repeats: 2, Duration: 500 * time.Millisecond, Factor: 1.5}),
	}
	signals(fin) // cleanup on SIGTERM, SIGINT, SIGQUIT and SIGHUP

	tool, serverTool, clientTool := "ffmpeg", cfg.Server.FfmpegPath, cfg.Client.FfmpegPath
	if probe {
		tool, serverTool, clientTool = "ffprobe", cfg.Server.FfprobePath, cfg.Client.FfprobePath
	}

	ex := &executor.Executor{
		Job:          j,
		SSH:          ssh,
		ServerTool:   serverTool,
		ClientTool:   clientTool,
		Probe:        probe,
		MarkerPrefix: cfg.MarkerPrefix,
		BridgeMode:   cfg.Bridge.Mode,
		PollInterval: time.Duration(cfg.Bridge.PollInterval),
		Stdin:        os.Stdin,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	}

	started := time.Now()
	code := ex.Run(context.Background(), args)

	record(cfg, j, tool, ex.Mode(), args, started, code)

	if code == 0 {
		log.Printf("[INFO] %s finished with return code 0", tool)
	} else {
		log.Printf("[WARN] %s exited with return code %d", tool, code)
	}
	fin.Shutdown(code)
}

// record stores the invocation in the history db when configured. Must run
// before the finalizer as shutdown never returns.
func record(cfg *config.Config, j *job.Job, tool, mode string, args []string, started time.Time, code int) {
	if cfg.History.File == "" {
		return
	}
	store, err := history.NewStore(cfg.History.File)
	if err != nil {
		log.Printf("[WARN] history disabled, %v", err)
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("[WARN] can't close history db, %v", err)
		}
	}()

	rec := history.Execution{
		JobID:      j.ID,
		Tool:       tool,
		Mode:       mode,
		Command:    strings.Join(args, " "),
		StartedAt:  started,
		FinishedAt: time.Now(),
		ExitCode:   code,
	}
	if err := store.Record(rec); err != nil {
		log.Printf("[WARN] can't record execution, %v", err)
	}
}

func setupLogs(cfg *config.Config, dbg bool) {
	var out io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
		}
	}

	logOpts := []log.Option{log.Out(out), log.Err(out), log.Msec}
	if dbg || cfg.Logging.Debug {
		logOpts = append(logOpts, log.Debug, log.CallerFile, log.CallerFunc)
	}
	log.Setup(logOpts...)
}

func signals(fin *finalizer.Finalizer) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		for sig := range sigChan {
			log.Printf("[WARN] received %v, shutting down", sig)
			code := 1
			if s, ok := sig.(syscall.Signal); ok {
				code = 128 + int(s)
			}
			fin.Shutdown(code)
		}
	}()
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"

	"github.com/pulseox/scopeacq"
	"github.com/pulseox/scopeacq/internal/rundb"
	"github.com/pulseox/scopeacq/simscope"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper finds the config file, creating $HOME/.scopeacq/config.yaml if
// needed, and reads it. A non-empty configFile is used instead of searching.
func setupViper(configFile string) error {
	HOME, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("error finding user home dir: %w", err)
	}
	dotScopeacq := filepath.Join(HOME, ".scopeacq")

	viper.SetDefault("verbose", false)
	viper.SetDefault("ports.base", 5600)
	viper.SetDefault("queuelimit", scopeacq.DefaultQueueLimit)
	viper.SetDefault("publisher.depth", 1000)
	viper.SetDefault("recording.enabled", false)
	viper.SetDefault("recording.basepath", filepath.Join(dotScopeacq, "data"))
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.addr", rundb.DefaultOptions().Addr)
	viper.SetDefault("database.database", rundb.DefaultDatabase)
	sim := simscope.DefaultOptions()
	sim.RealTime = true
	viper.SetDefault("simscope.maxsamplerate", sim.MaxSampleRate)
	viper.SetDefault("simscope.clockhz", sim.ClockHz)
	viper.SetDefault("simscope.realtime", sim.RealTime)
	viper.SetDefault("simscope.shortby", sim.ShortBy)
	viper.SetDefault("simscope.baseline", sim.Baseline)
	viper.SetDefault("simscope.pulsehigh", sim.PulseHigh)

	if configFile != "" {
		viper.SetConfigFile(configFile)
		return viper.ReadInConfig()
	}
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotScopeacq, filename+suffix); err != nil {
		return err
	}
	viper.SetConfigName(filename)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/scopeacq"))
	viper.AddConfigPath(dotScopeacq)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

func main() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ") // workaround for Make problems
	scopeacq.Build.Date = buildDate
	scopeacq.Build.Githash = githash
	scopeacq.Build.Summary = fmt.Sprintf("scopeacq version %s (git commit %s)", scopeacq.Build.Version, githash)
	if host, err := os.Hostname(); err == nil {
		scopeacq.Build.Host = host
	} else {
		scopeacq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	configFile := flag.String("config", "", "read settings from this file instead of $HOME/.scopeacq/config.yaml")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is scopeacq version %s\n", scopeacq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is scopeacq version %s (git commit %s)\n", scopeacq.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	logdir := filepath.Join("$HOME", ".scopeacq", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		log.Fatal(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		log.Fatal(err)
	}
	scopeacq.ProblemLogger = startLogger(problemname)
	scopeacq.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	scopeacq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(*configFile); err != nil {
		log.Fatal(err)
	}
	log.Printf("scopeacq is using config file %s\n", viper.ConfigFileUsed())
	scopeacq.SetPortnumbers(viper.GetInt("ports.base"))

	if err := run(); err != nil {
		scopeacq.ProblemLogger.Print(err)
		log.Print(err)
	}
	writeMemoryProfile(memprofile)
}

// simscopeOptions reads the simulated device settings key by key, so that
// defaults apply to keys missing from the config file.
func simscopeOptions() simscope.Options {
	return simscope.Options{
		MaxSampleRate: viper.GetFloat64("simscope.maxsamplerate"),
		ClockHz:       viper.GetFloat64("simscope.clockhz"),
		RealTime:      viper.GetBool("simscope.realtime"),
		ShortBy:       viper.GetInt("simscope.shortby"),
		Baseline:      viper.GetFloat64("simscope.baseline"),
		PulseHigh:     viper.GetFloat64("simscope.pulsehigh"),
	}
}

// run wires the worker to its sinks and serves RPC until interrupted.
func run() error {
	cfg, stimuli, err := scopeacq.LoadWorkerConfig(viper.GetViper())
	if err != nil {
		scopeacq.ProblemLogger.Printf("Ignoring stored acquisition settings: %v", err)
		cfg, stimuli = scopeacq.DefaultWorkerConfig(), nil
	}
	worker := scopeacq.NewAcquisitionWorker(
		simscope.Factory(simscopeOptions(), nil),
		scopeacq.WithWorkerConfig(cfg, stimuli),
		scopeacq.WithQueueLimit(viper.GetInt("queuelimit")),
	)

	// abort stops the servers; dbAbort is closed only after the last event is handled.
	abort := make(chan struct{})
	dbAbort := make(chan struct{})
	shutdown := sync.OnceFunc(func() { close(abort) })

	db := rundb.DummyConnection()
	if viper.GetBool("database.enabled") {
		opts := rundb.DefaultOptions()
		opts.Addr = viper.GetString("database.addr")
		opts.Database = viper.GetString("database.database")
		opts.Version = scopeacq.Build.Version
		db = rundb.StartConnection(opts, scopeacq.NewActivityMessage(), dbAbort)
		if !db.IsConnected() {
			scopeacq.ProblemLogger.Printf("Run database is not connected: %v", db.Err())
		}
	}

	snapshot := scopeacq.NewSnapshotSink()
	recorder := scopeacq.NewRecorderSink(viper.GetString("recording.basepath"))
	if viper.GetBool("recording.enabled") {
		if err := recorder.SetEnabled(true, ""); err != nil {
			scopeacq.ProblemLogger.Printf("Recording disabled: %v", err)
		}
	}
	publisher := scopeacq.NewPublisherSink(viper.GetInt("publisher.depth"))
	sinks := scopeacq.MultiSink{snapshot, recorder, publisher, scopeacq.NewRunLogSink(db)}

	go func() {
		if err := publisher.RunClientUpdater(scopeacq.Ports.Status, scopeacq.Ports.Data, abort); err != nil {
			scopeacq.ProblemLogger.Printf("Client updater stopped: %v", err)
		}
	}()
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		scopeacq.Dispatch(context.Background(), worker.Events(), sinks)
	}()

	// Ctrl-C or SIGTERM shuts the server down cleanly, turning every output off.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		log.Printf("Interrupted: shutting down\n")
		shutdown()
	}()

	control := scopeacq.NewScopeControl(worker, snapshot, recorder, publisher, viper.GetViper())
	fmt.Printf("Serving RPC on port %d, status on %d, data on %d\n",
		scopeacq.Ports.RPC, scopeacq.Ports.Status, scopeacq.Ports.Data)
	err = scopeacq.RunRPCServer(control, scopeacq.Ports.RPC, abort)
	shutdown()

	worker.Close()
	<-dispatched
	close(dbAbort)
	db.Wait()
	return err
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}

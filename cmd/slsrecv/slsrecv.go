package main

import (
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
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"github.com/usnistgov/slsrecv"
	"github.com/usnistgov/slsrecv/internal/rundb"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
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

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper(dotDir string) error {
	viper.SetDefault("verbose", false)
	viper.SetDefault("ports.rpc", 1954)
	viper.SetDefault("database.enable", false)
	viper.SetDefault("database.addr", "localhost:9000")

	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotDir, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/slsrecv"))
	viper.AddConfigPath(dotDir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return logger
}

func main() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ") // workaround for Make problems
	slsrecv.Build.Date = buildDate
	slsrecv.Build.Githash = githash
	slsrecv.Build.Gitdate = gitdate
	slsrecv.Build.Summary = fmt.Sprintf("slsrecv version %s (git commit %s of %s)", slsrecv.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		slsrecv.Build.Host = host
	} else {
		slsrecv.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	dumpConfig := flag.Bool("dumpconfig", false, "print the stored receiver configuration and quit")
	portBase := flag.Int("rpcport", 0, "base TCP port: RPC on N, status on N+1, GUI frames on N+2 (default from config)")
	realtime := flag.Bool("realtime", false, "request real-time priority for listening and writing threads")
	pingDB := flag.Bool("pingdb", false, "check the run database connection and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is slsrecv version %s\n", slsrecv.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	dotDir := filepath.Join(HOME, ".slsrecv")
	if err := setupViper(dotDir); err != nil {
		panic(err)
	}

	if *dumpConfig {
		var cfg slsrecv.ReceiverConfig
		if err := viper.UnmarshalKey("receiver", &cfg); err != nil {
			fmt.Println("Could not read receiver configuration:", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration file %s\n", viper.ConfigFileUsed())
		spew.Dump(cfg)
		os.Exit(0)
	}
	if *pingDB {
		if err := rundb.PingServer(viper.GetString("database.addr")); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is slsrecv version %s (git commit %s)\n", slsrecv.Build.Version, githash)
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
	logdir := filepath.Join(dotDir, "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	slsrecv.ProblemLogger = startLogger(problemname)
	slsrecv.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	slsrecv.UpdateLogger.Printf("\n\n\n\n%s", banner)

	base := viper.GetInt("ports.rpc")
	if *portBase > 0 {
		base = *portBase
	}
	slsrecv.SetPortnumbers(base)

	abort := make(chan struct{})
	db := rundb.Disconnected()
	if viper.GetBool("database.enable") {
		activity := &rundb.ReceiverActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  slsrecv.Build.Host,
			Githash:   githash,
			Version:   slsrecv.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     slsrecv.ReceiverStartTime,
		}
		db = rundb.Start(viper.GetString("database.addr"), activity, abort)
		if !db.IsConnected() {
			slsrecv.ProblemLogger.Printf("Run database unavailable: %v", db.Err())
		}
	}

	updates := slsrecv.NewUpdateQueue()
	receiver, err := slsrecv.NewReceiver(updates.In(), db)
	if err != nil {
		log.Fatal(err)
	}
	receiver.SetRealtime(*realtime)
	go func() {
		if err := slsrecv.RunClientUpdater(updates.Out(), slsrecv.Ports.Status, abort); err != nil {
			slsrecv.ProblemLogger.Print(err)
		}
	}()
	go func() {
		if err := slsrecv.RunGuiPublisher(receiver.Mirror(), slsrecv.Ports.GUI, abort); err != nil {
			slsrecv.ProblemLogger.Print(err)
		}
	}()
	if err := slsrecv.RunRPCServer(receiver, updates.In(), slsrecv.Ports.RPC, false); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Listening for control on port %d, status on %d, frames on %d\n",
		slsrecv.Ports.RPC, slsrecv.Ports.Status, slsrecv.Ports.GUI)

	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt, syscall.SIGTERM)
	<-interruptCatcher
	fmt.Println("\nStopping receiver")
	if err := receiver.Close(); err != nil {
		slsrecv.ProblemLogger.Printf("Receiver closed with error: %v", err)
	}
	close(abort)
	db.Wait()
	time.Sleep(50 * time.Millisecond)
}

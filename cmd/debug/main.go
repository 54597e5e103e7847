package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/relayboard/db"
	"github.com/thatsimonsguy/relayboard/internal/codec"
	"github.com/thatsimonsguy/relayboard/internal/logging"
	"github.com/thatsimonsguy/relayboard/internal/model"
	"github.com/thatsimonsguy/relayboard/internal/relay"
	"github.com/thatsimonsguy/relayboard/internal/serial"
	"github.com/thatsimonsguy/relayboard/internal/store"
	"github.com/thatsimonsguy/relayboard/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, portName, address, statusFile, unitPath, binary, configFile, user, workDir string
	var relayNumber, baud, limit, days int
	var timeout time.Duration
	flag.StringVar(&dbPath, "db", "data/relayboard.db", "Path to the relay journal")
	flag.StringVar(&command, "cmd", "", "Command to run: on, off, status, history, prune, last-status, install-service")
	flag.StringVar(&portName, "port", "/dev/ttyUSB0", "Serial port of the relay board")
	flag.IntVar(&baud, "baud", 9600, "Serial baud rate")
	flag.StringVar(&statusFile, "status-file", "data/status.json", "Status file written by the controller")
	flag.StringVar(&unitPath, "unit", "/etc/systemd/system/relayboard.service", "Where to write the systemd unit")
	flag.StringVar(&binary, "binary", "/usr/local/bin/relayboard", "Controller binary for the systemd unit")
	flag.StringVar(&configFile, "config-file", "/etc/relayboard/config.json", "Controller config for the systemd unit")
	flag.StringVar(&user, "user", "root", "User the service runs as")
	flag.StringVar(&workDir, "workdir", "/var/lib/relayboard", "Working directory of the service")
	flag.StringVar(&address, "address", codec.DefaultAddress.String(), "Relay board address in hex")
	flag.IntVar(&relayNumber, "relay", 0, "Relay number (1-4)")
	flag.IntVar(&limit, "limit", 20, "Number of history entries")
	flag.IntVar(&days, "days", 30, "Keep this many days of journal entries when pruning")
	flag.DurationVar(&timeout, "timeout", 2*time.Second, "How long to wait for the board")
	verbose := flag.Bool("v", false, "Log frames")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of relayboard-debug:")
		fmt.Println("  -cmd string\tCommand to run: on, off, status, history, prune, last-status, install-service")
		fmt.Println("  -relay int\tRelay number for on/off, filter for history")
		fmt.Println("  -port string\tSerial port (default '/dev/ttyUSB0')")
		fmt.Println("  -baud int\tSerial baud rate (default 9600)")
		fmt.Println("  -address string\tRelay board address (default 'AF2436')")
		fmt.Println("  -db string\tPath to the relay journal (default 'data/relayboard.db')")
		fmt.Println("  -limit int\tNumber of history entries (default 20)")
		fmt.Println("  -days int\tRetention for prune (default 30)")
		fmt.Println("  -timeout duration\tHow long to wait for the board (default 2s)")
		fmt.Println("  -status-file string\tStatus file for last-status (default 'data/status.json')")
		fmt.Println("  -unit, -binary, -config-file, -user, -workdir\tSettings for install-service")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logging.Init(level, "")

	var err error
	switch command {
	case "on", "off":
		if !codec.ValidRelay(relayNumber) {
			fmt.Println("Error: -relay must be between 1 and 4")
			os.Exit(1)
		}
		err = setRelay(portName, baud, address, relayNumber, model.RelayState(command), timeout)
	case "status":
		err = printStatus(portName, baud, address, timeout)
	case "history":
		err = db.PrintHistoryCLI(os.Stdout, dbPath, relayNumber, limit)
	case "prune":
		err = prune(dbPath, days)
	case "last-status":
		err = printLastStatus(statusFile)
	case "install-service":
		err = startup.InstallService(unitPath, startup.ServiceOptions{
			User:         user,
			WorkDir:      workDir,
			Binary:       binary,
			ConfigFile:   configFile,
			SerialDevice: startup.DeviceUnit(portName),
		})
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func openBoard(portName string, baud int, address string, opts relay.Options) (*relay.Controller, *serial.Port, error) {
	addr, err := codec.ParseAddress(address)
	if err != nil {
		return nil, nil, err
	}
	port, err := serial.Open(portName, baud, 50*time.Millisecond)
	if err != nil {
		return nil, nil, err
	}
	opts.Name = "relayboard-debug"
	opts.Address = addr

	descs := make([]relay.Descriptor, 0, codec.MaxRelay)
	for n := codec.MinRelay; n <= codec.MaxRelay; n++ {
		descs = append(descs, relay.Descriptor{Name: fmt.Sprintf("relay %d", n), Relay: n})
	}
	ctrl, _, err := relay.Assemble(opts, port, descs)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	return ctrl, port, nil
}

func setRelay(portName string, baud int, address string, n int, state model.RelayState, timeout time.Duration) error {
	ctrl, port, err := openBoard(portName, baud, address, relay.Options{WriteTimeout: timeout})
	if err != nil {
		return err
	}
	defer port.Close()
	return ctrl.RequestState(n, state)
}

func printStatus(portName string, baud int, address string, timeout time.Duration) error {
	ctrl, port, err := openBoard(portName, baud, address, relay.Options{
		PollInterval: timeout,
		PollTimeout:  timeout,
	})
	if err != nil {
		return err
	}
	defer port.Close()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctrl.Loop(time.Now())
		snap := ctrl.Snapshot()
		if snap.Channels[0].State.Known() {
			for _, ch := range snap.Channels {
				fmt.Printf("relay %d: %s\n", ch.Index, ch.State)
			}
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("no status report within %s", timeout)
}

func prune(dbPath string, days int) error {
	j, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer j.Close()

	n, err := j.Prune(time.Now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d journal entries older than %d days\n", n, days)
	return nil
}

func printLastStatus(path string) error {
	status, err := store.New(path).Load()
	if err != nil {
		return err
	}
	fmt.Printf("%s link healthy: %v\n", status.Name, status.LinkHealthy)
	for _, ch := range status.Channels {
		fmt.Printf("relay %d (%s): %s [%s]\n", ch.Index, ch.Name, ch.State, ch.Phase)
	}
	return nil
}

// Copyright (c) 2024 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"k8s.io/klog/v2"

	"hsmplib/pkg/hsmp"
	"hsmplib/pkg/sensors"
)

var Version = "1.0.0"

// This variable is filled in during the linker step - -ldflags "-X main.buildTime=`date -u '+%Y-%m-%dT%H:%M:%S'`"
var buildTime = ""

var helptxt = `
hsmp-util is a command line tool to query and control the platform
management firmware of AMD EPYC class servers through the HSMP mailbox.

Usage:
./hsmp-util [--version] [--help] [--list] [--socket=N] [--msg=Id] [--args=A,B,..] [--mode=ro|wo|rw] [--power] [--set-power-limit=mW] [--boost] [--set-boost=MHz] [--metrics=ADDR] [--verbosity=0]

Which:
	version              : Print the version of this application and exit
	help                 : Print the help text and exit
	list                 : List the discovered sockets and NBIO bus ranges
	socket=N             : Socket index targeted by the other options (default 0)
	msg=Id               : Submit the raw message Id (decimal) to the socket
	args=A,B,..          : Argument words for --msg, in hex or decimal
	mode=ro|wo|rw        : Access scope enforced for --msg (default rw)
	power                : Print the socket power telemetry
	set-power-limit=mW   : Set the socket power limit in milliwatts
	boost                : Print the socket boost limit telemetry
	set-boost=MHz        : Set the boost frequency ceiling for all cores of the socket
	metrics=ADDR         : Serve socket power as Prometheus metrics on ADDR until interrupted
	verbosity            : Set the log level verbosity, where 0 is no logging and 4 is very verbose
`

const (
	DefaultVerbosity = "0" // Default log level
)

type Settings struct {
	Version       bool   // Print the version of this application and exit if true
	Verbosity     string // The log level verbosity, where 0 is no logging and 4 is very verbose
	Help          bool   // Print the help text and exit
	List          bool   // List the discovered sockets and NBIO tiles
	Socket        uint   // Socket index for the operations below
	msg           string // Raw message id to submit
	args          string // Comma separated argument words for the raw message
	mode          string // Access scope for raw submissions
	Power         bool   // Print socket power telemetry
	SetPowerLimit string // Set the socket power limit in milliwatts
	Boost         bool   // Print the socket boost limit
	SetBoost      string // Set the socket boost frequency ceiling in MHz
	Metrics       string // Address to serve Prometheus metrics on
}

// InitContext: initialize the configuration data using command line args
func (s *Settings) InitContext(args []string, ctx context.Context) (error, context.Context) {

	newContext := ctx

	flags := flag.NewFlagSet(args[0], flag.ExitOnError)

	var (
		version       = flags.Bool("version", false, "Display version and exit")
		verbosity     = flags.String("verbosity", DefaultVerbosity, "Log level verbosity")
		help          = flags.Bool("help", false, "Print the help text")
		list          = flags.Bool("list", false, "List the discovered sockets and NBIO bus ranges")
		socket        = flags.Uint("socket", 0, "Socket index targeted by the other options")
		msg           = flags.String("msg", "", "Submit the raw message id to the socket")
		msgArgs       = flags.String("args", "", "Argument words for --msg")
		mode          = flags.String("mode", "rw", "Access scope enforced for --msg: ro, wo or rw")
		power         = flags.Bool("power", false, "Print the socket power telemetry")
		setPowerLimit = flags.String("set-power-limit", "", "Set the socket power limit in milliwatts")
		boost         = flags.Bool("boost", false, "Print the socket boost limit telemetry")
		setBoost      = flags.String("set-boost", "", "Set the boost frequency ceiling in MHz")
		metrics       = flags.String("metrics", "", "Serve socket power as Prometheus metrics on this address")
	)

	err := flags.Parse(args[1:])
	if err != nil {
		return err, newContext
	}

	s.Version = *version
	s.Verbosity = *verbosity
	s.Help = *help
	s.List = *list
	s.Socket = *socket
	s.msg = *msg
	s.args = *msgArgs
	s.mode = *mode
	s.Power = *power
	s.SetPowerLimit = *setPowerLimit
	s.Boost = *boost
	s.SetBoost = *setBoost
	s.Metrics = *metrics

	if len(args) == 1 {
		s.Help = true
	}

	return nil, newContext
}

func PrintTableToStdout(table any, prefix, indent string) {
	s, _ := json.MarshalIndent(table, prefix, indent)
	fmt.Print(string(s), "\n")
}

func accessModeOf(mode string) (hsmp.AccessMode, error) {
	switch mode {
	case "ro":
		return hsmp.AccessRead, nil
	case "wo":
		return hsmp.AccessWrite, nil
	case "rw":
		return hsmp.AccessReadWrite, nil
	}
	return 0, fmt.Errorf("unknown access mode %q", mode)
}

func main() {

	settings := Settings{}
	ctx := context.Background()
	var err error
	err, ctx = settings.InitContext(os.Args, ctx)

	if err != nil {
		fmt.Printf("ERROR: parsing parameters, err=%v\n", err)
		os.Exit(1)
	}

	// Set verbosity level according to the 'verbosity' flag
	var l klog.Level
	l.Set(settings.Verbosity)

	args := strings.Join(os.Args[1:], " ")
	klog.V(1).InfoS("hsmp-util", "args", args)
	klog.V(2).InfoS("hsmp-util", "settings", settings)

	if settings.Version {
		fmt.Println("[] hsmp-util", "version", Version, "build", buildTime)
		os.Exit(0)
	}

	if settings.Help {
		fmt.Print(helptxt)
		os.Exit(0)
	}

	registry, err := hsmp.NewRegistry()
	if err != nil {
		fmt.Printf("ERROR: initializing HSMP interface, err=%v\n", err)
		os.Exit(1)
	}
	sock := uint16(settings.Socket)

	if settings.List {
		topo := registry.Topology()
		fmt.Printf("Sockets found: %d\n", registry.NumSockets())
		for i := uint16(0); i < registry.NumSockets(); i++ {
			smuVer, _ := registry.GetSmuFwVersion(i)
			protoVer, _ := registry.GetProtoVersion(i)
			fmt.Printf("socket %d: SMU firmware %s, protocol version %d\n", i, smuVer, protoVer)
		}
		prFmt := "%8s | %6s | %12s | %20s | %30s \n"
		fmt.Printf(prFmt, "socket", "nbio", "buses", "vendor", "device")
		for _, tile := range topo.Tiles {
			vendorName, deviceName := hsmp.PciNameFor(hsmp.AMD_VENDOR_ID, tile.DevID)
			if len(vendorName) > 20 {
				vendorName = vendorName[:17] + "..."
			}
			busRange := fmt.Sprintf("0x%02X-0x%02X", tile.BusBase, tile.BusLimit)
			fmt.Printf(prFmt, strconv.Itoa(int(tile.SockInd)), strconv.Itoa(int(tile.NbioID)), busRange, vendorName, deviceName)
		}
	}

	if settings.msg != "" {
		id, err := strconv.ParseUint(settings.msg, 0, 32)
		if err != nil {
			fmt.Printf("ERROR: parsing message id %q, err=%v\n", settings.msg, err)
			os.Exit(1)
		}
		mode, err := accessModeOf(settings.mode)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}

		msg := hsmp.Message{MsgID: hsmp.MsgID(id), SockInd: sock}
		if settings.args != "" {
			for i, word := range strings.Split(settings.args, ",") {
				if i >= hsmp.HSMP_MAX_MSG_LEN {
					fmt.Printf("ERROR: more than %d argument words\n", hsmp.HSMP_MAX_MSG_LEN)
					os.Exit(1)
				}
				val, err := strconv.ParseUint(strings.TrimSpace(word), 0, 32)
				if err != nil {
					fmt.Printf("ERROR: parsing argument %q, err=%v\n", word, err)
					os.Exit(1)
				}
				msg.Args[i] = uint32(val)
				msg.NumArgs++
			}
		}
		if dir, err := hsmp.MsgDirectionOf(msg.MsgID); err == nil && dir == hsmp.DirGet {
			msg.ResponseSz = hsmp.HSMP_MAX_MSG_LEN
		}

		if err := registry.Submit(&msg, mode); err != nil {
			fmt.Printf("ERROR: message %d failed, err=%v\n", msg.MsgID, err)
			os.Exit(1)
		}
		PrintTableToStdout(msg, "   ", "   ")
	}

	if settings.Power {
		power, err := registry.GetSocketPower(sock)
		if err != nil {
			fmt.Printf("ERROR: reading socket power, err=%v\n", err)
			os.Exit(1)
		}
		limit, err := registry.GetSocketPowerLimit(sock)
		if err != nil {
			fmt.Printf("ERROR: reading socket power limit, err=%v\n", err)
			os.Exit(1)
		}
		limitMax, err := registry.GetSocketPowerLimitMax(sock)
		if err != nil {
			fmt.Printf("ERROR: reading socket power limit max, err=%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("socket %d power: %d mW (limit %d mW, max settable %d mW)\n", sock, power, limit, limitMax)
	}

	if settings.SetPowerLimit != "" {
		milliwatts, err := strconv.ParseUint(settings.SetPowerLimit, 0, 32)
		if err != nil {
			fmt.Printf("ERROR: parsing power limit %q, err=%v\n", settings.SetPowerLimit, err)
			os.Exit(1)
		}
		if err := registry.SetSocketPowerLimit(sock, uint32(milliwatts)); err != nil {
			fmt.Printf("ERROR: setting socket power limit, err=%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("socket %d power limit set to %d mW\n", sock, milliwatts)
	}

	if settings.Boost {
		fclk, mclk, err := registry.GetFclkMclk(sock)
		if err != nil {
			fmt.Printf("ERROR: reading fclk/mclk, err=%v\n", err)
			os.Exit(1)
		}
		cclk, err := registry.GetCclkThrottleLimit(sock)
		if err != nil {
			fmt.Printf("ERROR: reading cclk throttle limit, err=%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("socket %d fclk %d MHz, mclk %d MHz, cclk throttle limit %d MHz\n", sock, fclk, mclk, cclk)
	}

	if settings.SetBoost != "" {
		mhz, err := strconv.ParseUint(settings.SetBoost, 0, 32)
		if err != nil {
			fmt.Printf("ERROR: parsing boost limit %q, err=%v\n", settings.SetBoost, err)
			os.Exit(1)
		}
		if err := registry.SetBoostLimitSocket(sock, uint32(mhz)); err != nil {
			fmt.Printf("ERROR: setting boost limit, err=%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("socket %d boost limit set to %d MHz\n", sock, mhz)
	}

	if settings.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(sensors.NewCollector(registry))
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		fmt.Printf("serving socket power metrics on %s/metrics\n", settings.Metrics)
		if err := http.ListenAndServe(settings.Metrics, nil); err != nil {
			fmt.Printf("ERROR: metrics server, err=%v\n", err)
			os.Exit(1)
		}
	}
}

// Command scopectl controls a running scopeacq server over JSON-RPC, and can
// watch the messages it publishes.
//
//	scopectl [-host h] [-port p] command [arguments]
//
// Commands:
//
//	start | stop | status
//	configure RATE_HZ SAMPLES
//	channels CH [CH...]
//	stimulus none | continuous OUT FREQ_HZ AMPLITUDE | pulse OUT DUTY_PERCENT PERIOD_MS
//	record on [BASEPATH] | off | pause | resume
//	snapshot [PATH]
//	watch [TAG]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/rpc/jsonrpc"
	"os"
	"strconv"
	"strings"

	zmq "github.com/pebbe/zmq4"
	"github.com/pulseox/scopeacq"
)

func main() {
	host := flag.String("host", "localhost", "server host name")
	port := flag.Int("port", 5600, "server base port (RPC; status is port+1)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: scopectl [flags] start|stop|status|configure|channels|stimulus|record|snapshot|watch ...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	scopeacq.SetPortnumbers(*port)

	command, args := strings.ToLower(flag.Arg(0)), flag.Args()[1:]
	var err error
	if command == "watch" {
		err = watch(*host, args)
	} else {
		err = call(*host, command, args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scopectl %s: %v\n", command, err)
		os.Exit(1)
	}
}

func call(host, command string, args []string) error {
	client, err := jsonrpc.Dial("tcp", fmt.Sprintf("%s:%d", host, scopeacq.Ports.RPC))
	if err != nil {
		return err
	}
	defer client.Close()

	method, params, err := request(command, args)
	if err != nil {
		return err
	}
	switch method {
	case "ScopeControl.Status":
		var status scopeacq.ServerStatus
		if err := client.Call(method, params, &status); err != nil {
			return err
		}
		return printJSON(status)
	case "ScopeControl.SaveSnapshot":
		var path string
		if err := client.Call(method, params, &path); err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}
	var okay bool
	if err := client.Call(method, params, &okay); err != nil {
		return err
	}
	if !okay {
		return fmt.Errorf("server replied not okay")
	}
	return nil
}

// request translates a command line into an RPC method and its argument.
func request(command string, args []string) (string, any, error) {
	dummy := ""
	switch command {
	case "start":
		return "ScopeControl.Start", &dummy, nil
	case "stop":
		return "ScopeControl.Stop", &dummy, nil
	case "status":
		return "ScopeControl.Status", &dummy, nil

	case "configure":
		if len(args) != 2 {
			return "", nil, fmt.Errorf("need RATE_HZ SAMPLES")
		}
		rate, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return "", nil, err
		}
		count, err := strconv.Atoi(args[1])
		if err != nil {
			return "", nil, err
		}
		return "ScopeControl.Configure", &scopeacq.ConfigureArgs{SampleRateHz: rate, SampleCount: count}, nil

	case "channels":
		channels := make([]int, len(args))
		for i, a := range args {
			ch, err := strconv.Atoi(a)
			if err != nil {
				return "", nil, err
			}
			channels[i] = ch
		}
		return "ScopeControl.ConfigureChannels", &channels, nil

	case "stimulus":
		configs, err := stimulusArgs(args)
		if err != nil {
			return "", nil, err
		}
		return "ScopeControl.ConfigureStimuli", &configs, nil

	case "record":
		if len(args) == 0 {
			return "", nil, fmt.Errorf("need on, off, pause or resume")
		}
		rec := scopeacq.RecordingArgs{}
		switch strings.ToLower(args[0]) {
		case "on":
			rec.Enabled = true
			if len(args) > 1 {
				rec.BasePath = args[1]
			}
		case "pause":
			rec.Enabled, rec.Paused = true, true
		case "resume":
			rec.Enabled = true
		case "off":
		default:
			return "", nil, fmt.Errorf("unknown record request %q", args[0])
		}
		return "ScopeControl.ConfigureRecording", &rec, nil

	case "snapshot":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		return "ScopeControl.SaveSnapshot", &path, nil
	}
	return "", nil, fmt.Errorf("unknown command %q", command)
}

// stimulusArgs parses "none" or one or more groups like "continuous 1 100 5"
// and "pulse 3 50 10".
func stimulusArgs(args []string) ([]scopeacq.StimulusConfig, error) {
	configs := []scopeacq.StimulusConfig{}
	if len(args) == 1 && strings.EqualFold(args[0], "none") {
		return configs, nil
	}
	for len(args) > 0 {
		if len(args) < 4 {
			return nil, fmt.Errorf("need KIND OUTPUT X Y, have %v", args)
		}
		out, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, err
		}
		x, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return nil, err
		}
		sc := scopeacq.StimulusConfig{Kind: strings.ToLower(args[0]), Channel: out}
		switch sc.Kind {
		case "continuous":
			sc.FrequencyHz, sc.Amplitude = x, y
		case "pulse":
			sc.DutyPercent, sc.PeriodMs = x, y
		default:
			return nil, fmt.Errorf("unknown stimulus kind %q", args[0])
		}
		if _, err := sc.Spec(); err != nil {
			return nil, err
		}
		configs = append(configs, sc)
		args = args[4:]
	}
	return configs, nil
}

// watch prints status messages from the server until interrupted.
func watch(host string, args []string) error {
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return err
	}
	defer sub.Close()
	filter := ""
	if len(args) > 0 {
		filter = strings.ToUpper(args[0])
	}
	if err := sub.SetSubscribe(filter); err != nil {
		return err
	}
	if err := sub.Connect(fmt.Sprintf("tcp://%s:%d", host, scopeacq.Ports.Status)); err != nil {
		return err
	}
	for {
		msg, err := sub.RecvMessage(0)
		if err != nil {
			return err
		}
		if len(msg) == 2 {
			fmt.Printf("%-10s %s\n", msg[0], msg[1])
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

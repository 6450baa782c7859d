package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/cbeuw/streamproto/internal/body"
	"github.com/cbeuw/streamproto/internal/client"
	"github.com/cbeuw/streamproto/internal/proto"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	// The ip of the echo server
	var remoteHost string
	var remotePort string
	var config string

	flag.StringVar(&remoteHost, "s", "", "remoteHost: IP of the server")
	flag.StringVar(&remotePort, "p", "7000", "remotePort: port of the server")
	flag.StringVar(&config, "c", "client.json", "config: path to the configuration file or its content")
	repeat := flag.Int("n", 1, "number of times the request is issued, all at once")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <command> [chunk...]\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *askVersion {
		fmt.Printf("echo-client %s", version)
		return
	}
	if *printUsage || flag.NArg() == 0 {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	rawConfig, err := client.ParseConfig(config)
	if err != nil {
		log.Fatal(err)
	}
	// commandline argument takes precedence over json
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "s":
			rawConfig.RemoteHost = remoteHost
		case "p":
			rawConfig.RemotePort = remotePort
		}
	})
	if rawConfig.RemotePort == "" {
		rawConfig.RemotePort = remotePort
	}

	sta, err := rawConfig.ProcessRawConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, caller, err := client.Dial(ctx, sta, proto.Hooks{})
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	args := flag.Args()
	reqs := make([]proto.Message, *repeat)
	for i := range reqs {
		req := proto.Message{Head: args[0]}
		if len(args) > 1 {
			chunks := make([][]byte, len(args)-1)
			for j, arg := range args[1:] {
				chunks[j] = []byte(arg)
			}
			req.Body = body.FromChunks(chunks...)
		}
		reqs[i] = req
	}

	results, err := client.Run(ctx, caller, reqs)
	for i, r := range results {
		if r.Err != nil {
			fmt.Printf("%v: error: %v\n", i, r.Err)
			continue
		}
		fmt.Printf("%v: %s\n", i, r.Head)
		for _, chunk := range r.Chunks {
			fmt.Printf("\t%s\n", chunk)
		}
	}
	if err != nil {
		log.Fatal(err)
	}
}

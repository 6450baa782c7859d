package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cbeuw/streamproto/internal/common"
	"github.com/cbeuw/streamproto/internal/server"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "server.json", "config: path to the configuration file or its content")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	genKey := flag.Bool("k", false, "Generate a shared key and output it to STDOUT")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")

	flag.Parse()

	if *askVersion {
		fmt.Printf("echo-server %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}
	if *genKey {
		fmt.Println(common.GenerateKey())
		return
	}

	if *pprofAddr != "" {
		runtime.SetBlockProfileRate(5)
		go func() {
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
		log.Infof("pprof listening on %v", *pprofAddr)
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	sta, err := server.ParseConfig(config)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	// in case the user hasn't specified any local address to bind to, we listen on 7000
	if len(sta.BindAddr) == 0 {
		addr, _ := net.ResolveTCPAddr("tcp", ":7000")
		sta.BindAddr = []net.Addr{addr}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if sta.StatsAddr != "" && sta.Transport == common.TransportTCP {
		go func() {
			l, err := net.Listen("tcp", sta.StatsAddr)
			if err != nil {
				log.Errorf("unable to serve stats: %v", err)
				return
			}
			log.Infof("Stats on %v", sta.StatsAddr)
			if err := server.ServeStats(ctx, l, sta); err != nil {
				log.Error(err)
			}
		}()
	}

	listen := func(bindAddr net.Addr) {
		listener, err := net.Listen("tcp", bindAddr.String())
		log.Infof("Listening on %v for %v %v", bindAddr, sta.Transport, sta.Discipline)
		if err != nil {
			log.Fatal(err)
		}
		if err := server.Serve(ctx, listener, sta); err != nil {
			log.Fatal(err)
		}
	}

	for i, addr := range sta.BindAddr {
		if i != len(sta.BindAddr)-1 {
			go listen(addr)
		} else {
			// we block the main goroutine here so it doesn't quit
			listen(addr)
		}
	}
}

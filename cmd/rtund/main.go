// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"log"

	"github.com/Kartoshka2331/nigarok/internal/accounts"
	"github.com/Kartoshka2331/nigarok/internal/allocator"
	"github.com/Kartoshka2331/nigarok/internal/config"
	"github.com/Kartoshka2331/nigarok/internal/metrics"
	"github.com/Kartoshka2331/nigarok/internal/tunnel"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "rtund"
	myApp.Usage = "reverse TCP tunnel server"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":13882",
			Usage: "control-link listen address, eg: \"IP:13882\"",
		},
		cli.IntFlag{
			Name:  "portlo",
			Value: 20000,
			Usage: "lower bound (inclusive) of the public port range handed out to clients",
		},
		cli.IntFlag{
			Name:  "porthi",
			Value: 29999,
			Usage: "upper bound (inclusive) of the public port range handed out to clients",
		},
		cli.StringFlag{
			Name:  "accounts",
			Value: "",
			Usage: "path to a JSON file of [{\"login\":...,\"password\":...}] accounts",
		},
		cli.StringFlag{
			Name:  "metrics",
			Value: "",
			Usage: "address to serve Prometheus metrics on, eg \":9100\"; empty disables metrics",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress per-session/per-connection log lines",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.ServerConfig{
		Listen:      c.String("listen"),
		PortRangeLo: c.Int("portlo"),
		PortRangeHi: c.Int("porthi"),
		AccountsFile: c.String("accounts"),
		MetricsAddr: c.String("metrics"),
		Log:         c.String("log"),
		Quiet:       c.Bool("quiet"),
	}

	if c.String("c") != "" {
		if err := config.ParseJSONServerConfig(&cfg, c.String("c")); err != nil {
			return errors.Wrap(err, "parse json config")
		}
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	accountList := cfg.Accounts
	if cfg.AccountsFile != "" {
		loaded, err := accounts.LoadJSON(cfg.AccountsFile)
		if err != nil {
			return errors.Wrap(err, "load accounts file")
		}
		accountList = append(accountList, loaded...)
	}
	if len(accountList) == 0 {
		log.Println("warning: no accounts configured, every client will be rejected")
	}
	verifier := accounts.New(accountList)

	if cfg.PortRangeLo <= 0 || cfg.PortRangeHi < cfg.PortRangeLo {
		return errors.Errorf("invalid port range [%d,%d]", cfg.PortRangeLo, cfg.PortRangeHi)
	}
	alloc := allocator.New(cfg.PortRangeLo, cfg.PortRangeHi)

	var metricsServer *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsServer = metrics.NewServer()
		go func() {
			log.Println("metrics listening on:", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, metricsServer.Handler()); err != nil {
				log.Println("metrics server stopped:", err)
			}
		}()
	}

	srv := tunnel.NewServer(tunnel.ServerOptions{
		Verifier:       verifier,
		Allocator:      alloc,
		Metrics:        metricsServer,
		Quiet:          cfg.Quiet,
		AuthTimeout:    durationMS(cfg.AuthTimeoutMS),
		ReadTimeout:    durationMS(cfg.ReadTimeoutMS),
		WriteTimeout:   durationMS(cfg.WriteTimeoutMS),
		CleanupTimeout: durationMS(cfg.CleanupTimeoutMS),
		PutTimeout:     durationMS(cfg.PutTimeoutMS),
		QueueSize:      cfg.QueueSize,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	log.Println("listening on:", cfg.Listen)
	log.Println("public port range:", cfg.PortRangeLo, "-", cfg.PortRangeHi)
	log.Println("accounts loaded:", verifier.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("shutting down")
		cancel()
	}()

	return srv.Serve(ctx, ln)
}

// durationMS converts a millisecond config field to a time.Duration, or
// zero to let the receiving option struct fall back to its default.
func durationMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

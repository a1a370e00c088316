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
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/Kartoshka2331/nigarok/internal/config"
	"github.com/Kartoshka2331/nigarok/internal/tunnel"
	"github.com/Kartoshka2331/nigarok/internal/uiadapter"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "rtun"
	myApp.Usage = "reverse TCP tunnel client"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "server,s",
			Value: "",
			Usage: "tunnel server control-link address, eg \"example.com:13882\"",
		},
		cli.StringFlag{
			Name:  "local,t",
			Value: "127.0.0.1:80",
			Usage: "local service address to expose through the tunnel",
		},
		cli.StringFlag{
			Name:  "login",
			Value: "",
			Usage: "account login",
		},
		cli.StringFlag{
			Name:  "password",
			Value: "",
			Usage: "account password",
		},
		cli.IntFlag{
			Name:  "maxretries",
			Value: tunnel.MaxRetries,
			Usage: "consecutive failed reconnect attempts before giving up",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress per-connection log lines",
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
	cfg := config.ClientConfig{
		ServerAddr: c.String("server"),
		LocalAddr:  c.String("local"),
		Login:      c.String("login"),
		Password:   c.String("password"),
		MaxRetries: c.Int("maxretries"),
		Log:        c.String("log"),
		Quiet:      c.Bool("quiet"),
	}

	if c.String("c") != "" {
		if err := config.ParseJSONClientConfig(&cfg, c.String("c")); err != nil {
			return errors.Wrap(err, "parse json config")
		}
	}

	if cfg.ServerAddr == "" {
		return errors.New("-server is required")
	}
	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("server:", cfg.ServerAddr)
	log.Println("local:", cfg.LocalAddr)
	log.Println("login:", cfg.Login)

	ui := uiadapter.LogUI{}

	sup := tunnel.NewSupervisor(tunnel.SupervisorOptions{
		NewSession: func() *tunnel.ClientSession {
			return tunnel.NewClientSession(tunnel.ClientSessionOptions{
				ServerAddr: cfg.ServerAddr,
				LocalAddr:  cfg.LocalAddr,
				Login:      cfg.Login,
				Password:   cfg.Password,
				UI:         ui,
				Quiet:      cfg.Quiet,
				DialTimeout:      durationMS(cfg.DialTimeoutMS),
				AuthTimeout:      durationMS(cfg.AuthTimeoutMS),
				LocalDialTimeout: durationMS(cfg.LocalDialTimeoutMS),
				ReadTimeout:      durationMS(cfg.ReadTimeoutMS),
				WriteTimeout:     durationMS(cfg.WriteTimeoutMS),
				PingInterval:     durationMS(cfg.PingIntervalMS),
				PutTimeout:       durationMS(cfg.PutTimeoutMS),
				QueueSize:        cfg.QueueSize,
			})
		},
		UI:         ui,
		RetryDelay: durationMS(cfg.RetryDelayMS),
		MaxRetries: cfg.MaxRetries,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("shutting down")
		cancel()
	}()

	return sup.Run(ctx)
}

// durationMS converts a millisecond config field to a time.Duration, or
// zero to let the receiving option struct fall back to its default.
func durationMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

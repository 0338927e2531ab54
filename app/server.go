package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lurepot/lurepot"
	"github.com/lurepot/lurepot/config"
	"github.com/lurepot/lurepot/producer"
)

func main() {
	fmt.Println(`
 _
| |_   _ _ __ ___ _ __   ___ | |_
| | | | | '__/ _ \ '_ \ / _ \| __|
| | |_| | | |  __/ |_) | (_) | |_
|_|\__,_|_|  \___| .__/ \___/ \__|
                 |_|
	`)

	pflag.StringP("confpath", "c", "config/", "configuration directory")
	pflag.StringP("instances", "f", "", "instances file (overrides instances_path)")
	pflag.StringP("logpath", "l", "", "log file path (overrides logpath)")
	pflag.BoolP("debug", "d", false, "enable debug logging")
	pflag.Parse()

	conf, err := config.Init(pflag.Lookup("confpath").Value.String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	bindFlag(conf, "instances_path", "instances")
	bindFlag(conf, "logpath", "logpath")
	if d, _ := pflag.CommandLine.GetBool("debug"); d {
		conf.Set("debug", true)
	}

	logger := producer.NewLogger(conf)

	instancesFile, err := os.Open(conf.GetString("instances_path"))
	if err != nil {
		logger.Error("failed to open instances file", producer.ErrAttr(err))
		os.Exit(1)
	}
	instances, err := config.ParseInstances(instancesFile)
	instancesFile.Close()
	if err != nil {
		logger.Error("failed to parse instances file", producer.ErrAttr(err))
		os.Exit(1)
	}

	supervisor, err := lurepot.New(conf, logger)
	if err != nil {
		logger.Error("failed to initialize", producer.ErrAttr(err))
		os.Exit(1)
	}
	if err := supervisor.StartAll(instances); err != nil {
		logger.Error("failed to start instances", producer.ErrAttr(err))
		if serr := supervisor.StopAll(); serr != nil {
			logger.Error("failed to shut down cleanly", producer.ErrAttr(serr))
		}
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println()
	logger.Info("shutting down")
	if err := supervisor.StopAll(); err != nil {
		logger.Error("failed to shut down cleanly", producer.ErrAttr(err))
		os.Exit(1)
	}
}

func bindFlag(conf *viper.Viper, key, flag string) {
	if value := pflag.Lookup(flag).Value.String(); value != "" {
		conf.Set(key, value)
	}
}

package main

import (
	"fmt"
	"os"

	"undermoon/backend"
	"undermoon/cluster"
	"undermoon/config"
	"undermoon/control"
	"undermoon/lib/logger"
	"undermoon/lib/ratelimit"
	"undermoon/lib/utils"
	"undermoon/session"
	"undermoon/tcp"
)

var banner = `undermoon proxy prepare to start`

const configFile string = "undermoon.yaml"

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && !info.IsDir()
}

func main() {
	fmt.Println(banner)

	runID := utils.RandString(40)
	if fileExists(configFile) {
		if err := config.SetupConfig(configFile, runID); err != nil {
			fmt.Fprintf(os.Stderr, "undermoon: cannot read %s: %v\n", configFile, err)
			os.Exit(1)
		}
	} else {
		config.Properties = config.Default(runID)
	}
	props := config.Properties

	logger.Setup(&logger.Settings{
		Path:       props.LogPath,
		Name:       props.LogName,
		Ext:        props.LogExt,
		TimeFormat: props.LogTimeFormat,
	})

	proxyAddr := fmt.Sprintf("%s:%d", props.Bind, props.Port)

	store := cluster.NewStore()
	pool := backend.NewPool(props.BackendDialTimeout)
	limiter := ratelimit.New(props.MigrationKeysPerSec, props.MigrationBytesPerSec)
	ctl := control.NewHandler(store, pool, limiter, proxyAddr)
	manager := session.NewManager(store, pool, ctl, props.BackendRequestTimeout)

	logger.Infof("run_id=%s bind=%s", props.RunID, proxyAddr)

	err := tcp.ListenAndServeWithSignal(&tcp.Config{
		Address: proxyAddr,
	}, manager)
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

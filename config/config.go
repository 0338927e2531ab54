// Package config loads engine settings and the instance list.
package config

import (
	"github.com/spf13/viper"
)

// Init loads the engine configuration from confpath. A missing config file
// is not an error: every setting has a default that is safe for a local run.
func Init(confpath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName("config")
	if confpath != "" {
		v.AddConfigPath(confpath)
	}
	v.AddConfigPath("/etc/lurepot/")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.SetDefault("instances_path", "config/instances.yaml")
	v.SetDefault("logpath", "lurepot.log")
	v.SetDefault("debug", false)
	v.SetDefault("max_connections", 256)
	v.SetDefault("conn_timeout", 45)
	v.SetDefault("grace_period", 5)
	v.SetDefault("event_queue_size", 1024)
	v.SetDefault("sensor_path", "sensor.id")

	v.SetDefault("producers.hpfeeds.enabled", false)
	v.SetDefault("producers.hpfeeds.host", "127.0.0.1")
	v.SetDefault("producers.hpfeeds.port", 10000)
	v.SetDefault("producers.hpfeeds.ident", "")
	v.SetDefault("producers.hpfeeds.auth", "")
	v.SetDefault("producers.hpfeeds.channel", "lurepot.events")
	v.SetDefault("producers.http.enabled", false)
	v.SetDefault("producers.http.remote", "")
	v.SetDefault("producers.sqlite.enabled", false)
	v.SetDefault("producers.sqlite.path", "captures.db")

	return v, nil
}

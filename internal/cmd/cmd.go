package cmd

import (
	"github.com/clambin/go-common/charmer"
	"github.com/clambin/sprinkler/internal/cmd/run"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log/slog"
	"os"
	"time"
)

var (
	configFilename string
	RootCmd        = cobra.Command{
		Use:   "sprinkler",
		Short: "Controller for garden irrigation valves",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			charmer.SetJSONLogger(cmd, viper.GetBool("debug"))
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&configFilename, "config", "", "Configuration file")
	RootCmd.PersistentFlags().Bool("debug", false, "Log debug messages")
	_ = viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))

	RootCmd.AddCommand(&run.Cmd)
}

var args = charmer.Arguments{
	"debug":                  charmer.Argument{Default: false, Help: "Log debug messages"},
	"pprof":                  charmer.Argument{Default: "", Help: "Enable pprof"},
	"server.addr":            charmer.Argument{Default: ":8080", Help: "Address of the control endpoint"},
	"exporter.addr":          charmer.Argument{Default: ":9090", Help: "Address of Prometheus exporter"},
	"tick.interval":          charmer.Argument{Default: time.Second, Help: "Sequencer tick interval"},
	"watering.stopOnDisable": charmer.Argument{Default: false, Help: "Disabling automatic watering also stops an active run"},
	"valves.path":            charmer.Argument{Default: "/sys/class/gpio", Help: "GPIO sysfs base path"},
	"valves.retries":         charmer.Argument{Default: 5, Help: "Valve close attempts before reporting a hardware fault"},
	"influxdb.url":           charmer.Argument{Default: "", Help: "InfluxDB server URL (empty: don't record watering history)"},
	"influxdb.token":         charmer.Argument{Default: "", Help: "InfluxDB API token"},
	"influxdb.org":           charmer.Argument{Default: "sprinkler", Help: "InfluxDB organization"},
	"influxdb.bucket":        charmer.Argument{Default: "watering", Help: "InfluxDB bucket"},
	"mqtt.broker":            charmer.Argument{Default: "", Help: "MQTT broker URL (empty: don't run the MQTT bridge)"},
	"mqtt.username":          charmer.Argument{Default: "", Help: "MQTT username"},
	"mqtt.password":          charmer.Argument{Default: "", Help: "MQTT password"},
	"mqtt.clientID":          charmer.Argument{Default: "sprinkler", Help: "MQTT client ID"},
	"discovery.enabled":      charmer.Argument{Default: false, Help: "Advertise the controller over mDNS"},
	"slack.token":            charmer.Argument{Default: "", Help: "Slack token"},
	"slack.botEnabled":       charmer.Argument{Default: false, Help: "Run the Slack bot"},
}

func initConfig() {
	if configFilename != "" {
		viper.SetConfigFile(configFilename)
	} else {
		viper.AddConfigPath("/etc/sprinkler/")
		viper.AddConfigPath("$HOME/.sprinkler")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
	}

	if err := charmer.SetDefaults(viper.GetViper(), args); err != nil {
		panic("failed to set viper defaults: " + err.Error())
	}

	viper.SetEnvPrefix("SPRINKLER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		slog.Error("failed to read config file", "err", err)
		os.Exit(1)
	}
}

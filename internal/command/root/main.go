package root

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-redis/redis/v7"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quickstart/internal/database"
	"quickstart/internal/metric"
)

var Cmd = &cobra.Command{
	Use:   "quickstart",
	Short: "Compute Engine Quick Start",
	Long:  `Compute Engine Quick Start: start, list and stop a small cluster of instances from the browser`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := log.ParseLevel(viper.GetString("log-level"))

		if err != nil {
			log.WithError(err).Warn("invalid log level, using info")
			level = log.InfoLevel
		}

		log.SetLevel(level)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Usage()
	},
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	Cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	Cmd.PersistentFlags().String("redis", "", "Redis endpoint, in memory storage when empty")
	Cmd.PersistentFlags().String("redis-password", "", "Redis password")

	Cmd.PersistentFlags().String("influxdb", "", "InfluxDB endpoint, metrics disabled when empty")
	Cmd.PersistentFlags().String("influxdb-token", "", "InfluxDB token")
	Cmd.PersistentFlags().String("influxdb-bucket", "", "InfluxDB bucket")
	Cmd.PersistentFlags().String("influxdb-org", "", "InfluxDB organization")

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(Cmd.PersistentFlags()); err != nil {
		log.WithError(err).Fatal("flag biding failed")
	}
}

type Component struct {
	DB     database.Database
	Metric metric.Client
}

func GetComponent(loadDB, loadMetric bool) *Component {
	component := &Component{}

	if loadDB {
		redisAddr := viper.GetString("redis")

		if redisAddr == "" {
			log.Warn("no redis endpoint, users and credentials are kept in memory")
			component.DB = database.NewMemory()
		} else {
			db, err := database.NewRedis(&redis.Options{
				Addr:     redisAddr,
				Password: viper.GetString("redis-password"),
			})

			if err != nil {
				log.WithError(err).Fatalf("unable to connect to database '%s'", redisAddr)
			}

			log.Infof("connected to database '%s'", redisAddr)
			component.DB = db
		}
	}

	if loadMetric {
		influxDbAddr := viper.GetString("influxdb")

		if influxDbAddr == "" {
			component.Metric = &metric.Null{}
		} else {
			metricClient, err := metric.NewInfluxdb(metric.InfluxdbConfig{
				Addr:   influxDbAddr,
				Token:  viper.GetString("influxdb-token"),
				Bucket: viper.GetString("influxdb-bucket"),
				Org:    viper.GetString("influxdb-org"),
			})

			if err != nil {
				log.WithError(err).Fatalf("unable to connect to metrics '%s'", influxDbAddr)
			}

			log.Infof("connected to metrics '%s'", influxDbAddr)
			component.Metric = metricClient
		}
	}

	return component
}

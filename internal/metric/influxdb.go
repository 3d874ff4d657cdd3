package metric

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	lp "github.com/influxdata/line-protocol"
	log "github.com/sirupsen/logrus"
)

type influx struct {
	client influxdb2.InfluxDBClient
	bucket string
	org    string

	mu     sync.Mutex
	points []*influxdb2.Point
}

type InfluxdbConfig struct {
	Addr   string
	Token  string
	Bucket string
	Org    string
}

func NewInfluxdb(config InfluxdbConfig) (*influx, error) {
	client := influxdb2.NewClient(config.Addr, config.Token)

	return &influx{client: client, bucket: config.Bucket, org: config.Org}, nil
}

func (i *influx) Record(name string, tags Tags, fields Fields) {
	point := influxdb2.NewPoint(name, tags, fields, time.Now())

	i.mu.Lock()
	i.points = append(i.points, point)
	i.mu.Unlock()
}

func (i *influx) Send(ctx context.Context) {
	i.mu.Lock()
	points := i.points
	i.points = nil
	i.mu.Unlock()

	if len(points) == 0 {
		return
	}

	if err := i.client.WriteApiBlocking(i.org, i.bucket).WritePoint(ctx, points...); err != nil {
		log.WithError(err).Debug("unable to send metrics:")
		for _, point := range points {
			log.WithFields(log.Fields{
				"name":   point.Name(),
				"tags":   tagsMap(point.TagList()),
				"fields": fieldsMap(point.FieldList()),
			}).Debug("metric not send")
		}
	}
}

func (i *influx) Ticker(ctx context.Context, duration time.Duration) {
	ticker := time.NewTicker(duration)

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			i.Send(context.Background())
			i.client.Close()
			return
		case <-ticker.C:
			i.Send(ctx)
		}
	}
}

func tagsMap(tags []*lp.Tag) (t Tags) {
	t = make(Tags)
	for _, tag := range tags {
		t[tag.Key] = tag.Value
	}
	return t
}

func fieldsMap(fields []*lp.Field) (f Fields) {
	f = make(Fields)
	for _, field := range fields {
		f[field.Key] = field.Value
	}
	return f
}

package tsdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/jellydator/ttlcache/v3"
)

const (
	measurement = "icmp-echo"

	// queryCacheTTL matches how long the web UI is willing to see slightly
	// stale graphs.
	queryCacheTTL = time.Minute
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx stores samples in InfluxDB, one point per probe, tagged by
// prober_name and dst_ip. Writes go through the blocking write API so the
// collector's writer can retry on a synchronous error; read queries are
// cached for a minute.
type Influx struct {
	log      *slog.Logger
	client   influxdb2.Client
	writeAPI influxdb2api.WriteAPIBlocking
	queryAPI influxdb2api.QueryAPI
	bucket   string
	cache    *ttlcache.Cache[string, []Point]
}

func NewInflux(log *slog.Logger, cfg InfluxConfig) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	db := &Influx{
		log:      log,
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []Point](queryCacheTTL),
		),
	}
	go db.cache.Start()
	return db
}

func (db *Influx) Record(ctx context.Context, proberName, dstIP string, sendTime float64, receiveTime *float64) error {
	value := TimeoutValue
	if receiveTime != nil {
		value = *receiveTime - sendTime
	}
	sec := int64(sendTime)
	nsec := int64((sendTime - float64(sec)) * 1e9)
	point := write.NewPoint(measurement,
		map[string]string{
			"prober_name": proberName,
			"dst_ip":      dstIP,
		},
		map[string]any{
			"latency": value,
		},
		time.Unix(sec, nsec),
	)
	if err := db.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write point: %w", err)
	}
	return nil
}

func (db *Influx) Query(ctx context.Context, proberName, dstIP string, start, end int64) ([]Point, error) {
	key := fmt.Sprintf("%s/%s/%d/%d", proberName, dstIP, start, end)
	if item := db.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: %d, stop: %d)
		|> filter(fn: (r) => r._measurement == %q and r.prober_name == %q and r.dst_ip == %q and r._field == "latency")
		|> sort(columns: ["_time"])`,
		db.bucket, start, end+1, measurement, proberName, dstIP)
	result, err := db.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer result.Close()

	var points []Point
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		p := Point{Epoch: record.Time().Unix()}
		if value != TimeoutValue {
			v := value
			p.Latency = &v
		}
		points = append(points, p)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("query results: %w", result.Err())
	}
	db.cache.Set(key, points, ttlcache.DefaultTTL)
	return points, nil
}

func (db *Influx) LastTime(ctx context.Context, proberName, dstIP string) (time.Time, bool, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: 0)
		|> filter(fn: (r) => r._measurement == %q and r.prober_name == %q and r.dst_ip == %q and r._field == "latency")
		|> last()`,
		db.bucket, measurement, proberName, dstIP)
	result, err := db.queryAPI.Query(ctx, flux)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last: %w", err)
	}
	defer result.Close()
	for result.Next() {
		return result.Record().Time(), true, nil
	}
	return time.Time{}, false, result.Err()
}

func (db *Influx) Count(ctx context.Context, proberName, dstIP string) (uint64, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: 0)
		|> filter(fn: (r) => r._measurement == %q and r.prober_name == %q and r.dst_ip == %q and r._field == "latency")
		|> count()`,
		db.bucket, measurement, proberName, dstIP)
	result, err := db.queryAPI.Query(ctx, flux)
	if err != nil {
		return 0, fmt.Errorf("query count: %w", err)
	}
	defer result.Close()
	for result.Next() {
		if n, ok := result.Record().Value().(int64); ok {
			return uint64(n), nil
		}
	}
	return 0, result.Err()
}

func (db *Influx) Close() error {
	db.cache.Stop()
	db.client.Close()
	return nil
}

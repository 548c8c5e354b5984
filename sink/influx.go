package sink

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

const (
	influxMeasurement = "supmoco_train"
	influxMessages    = "supmoco_message"
)

// InfluxSink は値を InfluxDB のポイントとして同期的に書き込みます。
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	runID  string
	now    func() time.Time
}

// NewInfluxSink は url の InfluxDB に接続します。Close で接続を閉じてください。
func NewInfluxSink(url, token, org, bucket, runID string) (*InfluxSink, error) {
	if url == "" || org == "" || bucket == "" {
		return nil, errors.NewConfigurationError("sink.influx", "url, org and bucket are required", url)
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		runID:  runID,
		now:    time.Now,
	}, nil
}

// newInfluxSinkWithAPI は書き込み API を差し替えます。
func newInfluxSinkWithAPI(w api.WriteAPIBlocking, runID string, now func() time.Time) *InfluxSink {
	return &InfluxSink{write: w, runID: runID, now: now}
}

// Close はクライアントを閉じます。
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Log は1ポイントに全ての値をフィールドとして載せます。
func (s *InfluxSink) Log(ctx context.Context, step int, values map[string]float64) error {
	if len(values) == 0 {
		return nil
	}
	p := influxdb2.NewPointWithMeasurement(influxMeasurement).
		AddTag("run_id", s.runID).
		AddField("step", step).
		SetTime(s.now())
	for _, k := range sortedKeys(values) {
		p = p.AddField(k, values[k])
	}
	return s.writePoint(ctx, p)
}

// Message はメッセージを文字列フィールドとして書き込みます。
func (s *InfluxSink) Message(ctx context.Context, msg string) error {
	p := influxdb2.NewPoint(
		influxMessages,
		map[string]string{"run_id": s.runID},
		map[string]interface{}{"message": msg},
		s.now(),
	)
	return s.writePoint(ctx, p)
}

func (s *InfluxSink) writePoint(ctx context.Context, p *write.Point) error {
	if err := s.write.WritePoint(ctx, p); err != nil {
		return errors.Wrap(err, "influx write")
	}
	return nil
}

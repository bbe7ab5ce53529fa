package influxdb

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/config"
)

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1",
		Token:   "t",
		Org:     "o",
		Bucket:  "b",
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client

	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	c.Flush()
	c.WriteManagerStats(ManagerCounters{Ticks: 1})
	c.WriteDomainStats("can0", 1, 0)
	c.WriteBridgeStats("can0", BridgeCounters{})
}

func TestDisconnectedClientHealthCheck(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestClientOptionsDefaults(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.InfluxDBConfig
		wantBatch uint
		wantFlush uint
	}{
		{"zero values", config.InfluxDBConfig{}, defaultBatchSize, defaultFlushInterval * millisecondsPerSecond},
		{"negative values", config.InfluxDBConfig{BatchSize: -1, FlushInterval: -5}, defaultBatchSize, defaultFlushInterval * millisecondsPerSecond},
		{"explicit", config.InfluxDBConfig{BatchSize: 500, FlushInterval: 2}, 500, 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := clientOptions(tt.cfg)
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d, want %d", got, tt.wantFlush)
			}
		})
	}
}

func TestPointLineProtocol(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	tests := []struct {
		name  string
		point *write.Point
		want  []string
	}{
		{
			name:  "manager",
			point: managerPoint(ManagerCounters{Ticks: 7, Evicted: 2}, ts),
			want:  []string{"manager", "ticks=7u", "evicted=2u", "sweeps_skipped=0u"},
		},
		{
			name:  "domain",
			point: domainPoint("can0", 3, 1, ts),
			want:  []string{"domain=can0", "devices=3i", "pending_replies=1i"},
		},
		{
			name:  "bridge",
			point: bridgePoint("can1", BridgeCounters{FramesRx: 10, Connected: true}, ts),
			want:  []string{"bridge", "domain=can1", "frames_rx=10u", "connected=true"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(tt.point, time.Second)
			for _, part := range tt.want {
				if !strings.Contains(line, part) {
					t.Errorf("line %q missing %q", line, part)
				}
			}
			if !strings.HasSuffix(strings.TrimSpace(line), "1700000000") {
				t.Errorf("line %q has wrong timestamp", line)
			}
		})
	}
}

package tracker

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"finapi/pkg/logger"
)

// InfluxConfig InfluxDB 连接参数
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink 把调用记录异步写入 InfluxDB，measurement 为 api_call
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *logrus.Entry
	done     chan struct{}
}

// NewInfluxSink 创建 InfluxDB 接收者，写入使用非阻塞批量 API
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.WithComponent("tracker").WithField("sink", "influxdb"),
		done:     make(chan struct{}),
	}
	go s.handleWriteErrors()
	return s
}

// Write 写入一条记录
func (s *InfluxSink) Write(rec CallRecord) {
	point := influxdb2.NewPointWithMeasurement("api_call").
		AddTag("source", rec.Source).
		AddTag("status", string(rec.Status)).
		AddField("endpoint", rec.Endpoint).
		AddField("response_time", rec.ResponseTime).
		SetTime(rec.Timestamp)
	if rec.Error != "" {
		point.AddField("error", rec.Error)
	}
	s.writeAPI.WritePoint(point)
}

// Flush 立即发送缓冲区中的数据
func (s *InfluxSink) Flush() {
	s.writeAPI.Flush()
}

// Close 发送剩余数据并关闭连接
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("等待 InfluxDB 错误通道关闭超时")
	}
}

func (s *InfluxSink) handleWriteErrors() {
	defer close(s.done)
	for err := range s.writeAPI.Errors() {
		s.logger.WithError(err).Warn("写入 InfluxDB 失败")
	}
}

var _ Sink = (*InfluxSink)(nil)

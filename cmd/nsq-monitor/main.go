package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor consumes the attempt feed and the dead-letter topic and exports
// what it sees, plus topic depth from nsqd, as prometheus metrics.
type monitor struct {
	attemptsTopic string
	dlqTopic      string
	statsURL      string
	client        *http.Client
	logger        *logging.Logger

	attemptsSeen    *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	topicDepth      *prometheus.GaugeVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(cfg config.NSQ, reg prometheus.Registerer, logger *logging.Logger) *monitor {
	m := &monitor{
		attemptsTopic: cfg.AttemptsTopic,
		dlqTopic:      cfg.DLQTopic,
		statsURL:      fmt.Sprintf("http://%s/stats?format=json", cfg.NsqdHTTPAddr),
		client:        &http.Client{Timeout: 5 * time.Second},
		logger:        logger,
		attemptsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_feed_attempts_total",
			Help: "Delivery attempts observed on the attempt feed",
		}, []string{"event_type", "success"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_feed_dead_letters_total",
			Help: "Dead-letter notices observed on the DLQ topic",
		}, []string{"reason"}),
		topicDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbor_nsq_topic_depth",
			Help: "Depth of the feed topics",
		}, []string{"topic"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbor_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbor_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
	reg.MustRegister(m.attemptsSeen, m.deadLetters, m.topicDepth, m.channelDepth, m.channelInflight)
	return m
}

// handleAttempt never asks for a requeue: a message we cannot decode will not
// decode on redelivery either.
func (m *monitor) handleAttempt(msg *nsq.Message) error {
	var fm delivery.FeedMessage
	if err := json.Unmarshal(msg.Body, &fm); err != nil {
		m.logger.Plain().WithError(err).WithField("topic", m.attemptsTopic).Warn("dropping undecodable attempt")
		return nil
	}
	a := fm.Attempt
	ctx := tracing.ExtractHeaders(context.Background(), fm.TraceHeaders)
	m.attemptsSeen.WithLabelValues(a.EventType, strconv.FormatBool(a.Success)).Inc()
	m.logger.WithContext(ctx).
		WithOrganization(a.OrganizationID).
		WithEndpoint(a.EndpointID).
		WithDelivery(a.ID).
		WithEventType(a.EventType).
		WithFields(map[string]any{"status_code": a.StatusCode, "success": a.Success}).
		Debug("attempt observed")
	return nil
}

func (m *monitor) handleDeadLetter(msg *nsq.Message) error {
	var dl delivery.DeadLetter
	if err := json.Unmarshal(msg.Body, &dl); err != nil || dl.Type != delivery.DLQType {
		m.logger.Plain().WithField("topic", m.dlqTopic).Warn("dropping message that is not a dead-letter notice")
		return nil
	}
	m.deadLetters.WithLabelValues(dl.Reason).Inc()
	m.logger.Plain().
		WithOrganization(dl.OrganizationID).
		WithEndpoint(dl.EndpointID).
		WithEventType(dl.EventType).
		WithFields(map[string]any{"failures": dl.Failures, "last_status_code": dl.LastStatusCode}).
		Warn(dl.Reason)
	return nil
}

func (m *monitor) updateStats(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return fmt.Errorf("build stats request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.attemptsTopic && topic.TopicName != m.dlqTopic {
			continue
		}
		m.topicDepth.WithLabelValues(topic.TopicName).Set(float64(topic.Depth))
		for _, channel := range topic.Channels {
			m.channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) pollStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateStats(ctx); err != nil {
				m.logger.Plain().WithError(err).Warn("error updating NSQ stats")
			}
		}
	}
}

func consume(topic, channel, addr string, h nsq.HandlerFunc) (*nsq.Consumer, error) {
	c, err := nsq.NewConsumer(topic, channel, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s: %w", topic, err)
	}
	c.AddHandler(h)
	if err := c.ConnectToNSQD(addr); err != nil {
		return nil, fmt.Errorf("connect nsqd for %s: %w", topic, err)
	}
	return c, nil
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HARBOR_CONFIG_FILE"))
	if err != nil {
		logging.Plain().WithError(err).Fatal("load config")
	}
	logger := logging.NewWithWriter("nsq-monitor", logging.ParseLevel(cfg.Log.Level), os.Stdout)

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var consumers []*nsq.Consumer
	for topic, h := range map[string]nsq.HandlerFunc{
		cfg.NSQ.AttemptsTopic: m.handleAttempt,
		cfg.NSQ.DLQTopic:      m.handleDeadLetter,
	} {
		c, err := consume(topic, cfg.NSQ.Channel, cfg.NSQ.NsqdTCPAddr, h)
		if err != nil {
			logger.Plain().WithError(err).Fatal("start consumer")
		}
		consumers = append(consumers, c)
	}

	go m.pollStats(ctx, cfg.NSQ.PollInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.NSQ.MonitorAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":   cfg.NSQ.MonitorAddr,
		"nsqd":   cfg.NSQ.NsqdTCPAddr,
		"topics": []string{cfg.NSQ.AttemptsTopic, cfg.NSQ.DLQTopic},
	}).Info("NSQ monitor starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Error("monitor HTTP serve failed")
	}

	for _, c := range consumers {
		c.Stop()
		<-c.StopChan
	}
}

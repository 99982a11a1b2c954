package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nous-labs/gloria/internal/extension"
)

// KafkaConfig configures the Kafka command source.
type KafkaConfig struct {
	Brokers    string // comma separated
	Topic      string
	GroupID    string
	ReplyTopic string // optional
}

// KafkaSource reads IPC requests from a topic and, when configured, writes
// each Reply to a reply topic keyed like the request.
type KafkaSource struct {
	cfg     KafkaConfig
	service *Service
	reader  *kafka.Reader
	writer  *kafka.Writer
}

func NewKafkaSource(cfg KafkaConfig, svc *Service) (*KafkaSource, error) {
	if cfg.Brokers == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka ipc: brokers and topic are required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "gloria-ipc"
	}
	brokers := strings.Split(cfg.Brokers, ",")
	s := &KafkaSource{
		cfg:     cfg,
		service: svc,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
	}
	if cfg.ReplyTopic != "" {
		s.writer = &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    cfg.ReplyTopic,
			Balancer: &kafka.Hash{},
		}
	}
	return s, nil
}

// Run consumes until ctx is cancelled. Read errors are logged and retried.
func (s *KafkaSource) Run(ctx context.Context) error {
	slog.Info("kafka ipc source started", "topic", s.cfg.Topic, "group", s.cfg.GroupID)
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("kafka ipc read failed", "topic", s.cfg.Topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		reply, ok := s.handle(ctx, msg.Value)
		if !ok || s.writer == nil {
			continue
		}
		raw, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if err := s.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: raw}); err != nil {
			slog.Warn("kafka ipc reply failed", "topic", s.cfg.ReplyTopic, "error", err)
		}
	}
}

// handle decodes one record and runs it. Undecodable records are dropped.
func (s *KafkaSource) handle(ctx context.Context, value []byte) (Reply, bool) {
	var req extension.IPCRequest
	if err := json.Unmarshal(value, &req); err != nil || req.Command == "" {
		slog.Warn("kafka ipc record ignored", "error", err, "bytes", len(value))
		return Reply{}, false
	}
	return s.service.Handle(ctx, req), true
}

func (s *KafkaSource) Close() error {
	err := s.reader.Close()
	if s.writer != nil {
		if werr := s.writer.Close(); err == nil {
			err = werr
		}
	}
	return err
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/fiso-replay/internal/kafka"
)

// restoreIdle is how long a restore poll waits for records before the
// checkpoint topic is considered drained.
const restoreIdle = 2 * time.Second

// kafkaClient abstracts the kgo client methods used by KafkaStore for testing.
type kafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// admin abstracts the kadm client methods used by KafkaStore for testing.
type admin interface {
	ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

// KafkaStore keeps checkpoints in a compacted Kafka topic, keyed by
// checkpoint id. The topic is read once, up to its end offsets, on first Load.
type KafkaStore struct {
	client kafkaClient
	admin  admin
	topic  string
	logger *slog.Logger

	// idle bounds each restore poll; an empty poll ends the restore.
	idle time.Duration

	mu       sync.Mutex
	offsets  map[string]string
	restored bool
}

// NewKafkaStore connects to cluster and uses topic for checkpoints.
func NewKafkaStore(cluster *kafka.ClusterConfig, topic string, logger *slog.Logger) (*KafkaStore, error) {
	if topic == "" {
		return nil, fmt.Errorf("checkpoint topic is required")
	}
	opts, err := kafka.ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka checkpoint client: %w", err)
	}
	return newKafkaStore(client, kadm.NewClient(client), topic, logger), nil
}

func newKafkaStore(client kafkaClient, adm admin, topic string, logger *slog.Logger) *KafkaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaStore{
		client:  client,
		admin:   adm,
		topic:   topic,
		logger:  logger,
		idle:    restoreIdle,
		offsets: make(map[string]string),
	}
}

// EnsureTopic creates the checkpoint topic with log compaction if it does not
// exist yet.
func (s *KafkaStore) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	compact := "compact"
	resp, err := s.admin.CreateTopic(ctx, partitions, replicationFactor, map[string]*string{
		"cleanup.policy": &compact,
	}, s.topic)
	if err == nil {
		err = resp.Err
	}
	if errors.Is(err, kerr.TopicAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create checkpoint topic %s: %w", s.topic, err)
	}
	s.logger.Info("created checkpoint topic", "topic", s.topic)
	return nil
}

// Load returns the latest offset saved for id.
func (s *KafkaStore) Load(ctx context.Context, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.restored {
		if err := s.restore(ctx); err != nil {
			return "", false, err
		}
		s.restored = true
	}
	offset, ok := s.offsets[id]
	return offset, ok, nil
}

// Save produces offset for id and waits for the broker acknowledgement.
func (s *KafkaStore) Save(ctx context.Context, id, offset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := &kgo.Record{Topic: s.topic, Key: []byte(id), Value: []byte(offset)}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	s.offsets[id] = offset
	return nil
}

// Close shuts down the Kafka client.
func (s *KafkaStore) Close() error {
	s.client.Close()
	return nil
}

// restore replays the checkpoint topic up to the end offsets observed when it
// starts. Later values for a key replace earlier ones; an empty value deletes.
func (s *KafkaStore) restore(ctx context.Context) error {
	ends, err := s.admin.ListEndOffsets(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("list end offsets for %s: %w", s.topic, err)
	}

	remaining := make(map[int32]int64)
	var listErr error
	ends.Each(func(o kadm.ListedOffset) {
		if o.Err != nil {
			listErr = errors.Join(listErr, fmt.Errorf("partition %d: %w", o.Partition, o.Err))
			return
		}
		if o.Offset > 0 {
			remaining[o.Partition] = o.Offset
		}
	})
	if listErr != nil {
		return fmt.Errorf("list end offsets for %s: %w", s.topic, listErr)
	}

	for len(remaining) > 0 {
		pollCtx, cancel := context.WithTimeout(ctx, s.idle)
		fetches := s.client.PollFetches(pollCtx)
		idle := pollCtx.Err() != nil
		cancel()
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore checkpoints: %w", err)
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if idle && errors.Is(err, context.DeadlineExceeded) {
				return
			}
			fetchErr = errors.Join(fetchErr, fmt.Errorf("%s[%d]: %w", topic, partition, err))
		})
		if fetchErr != nil {
			return fmt.Errorf("restore checkpoints: %w", fetchErr)
		}

		records := 0
		fetches.EachRecord(func(r *kgo.Record) {
			records++
			if len(r.Value) == 0 {
				delete(s.offsets, string(r.Key))
			} else {
				s.offsets[string(r.Key)] = string(r.Value)
			}
			if end, ok := remaining[r.Partition]; ok && r.Offset+1 >= end {
				delete(remaining, r.Partition)
			}
		})

		// Transaction markers occupy offsets but are never returned as
		// records, so the last offset below end may never be seen. A poll
		// that finds nothing means the topic is drained.
		if idle && records == 0 {
			s.logger.Debug("checkpoint topic drained before end offsets",
				"topic", s.topic, "partitions", len(remaining))
			break
		}
	}

	s.logger.Info("restored checkpoints", "topic", s.topic, "count", len(s.offsets))
	return nil
}

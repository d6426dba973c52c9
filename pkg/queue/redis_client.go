package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"go-stackblur/pkg/common"
)

const (
	workersGroup    = "workers"
	assemblersGroup = "assemblers"

	DefaultPrefix = "sb"
	imageInfoTTL  = 24 * time.Hour
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every stream and key.
	Prefix string
}

type RedisClient struct {
	client *redis.Client
	prefix string
}

func NewRedisClient(ctx context.Context, opts Options) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &RedisClient{
		client: client,
		prefix: prefix,
	}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) jobsStream() string {
	return r.prefix + ":jobs"
}

func (r *RedisClient) resultsStream() string {
	return r.prefix + ":results"
}

func (r *RedisClient) imageInfoKey(imageID int) string {
	return fmt.Sprintf("%s:image:%d:info", r.prefix, imageID)
}

func (r *RedisClient) imageStatusKey(imageID int) string {
	return fmt.Sprintf("%s:image:%d:status", r.prefix, imageID)
}

func (r *RedisClient) imageSeqKey() string {
	return r.prefix + ":image:seq"
}

// EnsureGroups creates both streams and their consumer groups. Groups that
// already exist are left alone.
func (r *RedisClient) EnsureGroups(ctx context.Context) error {
	for stream, group := range map[string]string{
		r.jobsStream():    workersGroup,
		r.resultsStream(): assemblersGroup,
	} {
		err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group %s on %s: %w", group, stream, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (r *RedisClient) AddJob(ctx context.Context, job *common.JobMessage) (string, error) {
	return r.add(ctx, r.jobsStream(), job)
}

func (r *RedisClient) AddResult(ctx context.Context, res *common.ResultMessage) (string, error) {
	return r.add(ctx, r.resultsStream(), res)
}

func (r *RedisClient) add(ctx context.Context, stream string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal message for %s: %w", stream, err)
	}

	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": b},
	}).Result()
}

// ReadJob blocks up to block for the next undelivered job. A timeout
// returns an empty id and a nil job with no error.
func (r *RedisClient) ReadJob(ctx context.Context, consumer string, block time.Duration) (string, *common.JobMessage, error) {
	var job common.JobMessage
	id, ok, err := r.read(ctx, r.jobsStream(), workersGroup, consumer, block, &job)
	if err != nil || !ok {
		return "", nil, err
	}
	return id, &job, nil
}

func (r *RedisClient) AckJob(ctx context.Context, id string) error {
	return r.client.XAck(ctx, r.jobsStream(), workersGroup, id).Err()
}

// ReadResult is the results-stream counterpart of ReadJob.
func (r *RedisClient) ReadResult(ctx context.Context, consumer string, block time.Duration) (string, *common.ResultMessage, error) {
	var res common.ResultMessage
	id, ok, err := r.read(ctx, r.resultsStream(), assemblersGroup, consumer, block, &res)
	if err != nil || !ok {
		return "", nil, err
	}
	return id, &res, nil
}

func (r *RedisClient) AckResult(ctx context.Context, id string) error {
	return r.client.XAck(ctx, r.resultsStream(), assemblersGroup, id).Err()
}

func (r *RedisClient) read(ctx context.Context, stream, group, consumer string, block time.Duration, v any) (string, bool, error) {
	result, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(result) == 0 || len(result[0].Messages) == 0 {
		return "", false, nil
	}

	msg := result[0].Messages[0]
	if err := json.Unmarshal(bytesFromInterface(msg.Values["data"]), v); err != nil {
		return "", false, fmt.Errorf("decode message %s from %s: %w", msg.ID, stream, err)
	}
	return msg.ID, true, nil
}

// NextImageID reserves an image id unique across coordinators sharing the
// prefix. Ids start at 0.
func (r *RedisClient) NextImageID(ctx context.Context) (int, error) {
	n, err := r.client.Incr(ctx, r.imageSeqKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(n - 1), nil
}

func (r *RedisClient) StoreImageInfo(ctx context.Context, info *common.ImageInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.imageInfoKey(info.ID), b, imageInfoTTL).Err()
}

func (r *RedisClient) GetImageInfo(ctx context.Context, imageID int) (*common.ImageInfo, error) {
	data, err := r.client.Get(ctx, r.imageInfoKey(imageID)).Bytes()
	if err != nil {
		return nil, err
	}

	var info common.ImageInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *RedisClient) MarkImageCompleted(ctx context.Context, imageID int) error {
	return r.client.Set(ctx, r.imageStatusKey(imageID), "completed", imageInfoTTL).Err()
}

func (r *RedisClient) IsImageCompleted(ctx context.Context, imageID int) (bool, error) {
	result, err := r.client.Get(ctx, r.imageStatusKey(imageID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return result == "completed", nil
}

// ClaimStaleJobs moves up to count jobs that have been pending longer than
// minIdle to consumer and returns them with their bodies, so a live worker
// can retry each one by id. A job whose body cannot be decoded is returned
// with a nil Job.
func (r *RedisClient) ClaimStaleJobs(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]common.ClaimedJob, error) {
	msgs, deliveries, err := r.claimStale(ctx, r.jobsStream(), workersGroup, consumer, minIdle, count)
	if err != nil {
		return nil, err
	}

	claimed := make([]common.ClaimedJob, 0, len(msgs))
	for _, msg := range msgs {
		c := common.ClaimedJob{MsgID: msg.ID, Deliveries: deliveries[msg.ID]}
		var job common.JobMessage
		if err := json.Unmarshal(bytesFromInterface(msg.Values["data"]), &job); err == nil {
			c.Job = &job
		}
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// ClaimStaleResults is the results-stream counterpart of ClaimStaleJobs.
func (r *RedisClient) ClaimStaleResults(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]common.ClaimedResult, error) {
	msgs, deliveries, err := r.claimStale(ctx, r.resultsStream(), assemblersGroup, consumer, minIdle, count)
	if err != nil {
		return nil, err
	}

	claimed := make([]common.ClaimedResult, 0, len(msgs))
	for _, msg := range msgs {
		c := common.ClaimedResult{MsgID: msg.ID, Deliveries: deliveries[msg.ID]}
		var res common.ResultMessage
		if err := json.Unmarshal(bytesFromInterface(msg.Values["data"]), &res); err == nil {
			c.Result = &res
		}
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// claimStale returns the claimed messages and, per message id, how many
// times it has now been delivered.
func (r *RedisClient) claimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]redis.XMessage, map[string]int64, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Count:  int64(count),
		Start:  "-",
		End:    "+",
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, nil, err
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		// XCLAIM counts as one more delivery.
		deliveries[p.ID] = p.RetryCount + 1
	}

	msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, nil, err
	}
	return msgs, deliveries, nil
}

// DeadLetterJob copies a job that keeps failing to the dead-letter stream
// and acks it so it is no longer retried.
func (r *RedisClient) DeadLetterJob(ctx context.Context, id, reason string) error {
	return r.deadLetter(ctx, r.jobsStream(), workersGroup, id, reason)
}

// DeadLetterResult is the results-stream counterpart of DeadLetterJob.
func (r *RedisClient) DeadLetterResult(ctx context.Context, id, reason string) error {
	return r.deadLetter(ctx, r.resultsStream(), assemblersGroup, id, reason)
}

func (r *RedisClient) deadLetterStream() string {
	return r.prefix + ":dead"
}

func (r *RedisClient) deadLetter(ctx context.Context, stream, group, id, reason string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.deadLetterStream(),
			Values: map[string]interface{}{"stream": stream, "id": id, "reason": reason},
		})
		pipe.XAck(ctx, stream, group, id)
		return nil
	})
	return err
}

// DeadLetters returns the number of messages moved to the dead-letter
// stream.
func (r *RedisClient) DeadLetters(ctx context.Context) (int64, error) {
	return r.client.XLen(ctx, r.deadLetterStream()).Result()
}

func bytesFromInterface(v interface{}) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		b, _ := json.Marshal(t)
		return b
	}
}

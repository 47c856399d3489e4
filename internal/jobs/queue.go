// Package jobs queues note generation requests on Redis and tracks each job's
// phase in a Redis hash until it completes or fails.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/seanblong/studyqa/internal/synth"
	"github.com/seanblong/studyqa/pkg/models"
)

const (
	queueKey     = "studyqa:jobs"
	jobKeyPrefix = "studyqa:job:"

	fieldID        = "id"
	fieldUserID    = "user_id"
	fieldPhase     = "phase"
	fieldError     = "error"
	fieldNoteID    = "note_id"
	fieldUpdatedAt = "updated_at"

	defaultRetention = 7 * 24 * time.Hour
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrEmpty is returned by Dequeue when no job arrived before the timeout.
	ErrEmpty = errors.New("job queue empty")
)

// MalformedJobError is returned by Dequeue for a payload that does not decode
// into a request. JobID is set when the id could still be read, so the job can
// be marked failed instead of staying queued.
type MalformedJobError struct {
	JobID string
	Err   error
}

func (e *MalformedJobError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("decode job: %v", e.Err)
	}
	return fmt.Sprintf("decode job %s: %v", e.JobID, e.Err)
}

func (e *MalformedJobError) Unwrap() error { return e.Err }

// RedisClient is the subset of *redis.Client the queue uses.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

type Queue struct {
	client RedisClient
	// Retention is how long a job hash lives after its last update.
	Retention time.Duration
	now       func() time.Time
}

func NewQueue(client RedisClient) *Queue {
	return &Queue{client: client, Retention: defaultRetention, now: time.Now}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func jobKey(id string) string { return jobKeyPrefix + id }

// Enqueue records a queued job and pushes the request for a worker.
func (q *Queue) Enqueue(ctx context.Context, req synth.NoteRequest) (models.Job, error) {
	req.JobID = uuid.NewString()
	payload, err := json.Marshal(req)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode job: %w", err)
	}

	job := models.Job{ID: req.JobID, UserID: req.UserID, Phase: models.PhaseQueued, UpdatedAt: q.now().UTC()}
	if err := q.write(ctx, job.ID, map[string]any{
		fieldID:        job.ID,
		fieldUserID:    job.UserID,
		fieldPhase:     string(job.Phase),
		fieldUpdatedAt: job.UpdatedAt.Format(time.RFC3339Nano),
	}); err != nil {
		return models.Job{}, err
	}
	if err := q.client.LPush(ctx, queueKey, payload).Err(); err != nil {
		return models.Job{}, fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return job, nil
}

// Dequeue blocks up to timeout for the next request.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (synth.NoteRequest, error) {
	res, err := q.client.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return synth.NoteRequest{}, ErrEmpty
	}
	if err != nil {
		return synth.NoteRequest{}, fmt.Errorf("pop job: %w", err)
	}
	if len(res) != 2 {
		return synth.NoteRequest{}, fmt.Errorf("pop job: unexpected reply of %d elements", len(res))
	}
	var req synth.NoteRequest
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		var head struct {
			JobID string `json:"job_id"`
		}
		_ = json.Unmarshal([]byte(res[1]), &head)
		return synth.NoteRequest{}, &MalformedJobError{JobID: head.JobID, Err: err}
	}
	return req, nil
}

func (q *Queue) write(ctx context.Context, id string, fields map[string]any) error {
	key := jobKey(id)
	if err := q.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("write job %s: %w", id, err)
	}
	if q.Retention > 0 {
		if err := q.client.Expire(ctx, key, q.Retention).Err(); err != nil {
			return fmt.Errorf("expire job %s: %w", id, err)
		}
	}
	return nil
}

// SetPhase records a phase transition. errMsg is stored as given, so moving
// to a non-failed phase clears any earlier message.
func (q *Queue) SetPhase(ctx context.Context, id string, phase models.JobPhase, errMsg string) error {
	return q.write(ctx, id, map[string]any{
		fieldPhase:     string(phase),
		fieldError:     errMsg,
		fieldUpdatedAt: q.now().UTC().Format(time.RFC3339Nano),
	})
}

// Complete marks the job done and links the saved note.
func (q *Queue) Complete(ctx context.Context, id, noteID string) error {
	return q.write(ctx, id, map[string]any{
		fieldPhase:     string(models.PhaseCompleted),
		fieldError:     "",
		fieldNoteID:    noteID,
		fieldUpdatedAt: q.now().UTC().Format(time.RFC3339Nano),
	})
}

func (q *Queue) Status(ctx context.Context, id string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrJobNotFound
	}
	job := models.Job{
		ID:     fields[fieldID],
		UserID: fields[fieldUserID],
		Phase:  models.JobPhase(fields[fieldPhase]),
		Error:  fields[fieldError],
		NoteID: fields[fieldNoteID],
	}
	if job.ID == "" {
		job.ID = id
	}
	if ts := fields[fieldUpdatedAt]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			job.UpdatedAt = t
		}
	}
	return job, nil
}

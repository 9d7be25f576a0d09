package execution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdSchedulerOptions configures the etcd-backed execution history.
type EtcdSchedulerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	TLS         *tls.Config
	// Requester identifies who asked for a stop; it is stored with stop markers.
	Requester string
	Clock     func() time.Time
}

// EtcdScheduler stores execution records in etcd so that a host scheduler and the
// cooldown gate can share run history.
type EtcdScheduler struct {
	client    *clientv3.Client
	namespace string
	requester string
	now       func() time.Time
}

type runRecord struct {
	Job       string `json:"job"`
	Number    int64  `json:"number"`
	StartedAt string `json:"started_at"`
	Result    string `json:"result"`
}

type stopRecord struct {
	RequestedAt string `json:"requested_at"`
	Requester   string `json:"requester,omitempty"`
}

// NewEtcdScheduler constructs a Scheduler backed by etcd.
func NewEtcdScheduler(opts EtcdSchedulerOptions) (*EtcdScheduler, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("execution etcd scheduler requires at least one endpoint")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdScheduler{
		client:    client,
		namespace: strings.Trim(opts.Namespace, "/"),
		requester: strings.TrimSpace(opts.Requester),
		now:       clock,
	}, nil
}

// Close releases underlying client resources.
func (s *EtcdScheduler) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

// Append stores a new execution record. Existing numbers are rejected.
func (s *EtcdScheduler) Append(ctx context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if record.Result == "" {
		record.Result = ResultUnknown
	}
	payload, err := encodeRun(record)
	if err != nil {
		return err
	}

	key := s.runKey(record.Job, record.Number)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, payload)).
		Commit()
	if err != nil {
		return wrapEtcd("store execution record", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("execution %s already recorded", record)
	}
	return nil
}

// Get loads a single execution record.
func (s *EtcdScheduler) Get(ctx context.Context, job string, number int64) (Record, error) {
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.runKey(job, number))
	if err != nil {
		return Record{}, wrapEtcd("read execution record", err)
	}
	if len(resp.Kvs) == 0 {
		return Record{}, fmt.Errorf("%s#%d: %w", job, number, ErrNotFound)
	}
	return decodeRun(resp.Kvs[0].Value)
}

// Previous implements Scheduler. Keys are zero padded, so the closest lower key is
// the preceding execution even when the host left gaps in numbering.
func (s *EtcdScheduler) Previous(ctx context.Context, record Record) (Record, bool, error) {
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.runPrefix(record.Job),
		clientv3.WithRange(s.runKey(record.Job, record.Number)),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
		clientv3.WithLimit(1),
	)
	if err != nil {
		return Record{}, false, wrapEtcd("read previous execution", err)
	}
	if len(resp.Kvs) == 0 {
		return Record{}, false, nil
	}
	prev, err := decodeRun(resp.Kvs[0].Value)
	if err != nil {
		return Record{}, false, err
	}
	return prev, true, nil
}

// SetResult implements Scheduler using a compare-and-swap on the record revision.
func (s *EtcdScheduler) SetResult(ctx context.Context, record Record, result Result) error {
	key := s.runKey(record.Job, record.Number)
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), key)
	if err != nil {
		return wrapEtcd("read execution record", err)
	}
	if len(resp.Kvs) == 0 {
		return fmt.Errorf("set result for %s: %w", record, ErrNotFound)
	}
	kv := resp.Kvs[0]
	stored, err := decodeRun(kv.Value)
	if err != nil {
		return err
	}
	stored.Result = result
	payload, err := encodeRun(stored)
	if err != nil {
		return err
	}

	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpPut(key, payload)).
		Commit()
	if err != nil {
		return wrapEtcd("update execution result", err)
	}
	if !txn.Succeeded {
		return fmt.Errorf("update execution result: %s was modified concurrently", record)
	}
	return nil
}

// RequestStop implements Scheduler by writing a stop marker the host executor watches.
func (s *EtcdScheduler) RequestStop(ctx context.Context, record Record) error {
	payload, err := json.Marshal(stopRecord{
		RequestedAt: s.now().UTC().Format(time.RFC3339Nano),
		Requester:   s.requester,
	})
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, s.stopKey(record.Job, record.Number), string(payload)); err != nil {
		return wrapEtcd("store stop request", err)
	}
	return nil
}

// StopRequested reports whether a stop marker exists for the execution.
func (s *EtcdScheduler) StopRequested(ctx context.Context, job string, number int64) (bool, error) {
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.stopKey(job, number), clientv3.WithCountOnly())
	if err != nil {
		return false, wrapEtcd("read stop request", err)
	}
	return resp.Count > 0, nil
}

func (s *EtcdScheduler) jobPrefix(job string) string {
	base := "/jobs/" + strings.Trim(job, "/") + "/"
	if s.namespace == "" {
		return base
	}
	return "/" + s.namespace + base
}

func (s *EtcdScheduler) runPrefix(job string) string {
	return s.jobPrefix(job) + "runs/"
}

func (s *EtcdScheduler) runKey(job string, number int64) string {
	return fmt.Sprintf("%s%020d", s.runPrefix(job), number)
}

func (s *EtcdScheduler) stopKey(job string, number int64) string {
	return fmt.Sprintf("%sstop/%020d", s.jobPrefix(job), number)
}

func validateRecord(record Record) error {
	if strings.Trim(record.Job, "/ ") == "" {
		return errors.New("execution record requires a job name")
	}
	if record.Number <= 0 {
		return fmt.Errorf("execution number must be positive, got %d", record.Number)
	}
	if record.StartedAt.IsZero() {
		return fmt.Errorf("execution %s requires a start time", record)
	}
	return nil
}

func encodeRun(record Record) (string, error) {
	payload, err := json.Marshal(runRecord{
		Job:       record.Job,
		Number:    record.Number,
		StartedAt: record.StartedAt.UTC().Format(time.RFC3339Nano),
		Result:    record.Result.String(),
	})
	if err != nil {
		return "", fmt.Errorf("encode execution record: %w", err)
	}
	return string(payload), nil
}

func decodeRun(raw []byte) (Record, error) {
	var rec runRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("parse execution payload: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, rec.StartedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse execution start timestamp: %w", err)
	}
	result, err := ParseResult(rec.Result)
	if err != nil {
		return Record{}, err
	}
	return Record{Job: rec.Job, Number: rec.Number, StartedAt: startedAt, Result: result}, nil
}

func wrapEtcd(action string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", action, err)
}

var _ Scheduler = (*EtcdScheduler)(nil)

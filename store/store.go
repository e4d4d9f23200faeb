package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jacentio/trove/internal/breaker"
	"github.com/jacentio/trove/internal/conn"
	"github.com/jacentio/trove/internal/metrics"
	"github.com/jacentio/trove/internal/retry"
)

// Store provides resilient document operations over a single DynamoDB table.
// Every operation connects lazily, is gated by the circuit breaker and
// retries transient failures.
type Store struct {
	conn   *conn.Manager
	exec   *retry.Executor
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Store that connects on first use.
func New(config Config) *Store {
	config.validate()
	return NewWithManager(conn.NewManager(config.connConfig()), config)
}

// NewWithManager creates a Store over an existing connection manager.
func NewWithManager(m *conn.Manager, config Config) *Store {
	config.validate()
	logger := config.Logger.With(zap.String("component", "store"))
	b := breaker.New("store", config.breakerConfig(), config.Logger)
	return &Store{
		conn:   m,
		exec:   retry.New(b, config.retryPolicy(), isRetryable, config.Logger),
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Status is a point-in-time view of the store's resilience state.
type Status struct {
	Connection          string
	Breaker             string
	ConsecutiveFailures uint32
}

// Status reports connection and breaker state.
func (s *Store) Status() Status {
	counts := s.exec.Breaker().Counts()
	return Status{
		Connection:          s.conn.State().String(),
		Breaker:             string(s.exec.Breaker().State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

// Get returns the first document of docType in partitionKey, ordered by id,
// or nil if none exists.
func (s *Store) Get(ctx context.Context, partitionKey, docType string) (*Document, error) {
	started := time.Now()
	doc, err := s.get(ctx, partitionKey, docType)
	return doc, s.finish("get", started, err)
}

// GetWithVersion returns the payload and version token of the document for
// (partitionKey, docType). Both are empty if the document does not exist.
func (s *Store) GetWithVersion(ctx context.Context, partitionKey, docType string) (map[string]any, string, error) {
	started := time.Now()
	doc, err := s.get(ctx, partitionKey, docType)
	if err = s.finish("get_with_version", started, err); err != nil || doc == nil {
		return nil, "", err
	}
	return doc.Payload, doc.Version, nil
}

func (s *Store) get(ctx context.Context, partitionKey, docType string) (*Document, error) {
	if err := validateKey(partitionKey, docType); err != nil {
		return nil, err
	}
	input := getInput(partitionKey, docType)
	return retry.Do(ctx, s.exec, func(ctx context.Context) (*Document, error) {
		h, err := s.conn.EnsureReady(ctx)
		if err != nil {
			return nil, err
		}
		in := *input
		in.TableName = aws.String(h.Table)

		paginator := dynamodb.NewQueryPaginator(h.Client, &in)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			if len(page.Items) > 0 {
				return DecodeItem(page.Items[0])
			}
		}
		return nil, nil
	})
}

// Save upserts the document for (partitionKey, docType), replacing any
// existing payload and assigning a new version.
func (s *Store) Save(ctx context.Context, partitionKey, docType string, payload map[string]any) error {
	started := time.Now()
	return s.finish("save", started, s.put(ctx, partitionKey, docType, payload, ""))
}

// SaveWithConcurrency upserts like Save, but only if the stored version
// equals expectedVersion. A mismatch, including a document that does not
// exist, fails with ErrConcurrencyConflict and leaves the store unchanged.
// An empty expectedVersion behaves like Save.
func (s *Store) SaveWithConcurrency(ctx context.Context, partitionKey, docType string, payload map[string]any, expectedVersion string) error {
	started := time.Now()
	return s.finish("save_with_concurrency", started, s.put(ctx, partitionKey, docType, payload, expectedVersion))
}

func (s *Store) put(ctx context.Context, partitionKey, docType string, payload map[string]any, expectedVersion string) error {
	doc, err := newDocument(partitionKey, docType, payload, s.now())
	if err != nil {
		return err
	}
	item, err := encodeItem(doc)
	if err != nil {
		return err
	}

	input := &dynamodb.PutItemInput{Item: item}
	if expectedVersion != "" {
		input.ConditionExpression = aws.String(VersionMatchesCondition())
		input.ExpressionAttributeNames = map[string]string{"#version": AttrVersion}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected_version": &types.AttributeValueMemberS{Value: expectedVersion},
			":new_version":      &types.AttributeValueMemberS{Value: doc.Version},
		}
	}

	_, err = retry.Do(ctx, s.exec, func(ctx context.Context) (struct{}, error) {
		h, err := s.conn.EnsureReady(ctx)
		if err != nil {
			return struct{}{}, err
		}
		in := *input
		in.TableName = aws.String(h.Table)
		if _, err := h.Client.PutItem(ctx, &in); err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				return struct{}{}, fmt.Errorf("%w: %s expected version %s", ErrConcurrencyConflict, doc.ID, expectedVersion)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// Delete removes the document for (partitionKey, docType). It fails with
// ErrNotFound if no such document exists.
func (s *Store) Delete(ctx context.Context, partitionKey, docType string) error {
	started := time.Now()
	if err := validateKey(partitionKey, docType); err != nil {
		return s.finish("delete", started, err)
	}
	id := DocumentID(partitionKey, docType)
	input := &dynamodb.DeleteItemInput{
		Key: map[string]types.AttributeValue{
			AttrPartitionKey: &types.AttributeValueMemberS{Value: partitionKey},
			AttrID:           &types.AttributeValueMemberS{Value: id},
		},
		ConditionExpression:      aws.String(DocumentExistsCondition()),
		ExpressionAttributeNames: map[string]string{"#id": AttrID},
	}

	_, err := retry.Do(ctx, s.exec, func(ctx context.Context) (struct{}, error) {
		h, err := s.conn.EnsureReady(ctx)
		if err != nil {
			return struct{}{}, err
		}
		in := *input
		in.TableName = aws.String(h.Table)
		if _, err := h.Client.DeleteItem(ctx, &in); err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				return struct{}{}, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return s.finish("delete", started, err)
}

// Query returns every document in partitionKey with the given type whose
// payload fields equal all filter values. Results are ordered by id.
func (s *Store) Query(ctx context.Context, partitionKey, docType string, filter map[string]any) ([]*Document, error) {
	started := time.Now()
	docs, err := s.query(ctx, partitionKey, docType, filter)
	return docs, s.finish("query", started, err)
}

func (s *Store) query(ctx context.Context, partitionKey, docType string, filter map[string]any) ([]*Document, error) {
	if err := validateKey(partitionKey, docType); err != nil {
		return nil, err
	}
	input, err := queryInput(partitionKey, docType, filter)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, s.exec, func(ctx context.Context) ([]*Document, error) {
		h, err := s.conn.EnsureReady(ctx)
		if err != nil {
			return nil, err
		}
		in := *input
		in.TableName = aws.String(h.Table)

		docs := []*Document{}
		paginator := dynamodb.NewQueryPaginator(h.Client, &in)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, item := range page.Items {
				doc, err := DecodeItem(item)
				if err != nil {
					return nil, err
				}
				docs = append(docs, doc)
			}
		}
		return docs, nil
	})
}

// finish classifies err, records metrics and logs the outcome of op.
func (s *Store) finish(op string, started time.Time, err error) error {
	if err == nil {
		metrics.Operation(op, metrics.OutcomeOK, started)
		s.logger.Debug("operation completed", zap.String("op", op), zap.Duration("elapsed", time.Since(started)))
		return nil
	}
	if !classified(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s: %w", ErrRemoteOperation, op, err)
	}
	metrics.Operation(op, metrics.OutcomeError, started)
	s.logger.Warn("operation failed", zap.String("op", op), zap.Error(err))
	return err
}

// Package dynamo mirrors catalog entries into a DynamoDB table so that catalogs of
// several machines can be queried together.
//
// Table schema:
//   - Partition key: run_id (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name annbench-runs \
//	  --attribute-definitions AttributeName=run_id,AttributeType=S \
//	  --key-schema AttributeName=run_id,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/annbench/catalog"
)

// Client is the subset of the DynamoDB API the mirror uses.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Mirror writes catalog entries to a DynamoDB table.
type Mirror struct {
	client Client
	table  string
	host   string

	maxElapsed time.Duration
	logger     *slog.Logger
}

var _ catalog.Mirror = (*Mirror)(nil)

// Option configures a Mirror.
type Option func(*Mirror)

// WithHost records the machine that produced the entries.
func WithHost(host string) Option {
	return func(m *Mirror) { m.host = host }
}

// WithMaxElapsed bounds the total retry time of one write.
func WithMaxElapsed(d time.Duration) Option {
	return func(m *Mirror) { m.maxElapsed = d }
}

// WithLogger sets the logger that reports retries.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a mirror writing to table.
func New(client Client, table string, opts ...Option) *Mirror {
	m := &Mirror{
		client:     client,
		table:      table,
		maxElapsed: 30 * time.Second,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Put upserts e, retrying throttling and transient failures with exponential backoff.
func (m *Mirror) Put(ctx context.Context, e catalog.Entry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dynamo: encoding %s: %w", e.RunID, err)
	}
	item := map[string]types.AttributeValue{
		"run_id":     &types.AttributeValueMemberS{Value: e.RunID},
		"name":       &types.AttributeValueMemberS{Value: e.Name},
		"dataset":    &types.AttributeValueMemberS{Value: e.Dataset},
		"algo":       &types.AttributeValueMemberS{Value: e.Algo},
		"created_at": &types.AttributeValueMemberS{Value: e.CreatedAt},
		"recall":     &types.AttributeValueMemberN{Value: strconv.FormatFloat(e.Recall, 'f', -1, 64)},
		"top_k":      &types.AttributeValueMemberN{Value: strconv.Itoa(e.TopK)},
		"entry":      &types.AttributeValueMemberS{Value: string(doc)},
	}
	if m.host != "" {
		item["host"] = &types.AttributeValueMemberS{Value: m.host}
	}

	return m.retry(ctx, func() error {
		_, err := m.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(m.table),
			Item:      item,
		})
		return err
	})
}

// Get returns the mirrored entry for runID.
func (m *Mirror) Get(ctx context.Context, runID string) (catalog.Entry, error) {
	var out *dynamodb.GetItemOutput
	err := m.retry(ctx, func() error {
		var err error
		out, err = m.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(m.table),
			Key:            map[string]types.AttributeValue{"run_id": &types.AttributeValueMemberS{Value: runID}},
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return catalog.Entry{}, err
	}
	if len(out.Item) == 0 {
		return catalog.Entry{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, runID)
	}
	doc, ok := out.Item["entry"].(*types.AttributeValueMemberS)
	if !ok {
		return catalog.Entry{}, errors.New("dynamo: invalid entry attribute")
	}
	var e catalog.Entry
	if err := json.Unmarshal([]byte(doc.Value), &e); err != nil {
		return catalog.Entry{}, fmt.Errorf("dynamo: decoding %s: %w", runID, err)
	}
	return e, nil
}

func (m *Mirror) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = m.maxElapsed

	err := backoff.RetryNotify(
		func() error {
			err := op()
			if err != nil && !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(policy, ctx),
		func(err error, d time.Duration) {
			m.logger.WarnContext(ctx, "dynamo write failed, retrying", "table", m.table, "backoff", d, "error", err)
		},
	)
	if err != nil {
		return fmt.Errorf("dynamo: %s: %w", m.table, err)
	}
	return nil
}

// retryable reports whether err is a throttling or server-side failure.
func retryable(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return true
	}
	switch ae.ErrorCode() {
	case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded",
		"InternalServerError", "ServiceUnavailable":
		return true
	}
	return ae.ErrorFault() == smithy.FaultServer
}

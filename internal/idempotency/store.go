package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/alvaroprs8/vitascience/internal/aws"
)

const (
	claimCond      = "attribute_not_exists(idempotency_key) OR expires_at < :now"
	reclaimCond    = "#s = :failed AND request_hash = :rh"
	inProgressCond = "#s = :inprogress"
)

// DynamoStore encapsulates idempotency operations against DynamoDB.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long a key is remembered
	nowFunc   func() time.Time
}

// NewDynamoStore returns a configured store.
// ttlWindow: default TTL window (e.g., 48*time.Hour)
func NewDynamoStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// Claim records key as IN_PROGRESS for correlationID.
// Returns (rec, true, nil) when the caller owns the key and should do the work,
// using rec.CorrelationID. A FAILED key with the same request is reclaimed with
// its original correlation id.
// Returns (existing, false, nil) when another request holds the key.
func (s *DynamoStore) Claim(ctx context.Context, key, requestHash, correlationID string) (*Record, bool, error) {
	now := s.nowFunc().UTC()
	rec := Record{
		Key:           key,
		RequestHash:   requestHash,
		Status:        StatusInProgress,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.ttlWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString(claimCond),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": epoch(now),
		},
	})
	if err == nil {
		return &rec, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, fmt.Errorf("put item: %w", err)
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("idempotency key %s vanished after conditional failure", key)
	}
	if existing.Status != StatusFailed || existing.RequestHash != requestHash {
		return existing, false, nil
	}

	// previous attempt failed: take it over, keeping its correlation id
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(key),
		UpdateExpression:         awsString("SET #s = :inprogress, updated_at = :ua"),
		ConditionExpression:      awsString(reclaimCond),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
			":rh":         &types.AttributeValueMemberS{Value: requestHash},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if isConditionFailed(err) {
		// a concurrent retry won the takeover
		current, gerr := s.Get(ctx, key)
		return current, false, gerr
	}
	if err != nil {
		return nil, false, fmt.Errorf("reclaim: %w", err)
	}
	existing.Status = StatusInProgress
	existing.UpdatedAt = now
	return existing, true, nil
}

// Get retrieves an idempotency record by key. If not found, returns (nil, nil).
func (s *DynamoStore) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(key),
		ConsistentRead: sdkBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone moves an IN_PROGRESS key to DONE. Any other state is left alone.
func (s *DynamoStore) MarkDone(ctx context.Context, key string) error {
	return s.finish(ctx, key, StatusDone, "")
}

// MarkFailed moves an IN_PROGRESS key to FAILED so the client may retry.
func (s *DynamoStore) MarkFailed(ctx context.Context, key, note string) error {
	return s.finish(ctx, key, StatusFailed, note)
}

func (s *DynamoStore) finish(ctx context.Context, key, status, note string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(key),
		UpdateExpression:         awsString("SET #s = :new, note = :n, updated_at = :ua"),
		ConditionExpression:      awsString(inProgressCond),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":        &types.AttributeValueMemberS{Value: status},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":n":          &types.AttributeValueMemberS{Value: note},
			":ua":         &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("update item (mark %s): %w", status, err)
	}
	return nil
}

func (s *DynamoStore) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: k},
	}
}

func isConditionFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func epoch(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

// Helper
func awsString(s string) *string { return &s }
func sdkBool(b bool) *bool       { return &b }

package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/alvaroprs8/vitascience/internal/aws"
)

const (
	// pending fields are only ever set when absent, so a callback that
	// already landed keeps its terminal status
	createPendingExpr        = "SET original_input = if_not_exists(original_input, :input), #s = if_not_exists(#s, :pending), created_at = if_not_exists(created_at, :now)"
	createPendingWithAuxExpr = createPendingExpr + ", auxiliary = if_not_exists(auxiliary, :aux)"

	finalizeExpr             = "SET #s = :status, result_json = :rj, result_text = :rt, result_hash = :rh, received_at = :ra"
	finalizeWithCallbackExpr = finalizeExpr + ", callback_data = :cd"

	// reject: only a missing or pending record may be finalized
	finalizeOnceCond = "attribute_not_exists(#s) OR #s = :pending"
	// overwrite: anything but an identical replay
	finalizeChangedCond = "attribute_not_exists(result_hash) OR result_hash <> :rh"
)

// DynamoStore keeps correlation records in a table keyed by correlation_id.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"correlation_id": &types.AttributeValueMemberS{Value: id},
	}
}

// CreatePending upserts the pending record. original_input, status,
// created_at and auxiliary are written only where absent.
func (s *DynamoStore) CreatePending(ctx context.Context, p Pending) error {
	values := map[string]types.AttributeValue{
		":input":   &types.AttributeValueMemberS{Value: p.OriginalInput},
		":pending": &types.AttributeValueMemberS{Value: StatusPending},
		":now":     &types.AttributeValueMemberS{Value: p.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	expr := createPendingExpr
	if len(p.Auxiliary) > 0 {
		aux, err := attributevalue.Marshal(p.Auxiliary)
		if err != nil {
			return fmt.Errorf("marshal auxiliary: %w", err)
		}
		values[":aux"] = aux
		expr = createPendingWithAuxExpr
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       s.key(p.CorrelationID),
		UpdateExpression:          &expr,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("create pending: %w", err)
	}
	return nil
}

// Finalize merges a completion in one conditional UpdateItem. It returns
// false with a nil error when the completion was an identical replay.
func (s *DynamoStore) Finalize(ctx context.Context, c Completion) (bool, error) {
	values := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: c.Status},
		":rj":     &types.AttributeValueMemberS{Value: c.ResultJSON},
		":rt":     &types.AttributeValueMemberS{Value: c.ResultText},
		":rh":     &types.AttributeValueMemberS{Value: c.Hash},
		":ra":     &types.AttributeValueMemberS{Value: c.ReceivedAt.UTC().Format(time.RFC3339Nano)},
	}
	expr := finalizeExpr
	if len(c.CallbackData) > 0 {
		cd, err := attributevalue.Marshal(c.CallbackData)
		if err != nil {
			return false, fmt.Errorf("marshal callback data: %w", err)
		}
		values[":cd"] = cd
		expr = finalizeWithCallbackExpr
	}

	cond := finalizeOnceCond
	if c.Overwrite {
		cond = finalizeChangedCond
	} else {
		values[":pending"] = &types.AttributeValueMemberS{Value: StatusPending}
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       s.key(c.CorrelationID),
		UpdateExpression:          &expr,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err == nil {
		return true, nil
	}
	if !isConditionFailed(err) {
		return false, fmt.Errorf("finalize: %w", err)
	}

	// the condition only tells us the record is terminal; classify the replay
	existing, gerr := s.Get(ctx, c.CorrelationID)
	if gerr != nil {
		return false, gerr
	}
	if existing == nil || existing.ResultHash == c.Hash {
		return false, nil
	}
	return false, ErrAlreadyFinalized
}

// Get fetches a record by correlation id. Returns (nil, nil) if not found.
func (s *DynamoStore) Get(ctx context.Context, id string) (*Record, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(id),
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// List scans the table and returns the newest records first.
// TODO: replace the scan with a GSI on received_at once the table outgrows a single scan budget.
func (s *DynamoStore) List(ctx context.Context, limit int) ([]Record, error) {
	var (
		records []Record
		start   map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:         &s.tableName,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal records: %w", err)
		}
		records = append(records, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].SortTime().After(records[j].SortTime())
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}

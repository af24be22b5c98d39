package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v5"

	"github.com/alvaroprs8/vitascience/internal/aws"
)

// Single-table layout, partitioned by conversation_id:
//
//	sk = msg#<ulid>               one item per message, sorted by append order
//	sk = turn#<turn id>#assistant guard item, at most one reply per turn
const (
	messagePrefix = "msg#"
	turnPrefix    = "turn#"

	notExistsCond  = "attribute_not_exists(sk)"
	historyKeyCond = "conversation_id = :c AND begins_with(sk, :p)"
)

type messageItem struct {
	SK string `dynamodbav:"sk"`
	Message
}

type turnGuard struct {
	ConversationID string `dynamodbav:"conversation_id"`
	SK             string `dynamodbav:"sk"`
	MessageSK      string `dynamodbav:"message_sk"`
	ContentHash    string `dynamodbav:"content_hash"`
}

func messageSK(id string) string { return messagePrefix + id }

func guardSK(turnID, role string) string { return turnPrefix + turnID + "#" + role }

// DynamoStore keeps conversation logs in one table (pk conversation_id, sk).
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func (s *DynamoStore) key(conversationID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"conversation_id": &types.AttributeValueMemberS{Value: conversationID},
		"sk":              &types.AttributeValueMemberS{Value: sk},
	}
}

// AppendUser writes a user message. The sk is a fresh ULID so the
// condition only trips on an id collision.
func (s *DynamoStore) AppendUser(ctx context.Context, m Message) error {
	item, err := attributevalue.MarshalMap(messageItem{SK: messageSK(m.MessageID), Message: m})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	cond := notExistsCond
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: &cond,
	})
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// AppendAssistant writes the reply and its turn guard in one transaction.
// It returns false with a nil error when the same reply was already stored.
func (s *DynamoStore) AppendAssistant(ctx context.Context, m Message) (bool, error) {
	msk := messageSK(m.MessageID)
	msgItem, err := attributevalue.MarshalMap(messageItem{SK: msk, Message: m})
	if err != nil {
		return false, fmt.Errorf("marshal message: %w", err)
	}
	guardItem, err := attributevalue.MarshalMap(turnGuard{
		ConversationID: m.ConversationID,
		SK:             guardSK(m.TurnCorrelationID, RoleAssistant),
		MessageSK:      msk,
		ContentHash:    m.ContentHash,
	})
	if err != nil {
		return false, fmt.Errorf("marshal guard: %w", err)
	}

	cond := notExistsCond
	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: &s.tableName, Item: guardItem, ConditionExpression: &cond}},
			{Put: &types.Put{TableName: &s.tableName, Item: msgItem, ConditionExpression: &cond}},
		},
	}
	// Two deliveries of the same reply can collide inside DynamoDB before
	// either guard is visible. Those cancellations are retried.
	_, err = backoff.Retry(ctx, func() (*dyn.TransactWriteItemsOutput, error) {
		out, err := s.client.TransactWriteItems(ctx, input)
		if err != nil && !isTransactionConflict(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(conflictBackOff()),
		backoff.WithMaxTries(conflictAttempts),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return true, nil
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false, fmt.Errorf("transact write: %w", err)
	}

	guard, gerr := s.getGuard(ctx, m.ConversationID, m.TurnCorrelationID)
	if gerr != nil {
		return false, gerr
	}
	if guard == nil {
		return false, fmt.Errorf("transaction canceled without a turn guard: %w", err)
	}
	if guard.ContentHash == m.ContentHash {
		return false, nil
	}
	return false, ErrTurnAnswered
}

const conflictAttempts = 4

func conflictBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// isTransactionConflict reports a cancellation caused only by a competing
// transaction, never by a failed condition.
func isTransactionConflict(err error) bool {
	var tconf *types.TransactionConflictException
	if errors.As(err, &tconf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	conflict := false
	for _, r := range tce.CancellationReasons {
		if r.Code == nil {
			continue
		}
		switch *r.Code {
		case "ConditionalCheckFailed":
			return false
		case "TransactionConflict":
			conflict = true
		}
	}
	return conflict
}

func (s *DynamoStore) getGuard(ctx context.Context, conversationID, turnID string) (*turnGuard, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(conversationID, guardSK(turnID, RoleAssistant)),
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get turn guard: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var g turnGuard
	if err := attributevalue.UnmarshalMap(out.Item, &g); err != nil {
		return nil, fmt.Errorf("unmarshal turn guard: %w", err)
	}
	return &g, nil
}

// TurnReply returns the assistant reply for a turn, or (nil, nil).
func (s *DynamoStore) TurnReply(ctx context.Context, conversationID, turnID string) (*Message, error) {
	guard, err := s.getGuard(ctx, conversationID, turnID)
	if err != nil || guard == nil {
		return nil, err
	}
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(conversationID, guard.MessageSK),
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get reply: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item messageItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}
	return &item.Message, nil
}

// History returns up to limit messages, oldest first.
func (s *DynamoStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.query(ctx, conversationID, limit, true)
}

// Recent returns the last n messages, oldest first.
func (s *DynamoStore) Recent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	msgs, err := s.query(ctx, conversationID, n, false)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *DynamoStore) query(ctx context.Context, conversationID string, limit int, ascending bool) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	keyCond := historyKeyCond
	var (
		out   []Message
		start map[string]types.AttributeValue
	)
	for len(out) < limit {
		page := int32(limit - len(out))
		res, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			KeyConditionExpression: &keyCond,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":c": &types.AttributeValueMemberS{Value: conversationID},
				":p": &types.AttributeValueMemberS{Value: messagePrefix},
			},
			ScanIndexForward:  &ascending,
			Limit:             &page,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		var items []messageItem
		if err := attributevalue.UnmarshalListOfMaps(res.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
		for _, it := range items {
			out = append(out, it.Message)
		}
		if len(res.LastEvaluatedKey) == 0 {
			break
		}
		start = res.LastEvaluatedKey
	}
	return out, nil
}

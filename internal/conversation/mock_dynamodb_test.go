package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo stores items by conversation_id then sk.
type mockDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]map[string]types.AttributeValue
	pageSize int
	queries  int
	// conflicts cancels that many transactions as if a competing
	// transaction held the items.
	conflicts int
	transacts int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]map[string]types.AttributeValue{}}
}

func keyOf(item map[string]types.AttributeValue) (string, string, error) {
	pk, ok := item["conversation_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", "", errors.New("missing conversation_id")
	}
	sk, ok := item["sk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", "", errors.New("missing sk")
	}
	return pk.Value, sk.Value, nil
}

func (m *mockDynamo) exists(pk, sk string) bool {
	_, ok := m.items[pk][sk]
	return ok
}

func (m *mockDynamo) put(pk, sk string, item map[string]types.AttributeValue) {
	if m.items[pk] == nil {
		m.items[pk] = map[string]map[string]types.AttributeValue{}
	}
	m.items[pk][sk] = item
}

func checkCond(cond *string) error {
	if cond != nil && *cond != notExistsCond {
		return fmt.Errorf("mock: unsupported condition %q", *cond)
	}
	return nil
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, sk, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	if err := checkCond(params.ConditionExpression); err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && m.exists(pk, sk) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	m.put(pk, sk, params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, sk, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.items[pk][sk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	return nil, errors.New("messages are never updated")
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transacts++
	if m.conflicts > 0 {
		m.conflicts--
		return nil, canceled("TransactionConflict", len(params.TransactItems))
	}
	// all conditions first, then all writes
	for _, it := range params.TransactItems {
		if it.Put == nil {
			return nil, errors.New("mock: only puts are supported")
		}
		pk, sk, err := keyOf(it.Put.Item)
		if err != nil {
			return nil, err
		}
		if err := checkCond(it.Put.ConditionExpression); err != nil {
			return nil, err
		}
		if it.Put.ConditionExpression != nil && m.exists(pk, sk) {
			return nil, canceled("ConditionalCheckFailed", len(params.TransactItems))
		}
	}
	for _, it := range params.TransactItems {
		pk, sk, _ := keyOf(it.Put.Item)
		m.put(pk, sk, it.Put.Item)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func canceled(code string, n int) error {
	reasons := make([]types.CancellationReason, n)
	for i := range reasons {
		c := code
		reasons[i].Code = &c
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}

func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if *params.KeyConditionExpression != historyKeyCond {
		return nil, fmt.Errorf("mock: unsupported key condition %q", *params.KeyConditionExpression)
	}
	pk := params.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberS).Value
	prefix := params.ExpressionAttributeValues[":p"].(*types.AttributeValueMemberS).Value

	var sks []string
	for sk := range m.items[pk] {
		if strings.HasPrefix(sk, prefix) {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		sort.Sort(sort.Reverse(sort.StringSlice(sks)))
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		_, after, _ := keyOf(params.ExclusiveStartKey)
		for i, sk := range sks {
			if sk == after {
				start = i + 1
			}
		}
	}
	limit := len(sks) - start
	if params.Limit != nil && int(*params.Limit) < limit {
		limit = int(*params.Limit)
	}
	if m.pageSize > 0 && m.pageSize < limit {
		limit = m.pageSize
	}
	end := start + limit

	out := &dyn.QueryOutput{}
	for _, sk := range sks[start:end] {
		out.Items = append(out.Items, m.items[pk][sk])
	}
	if end < len(sks) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"conversation_id": &types.AttributeValueMemberS{Value: pk},
			"sk":              &types.AttributeValueMemberS{Value: sks[end-1]},
		}
	}
	return out, nil
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("not used by the conversation store")
}

package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory table keyed by idempotency_key that
// understands the conditions the store issues.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	updateCalls int
	failNext    error
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func keyOf(item map[string]types.AttributeValue) (string, error) {
	k, ok := item["idempotency_key"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing key")
	}
	return k.Value, nil
}

func sAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func nAttr(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	k, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	if existing, ok := m.table[k]; ok && params.ConditionExpression != nil {
		if *params.ConditionExpression != claimCond {
			return nil, fmt.Errorf("mock: unsupported condition %q", *params.ConditionExpression)
		}
		now := nAttr(params.ExpressionAttributeValues, ":now")
		if nAttr(existing, "expires_at") >= now {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for a, v := range item {
		out[a] = v
	}
	return &dyn.GetItemOutput{Item: out}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	k, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	values := params.ExpressionAttributeValues
	status := sAttr(item, "status")
	switch *params.ConditionExpression {
	case reclaimCond:
		if status != sAttr(values, ":failed") || sAttr(item, "request_hash") != sAttr(values, ":rh") {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case inProgressCond:
		if status != sAttr(values, ":inprogress") {
			return nil, &types.ConditionalCheckFailedException{}
		}
	default:
		return nil, fmt.Errorf("mock: unsupported condition %q", *params.ConditionExpression)
	}

	for _, assignment := range strings.Split(strings.TrimPrefix(*params.UpdateExpression, "SET "), ", ") {
		parts := strings.SplitN(assignment, " = ", 2)
		name := parts[0]
		if alias, ok := params.ExpressionAttributeNames[name]; ok {
			name = alias
		}
		item[name] = values[parts[1]]
	}
	return &dyn.UpdateItemOutput{}, nil
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not used by the idempotency store")
}

func (m *simpleMock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return nil, errors.New("not used by the idempotency store")
}

func (m *simpleMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("not used by the idempotency store")
}

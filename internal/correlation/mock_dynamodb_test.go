package correlation

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

// mockDynamo is an in-memory table keyed by correlation_id. It understands
// the SET / if_not_exists update expressions and the conditions the store
// issues, which is enough to exercise the merge semantics.
type mockDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	failNext error
	updates  int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func pkOf(key map[string]types.AttributeValue) (string, error) {
	v, ok := key["correlation_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("no correlation_id key")
	}
	return v.Value, nil
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := pkOf(params.Item)
	if err != nil {
		return nil, err
	}
	m.items[pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := pkOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.items[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	pk, err := pkOf(params.Key)
	if err != nil {
		return nil, err
	}
	existing, exists := m.items[pk]
	values := params.ExpressionAttributeValues

	if params.ConditionExpression != nil {
		ok, err := evalCondition(*params.ConditionExpression, existing, exists, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}

	item := map[string]types.AttributeValue{}
	if exists {
		item = copyItem(existing)
	}
	for k, v := range params.Key {
		item[k] = v
	}
	if err := applySet(*params.UpdateExpression, item, params.ExpressionAttributeNames, values); err != nil {
		return nil, err
	}
	m.items[pk] = item
	return &dyn.UpdateItemOutput{}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not used by the correlation store")
}

func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return nil, errors.New("not used by the correlation store")
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if params.ExclusiveStartKey != nil {
		after, err := pkOf(params.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(keys, after) + 1
	}
	end := len(keys)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}

	out := &dyn.ScanOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, copyItem(m.items[k]))
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"correlation_id": &types.AttributeValueMemberS{Value: keys[end-1]},
		}
	}
	return out, nil
}

func strAttr(item map[string]types.AttributeValue, name string) (string, bool) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func evalCondition(cond string, item map[string]types.AttributeValue, exists bool, values map[string]types.AttributeValue) (bool, error) {
	if !exists {
		return true, nil
	}
	switch cond {
	case finalizeOnceCond:
		status, ok := strAttr(item, "status")
		return !ok || status == values[":pending"].(*types.AttributeValueMemberS).Value, nil
	case finalizeChangedCond:
		hash, ok := strAttr(item, "result_hash")
		return !ok || hash != values[":rh"].(*types.AttributeValueMemberS).Value, nil
	default:
		return false, fmt.Errorf("mock: unsupported condition %q", cond)
	}
}

// applySet handles "SET a = :v, b = if_not_exists(b, :w)".
func applySet(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("mock: unsupported update %q", expr)
	}
	resolve := func(n string) string {
		if alias, ok := names[n]; ok {
			return alias
		}
		return n
	}
	for _, assignment := range splitTopLevel(strings.TrimPrefix(expr, "SET ")) {
		parts := strings.SplitN(assignment, " = ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("mock: bad assignment %q", assignment)
		}
		lhs, rhs := resolve(strings.TrimSpace(parts[0])), strings.TrimSpace(parts[1])
		if strings.HasPrefix(rhs, "if_not_exists(") {
			args := strings.SplitN(strings.TrimSuffix(strings.TrimPrefix(rhs, "if_not_exists("), ")"), ", ", 2)
			if _, present := item[resolve(args[0])]; present {
				continue
			}
			rhs = args[1]
		}
		v, ok := values[rhs]
		if !ok {
			return fmt.Errorf("mock: missing value %s", rhs)
		}
		item[lhs] = v
	}
	return nil
}

func splitTopLevel(s string) []string {
	var (
		out   []string
		depth int
		last  int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[last:i]))
				last = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[last:]))
}

package dynamo

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"polygene/pkg/entity"
)

// fakeDynamo keeps items in memory and evaluates the two condition
// expressions the store emits.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	transactions [][]types.TransactWriteItem
	scans        int
	getErr       error
	writeErr     error
}

var _ API = (*fakeDynamo)(nil)

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func identityOf(av map[string]types.AttributeValue) string {
	if s, ok := av[keyAttr].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.items[identityOf(in.Key)]}, nil
}

func (f *fakeDynamo) holds(id, expr string, values map[string]types.AttributeValue) bool {
	current, exists := f.items[id]
	switch expr {
	case "attribute_not_exists(#id)":
		return !exists
	case "#v = :expected":
		if !exists {
			return false
		}
		have, _ := current[versionAttr].(*types.AttributeValueMemberS)
		want, _ := values[":expected"].(*types.AttributeValueMemberS)
		return have != nil && want != nil && have.Value == want.Value
	}
	return true
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, in.TransactItems)
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		var ok bool
		switch {
		case item.Put != nil:
			ok = f.holds(identityOf(item.Put.Item), aws.ToString(item.Put.ConditionExpression), item.Put.ExpressionAttributeValues)
		case item.Delete != nil:
			ok = f.holds(identityOf(item.Delete.Key), aws.ToString(item.Delete.ConditionExpression), item.Delete.ExpressionAttributeValues)
		}
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{Message: aws.String("Transaction cancelled"), CancellationReasons: reasons}
	}
	for _, item := range in.TransactItems {
		if item.Put != nil {
			f.items[identityOf(item.Put.Item)] = item.Put.Item
		} else if item.Delete != nil {
			delete(f.items, identityOf(item.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	ids := make([]string, 0, len(f.items))
	after := identityOf(in.ExclusiveStartKey)
	for id := range f.items {
		if after == "" || id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := &dynamodb.ScanOutput{}
	limit := int(aws.ToInt32(in.Limit))
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
		out.LastEvaluatedKey = key(entity.Identity(ids[len(ids)-1]))
	}
	for _, id := range ids {
		out.Items = append(out.Items, f.items[id])
	}
	return out, nil
}

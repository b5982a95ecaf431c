// Package testutil provides in-memory doubles for the AWS clients and a
// scripted gateway adapter, shared by the package tests.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// FakeDynamoDB is a minimal in-memory DynamoDB honoring exactly the
// conditional expressions the production stores issue. Items are stored per
// table in a nested map: table -> pkValue -> item map.
type FakeDynamoDB struct {
	mu     sync.Mutex
	Tables map[string]map[string]map[string]types.AttributeValue

	// FailNextUpdates makes the next N UpdateItem calls fail with
	// ConditionalCheckFailedException, to exercise CAS retry paths.
	FailNextUpdates int

	PutCalls      int
	GetCalls      int
	UpdateCalls   int
	QueryCalls    int
	ScanCalls     int
	TransactCalls int
}

// NewFakeDynamoDB creates the fake with the named tables pre-provisioned.
func NewFakeDynamoDB(tables ...string) *FakeDynamoDB {
	f := &FakeDynamoDB{Tables: map[string]map[string]map[string]types.AttributeValue{}}
	for _, t := range tables {
		f.Tables[t] = map[string]map[string]types.AttributeValue{}
	}
	return f
}

func (f *FakeDynamoDB) ensureTable(tbl string) {
	if _, ok := f.Tables[tbl]; !ok {
		f.Tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
}

// cloneItem shallow-copies an item map. Attribute values are never mutated in
// place, so sharing them between the copy and the stored item is safe. Handing
// out copies keeps concurrent readers and writers off the same map.
func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// pkOf finds the primary key value in an item or key map.
func pkOf(attrs map[string]types.AttributeValue) (string, error) {
	for _, name := range []string{"idempotency_key", "tran_id"} {
		if v, ok := attrs[name]; ok {
			return v.(*types.AttributeValueMemberS).Value, nil
		}
	}
	return "", errors.New("no primary key attribute")
}

func conditionalPutOK(table map[string]map[string]types.AttributeValue, pk string, cond *string) bool {
	if cond == nil || !strings.HasPrefix(*cond, "attribute_not_exists(") {
		return true
	}
	_, exists := table[pk]
	return !exists
}

func (f *FakeDynamoDB) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PutCalls++
	f.ensureTable(*params.TableName)
	tbl := f.Tables[*params.TableName]

	pk, err := pkOf(params.Item)
	if err != nil {
		return nil, err
	}
	if !conditionalPutOK(tbl, pk, params.ConditionExpression) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	tbl[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamoDB) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++
	f.ensureTable(*params.TableName)

	pk, err := pkOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.Tables[*params.TableName][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: cloneItem(item)}, nil
}

func (f *FakeDynamoDB) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateCalls++
	f.ensureTable(*params.TableName)

	if f.FailNextUpdates > 0 {
		f.FailNextUpdates--
		return nil, &types.ConditionalCheckFailedException{}
	}

	pk, err := pkOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, exists := f.Tables[*params.TableName][pk]
	if !exists {
		return nil, errors.New("item not found")
	}
	item = cloneItem(item)

	if cond := params.ConditionExpression; cond != nil {
		switch {
		case *cond == "version = :ev":
			want := params.ExpressionAttributeValues[":ev"].(*types.AttributeValueMemberN).Value
			cur, ok := item["version"].(*types.AttributeValueMemberN)
			if !ok || cur.Value != want {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case strings.HasPrefix(*cond, "attribute_not_exists("):
			attr := strings.TrimSuffix(strings.TrimPrefix(*cond, "attribute_not_exists("), ")")
			if _, ok := item[attr]; ok {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	}

	// Apply the SET semantics of the known production expressions by value key.
	setIf := func(valueKey, attr string) {
		if v, ok := params.ExpressionAttributeValues[valueKey]; ok {
			item[attr] = v
		}
	}
	setIf(":nv", "version")
	setIf(":ua", "updated_at")
	setIf(":st", "status")
	setIf(":fa", "finalized_at")
	setIf(":inv", "invoice_emitted")
	setIf(":id", "invoice_id")
	setIf(":done", "status")
	setIf(":failed", "status")
	setIf(":rb", "response_body")
	setIf(":rs", "response_status")
	setIf(":n", "note")

	// history = list_append(if_not_exists(history, :empty), :entry)
	if entry, ok := params.ExpressionAttributeValues[":entry"]; ok {
		appended := entry.(*types.AttributeValueMemberL).Value
		var existing []types.AttributeValue
		if cur, ok := item["history"].(*types.AttributeValueMemberL); ok {
			existing = cur.Value
		}
		item["history"] = &types.AttributeValueMemberL{Value: append(existing, appended...)}
	}

	f.Tables[*params.TableName][pk] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

// Query supports only the gateway_ref index lookup.
func (f *FakeDynamoDB) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueryCalls++
	f.ensureTable(*params.TableName)

	ref := params.ExpressionAttributeValues[":ref"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range f.Tables[*params.TableName] {
		if v, ok := item["gateway_ref"].(*types.AttributeValueMemberS); ok && v.Value == ref {
			items = append(items, item)
		}
	}
	return &dyn.QueryOutput{Items: items}, nil
}

// Scan supports only the stale-pending filter.
func (f *FakeDynamoDB) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ScanCalls++
	f.ensureTable(*params.TableName)

	want := params.ExpressionAttributeValues[":pending"].(*types.AttributeValueMemberS).Value
	cutoff := params.ExpressionAttributeValues[":cutoff"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, item := range f.Tables[*params.TableName] {
		st, ok := item["status"].(*types.AttributeValueMemberS)
		if !ok || st.Value != want {
			continue
		}
		created, ok := item["created_at"].(*types.AttributeValueMemberS)
		if !ok || created.Value >= cutoff {
			continue
		}
		items = append(items, item)
	}
	return &dyn.ScanOutput{Items: items}, nil
}

func (f *FakeDynamoDB) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TransactCalls++

	// all-or-nothing: check every conditional put before applying any
	for _, it := range params.TransactItems {
		p := it.Put
		if p == nil {
			continue
		}
		f.ensureTable(*p.TableName)
		pk, err := pkOf(p.Item)
		if err != nil {
			return nil, err
		}
		if !conditionalPutOK(f.Tables[*p.TableName], pk, p.ConditionExpression) {
			return nil, &types.TransactionCanceledException{}
		}
	}
	for _, it := range params.TransactItems {
		p := it.Put
		if p == nil {
			continue
		}
		pk, _ := pkOf(p.Item)
		f.Tables[*p.TableName][pk] = p.Item
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// FakeSQS records every sent message body.
type FakeSQS struct {
	mu        sync.Mutex
	Sent      []string
	Err       error
	SendCalls int
}

func (f *FakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	f.Sent = append(f.Sent, *params.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

// FakeCloudWatch records emitted metric names.
type FakeCloudWatch struct {
	mu      sync.Mutex
	Metrics []string
}

func (f *FakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range params.MetricData {
		if d.MetricName != nil {
			f.Metrics = append(f.Metrics, *d.MetricName)
		}
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

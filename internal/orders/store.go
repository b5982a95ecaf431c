package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopnest/payflow/internal/aws"
)

// GatewayRefIndex is the GSI used to correlate processor reports that only
// carry the processor-assigned reference.
const GatewayRefIndex = "gateway_ref-index"

// ErrVersionConflict indicates the conditional write lost an optimistic-concurrency race.
var ErrVersionConflict = errors.New("order version conflict")

// ErrInvoiceRecorded indicates an invoice artifact id was already recorded for the order.
var ErrInvoiceRecorded = errors.New("invoice artifact already recorded")

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// CreateWithIdempotencyTransaction atomically creates:
//   - idempotency record in idempotencyTable (with ConditionExpression attribute_not_exists(idempotency_key))
//   - order record in the orders table (with ConditionExpression attribute_not_exists(tran_id))
//
// It marshals both items and issues a TransactWriteItems call, so a duplicate
// submission of the same storefront request cannot create a second order.
// idempotencyItem must be a serializable struct with attribute idempotency_key present.
// order is the Order struct to persist; order.TranID must be set by caller.
func (s *Store) CreateWithIdempotencyTransaction(ctx context.Context, idempotencyTable string, idempotencyItem interface{}, order Order, ttlWindow time.Duration) error {
	// marshal idempotency item
	idempMap, err := attributevalue.MarshalMap(idempotencyItem)
	if err != nil {
		return fmt.Errorf("marshal idempotency item: %w", err)
	}
	// ensure idempotency TTL if needed: caller can include expires_at field; if not present, add it
	if _, ok := idempMap["expires_at"]; !ok && ttlWindow > 0 {
		expires := s.nowFunc().Add(ttlWindow).Unix()
		idempMap["expires_at"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expires)}
	}

	// set CreatedAt/UpdatedAt if empty
	now := s.nowFunc()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &idempotencyTable,
				Item:                idempMap,
				ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(tran_id)"),
			},
		},
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	}

	_, err = s.client.TransactWriteItems(ctx, input)
	if err != nil {
		// detect transaction canceled / conditional failure
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("transaction canceled (likely idempotency key exists): %w", err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by tran_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, tranID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"tran_id": &types.AttributeValueMemberS{Value: tranID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// GetByGatewayRef fetches an order by the processor-assigned reference via the
// gateway_ref GSI. Returns (nil, nil) if no order correlates.
func (s *Store) GetByGatewayRef(ctx context.Context, gatewayRef string) (*Order, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(GatewayRefIndex),
		KeyConditionExpression: awsString("gateway_ref = :ref"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref": &types.AttributeValueMemberS{Value: gatewayRef},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query gateway_ref: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Items[0], &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// Transition describes one conditional mutation of an order produced by the
// reconciliation engine. Report is always appended to the audit log; NewStatus
// is nil when the event must be recorded without changing state.
type Transition struct {
	Report      StatusReport
	NewStatus   *Status
	Finalize    bool
	EmitInvoice bool
}

// ApplyTransition appends the report and applies the optional status change in
// a single UpdateItem conditioned on version = expectedVersion. The version is
// incremented on success, so of two concurrent writers exactly one wins;
// the loser gets ErrVersionConflict and must reload.
func (s *Store) ApplyTransition(ctx context.Context, tranID string, expectedVersion int, t Transition) error {
	now := s.nowFunc()

	entryMap, err := attributevalue.MarshalMap(t.Report)
	if err != nil {
		return fmt.Errorf("marshal status report: %w", err)
	}

	updateExpr := "SET version = :nv, updated_at = :ua, history = list_append(if_not_exists(history, :empty), :entry)"
	exprValues := map[string]types.AttributeValue{
		":nv":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion+1)},
		":ev":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
		":ua":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":entry": &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberM{Value: entryMap}}},
	}
	exprNames := map[string]string{}

	if t.NewStatus != nil {
		updateExpr += ", #s = :st"
		exprNames["#s"] = "status"
		exprValues[":st"] = &types.AttributeValueMemberS{Value: string(*t.NewStatus)}
	}
	if t.Finalize {
		updateExpr += ", finalized_at = :fa"
		exprValues[":fa"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)}
	}
	if t.EmitInvoice {
		updateExpr += ", invoice_emitted = :inv"
		exprValues[":inv"] = &types.AttributeValueMemberBOOL{Value: true}
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"tran_id": &types.AttributeValueMemberS{Value: tranID},
		},
		UpdateExpression:          &updateExpr,
		ExpressionAttributeValues: exprValues,
		ConditionExpression:       awsString("version = :ev"),
	}
	if len(exprNames) > 0 {
		input.ExpressionAttributeNames = exprNames
	}

	_, err = s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrVersionConflict
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// RecordInvoiceArtifact stores the artifact id produced by the invoice worker.
// The conditional write makes a redelivered job a no-op: ErrInvoiceRecorded is
// returned when an artifact id is already present.
func (s *Store) RecordInvoiceArtifact(ctx context.Context, tranID, invoiceID string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"tran_id": &types.AttributeValueMemberS{Value: tranID},
		},
		UpdateExpression: awsString("SET invoice_id = :id, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: invoiceID},
			":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ConditionExpression: awsString("attribute_not_exists(invoice_id)"),
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrInvoiceRecorded
		}
		return fmt.Errorf("record invoice artifact: %w", err)
	}
	return nil
}

// ListStalePending scans for orders still PENDING and created before cutoff.
// Used by the verification poller; the table stays small enough that a
// filtered scan is acceptable here.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]Order, error) {
	var out []Order
	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:        &s.tableName,
			FilterExpression: awsString("#s = :pending AND created_at < :cutoff"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
				":cutoff":  &types.AttributeValueMemberS{Value: cutoff.Format(time.RFC3339Nano)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan stale pending: %w", err)
		}
		for _, item := range resp.Items {
			var o Order
			if err := attributevalue.UnmarshalMap(item, &o); err != nil {
				return nil, fmt.Errorf("unmarshal order: %w", err)
			}
			out = append(out, o)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		startKey = resp.LastEvaluatedKey
	}
	return out, nil
}

func awsString(s string) *string { return &s }

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/relaychat/automation"
)

// DynamoDBStore implements automation.Store using AWS DynamoDB with a
// single-table design (see schema.go for the key layout)
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB-backed store
func NewDynamoDBStore(client DynamoDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

var _ automation.Store = (*DynamoDBStore)(nil)

// Workflow definition operations

func (s *DynamoDBStore) CreateDefinition(ctx context.Context, def *automation.WorkflowDefinition) error {
	return s.putDefinition(ctx, def)
}

func (s *DynamoDBStore) UpdateDefinition(ctx context.Context, def *automation.WorkflowDefinition) error {
	def.UpdatedAt = time.Now()
	return s.putDefinition(ctx, def)
}

func (s *DynamoDBStore) putDefinition(ctx context.Context, def *automation.WorkflowDefinition) error {
	item, err := attributevalue.MarshalMap(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: definitionPK(def.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: metaSK}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeDefinition}
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: definitionGSI1PK(string(def.Trigger.Type))}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: def.ID}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put workflow definition: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetDefinition(ctx context.Context, workflowID string) (*automation.WorkflowDefinition, error) {
	result, err := s.getMeta(ctx, definitionPK(workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	var def automation.WorkflowDefinition
	if err := attributevalue.UnmarshalMap(result, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	return &def, nil
}

func (s *DynamoDBStore) DeleteDefinition(ctx context.Context, workflowID string) error {
	return s.deleteMeta(ctx, definitionPK(workflowID), "workflow definition")
}

func (s *DynamoDBStore) ListDefinitions(ctx context.Context, filter automation.DefinitionFilter) ([]*automation.WorkflowDefinition, error) {
	var items []map[string]types.AttributeValue
	var err error

	if filter.TriggerType != "" {
		items, err = s.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(IndexLookup),
			KeyConditionExpression: aws.String("GSI1PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: definitionGSI1PK(string(filter.TriggerType))},
			},
		})
	} else {
		items, err = s.scanEntity(ctx, EntityTypeDefinition)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", err)
	}

	var defs []*automation.WorkflowDefinition
	for _, item := range items {
		var def automation.WorkflowDefinition
		if err := attributevalue.UnmarshalMap(item, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
		}
		if filter.EventType != "" && def.Trigger.EventType != filter.EventType {
			continue
		}
		if filter.EnabledOnly && !def.Enabled {
			continue
		}
		if filter.OwnerID != "" && def.OwnerID != filter.OwnerID {
			continue
		}
		defs = append(defs, &def)
		if filter.Limit > 0 && len(defs) >= filter.Limit {
			break
		}
	}
	return defs, nil
}

// Workflow run operations

func (s *DynamoDBStore) CreateRun(ctx context.Context, run *automation.WorkflowRun) error {
	return s.putRun(ctx, run)
}

func (s *DynamoDBStore) UpdateRun(ctx context.Context, run *automation.WorkflowRun) error {
	run.UpdatedAt = time.Now()
	return s.putRun(ctx, run)
}

func (s *DynamoDBStore) putRun(ctx context.Context, run *automation.WorkflowRun) error {
	item, err := attributevalue.MarshalMap(run)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow run: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: runPK(run.RunID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: metaSK}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeRun}
	item[AttrGSI1PK] = &types.AttributeValueMemberS{
		Value: runGSI1PK(run.WorkflowID, string(run.Status)),
	}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: sortableTime(run.CreatedAt)}

	// Active-run index entries exist only while the run is live, so
	// CountActiveRuns is an index count rather than a table scan
	if !run.Status.IsTerminal() {
		item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: runGSI2PK(run.WorkflowID)}
		item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: sortableTime(run.CreatedAt)}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put workflow run: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetRun(ctx context.Context, runID string) (*automation.WorkflowRun, error) {
	result, err := s.getMeta(ctx, runPK(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("workflow run %s not found", runID)
	}

	var run automation.WorkflowRun
	if err := attributevalue.UnmarshalMap(result, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
	}
	return &run, nil
}

func (s *DynamoDBStore) ListRuns(ctx context.Context, filter automation.RunFilter) ([]*automation.WorkflowRun, error) {
	var items []map[string]types.AttributeValue
	var err error

	if filter.WorkflowID != "" && filter.Status != nil {
		items, err = s.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(IndexLookup),
			KeyConditionExpression: aws.String("GSI1PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{
					Value: runGSI1PK(filter.WorkflowID, string(*filter.Status)),
				},
			},
		})
	} else {
		items, err = s.scanEntity(ctx, EntityTypeRun)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	var runs []*automation.WorkflowRun
	for _, item := range items {
		var run automation.WorkflowRun
		if err := attributevalue.UnmarshalMap(item, &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		runs = append(runs, &run)
		if filter.Limit > 0 && len(runs) >= filter.Limit {
			break
		}
	}
	return runs, nil
}

func (s *DynamoDBStore) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexSecondary),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: runGSI2PK(workflowID)},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return int(result.Count), nil
}

// Step result operations

func (s *DynamoDBStore) PutStepResult(ctx context.Context, result *automation.StepResult) error {
	result.UpdatedAt = time.Now()

	item, err := attributevalue.MarshalMap(result)
	if err != nil {
		return fmt.Errorf("failed to marshal step result: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: runPK(result.RunID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: stepResultSK(result.StepID)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeStepResult}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put step result: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetStepResult(ctx context.Context, runID, stepID string) (*automation.StepResult, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: runPK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: stepResultSK(stepID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get step result: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var sr automation.StepResult
	if err := attributevalue.UnmarshalMap(result.Item, &sr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step result: %w", err)
	}
	return &sr, nil
}

func (s *DynamoDBStore) ListStepResults(ctx context.Context, runID string) ([]*automation.StepResult, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: runPK(runID)},
			":sk": &types.AttributeValueMemberS{Value: "STEP#"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}

	results := make([]*automation.StepResult, 0, len(items))
	for _, item := range items {
		var sr automation.StepResult
		if err := attributevalue.UnmarshalMap(item, &sr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step result: %w", err)
		}
		results = append(results, &sr)
	}
	return results, nil
}

// Approval request operations

func (s *DynamoDBStore) CreateApproval(ctx context.Context, req *automation.ApprovalRequest) error {
	return s.putApproval(ctx, req)
}

func (s *DynamoDBStore) UpdateApproval(ctx context.Context, req *automation.ApprovalRequest) error {
	req.UpdatedAt = time.Now()
	return s.putApproval(ctx, req)
}

func (s *DynamoDBStore) putApproval(ctx context.Context, req *automation.ApprovalRequest) error {
	item, err := attributevalue.MarshalMap(req)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: approvalPK(req.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: metaSK}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeApproval}

	// Unresolved requests live in GSI1 sorted by expiry; resolution
	// drops them out of the index
	if !req.Status.IsResolved() {
		item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: approvalPendingGSI1PK}
		item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: sortableTime(req.ExpiresAt)}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put approval request: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetApproval(ctx context.Context, approvalID string) (*automation.ApprovalRequest, error) {
	result, err := s.getMeta(ctx, approvalPK(approvalID))
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	var req automation.ApprovalRequest
	if err := attributevalue.UnmarshalMap(result, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval request: %w", err)
	}
	return &req, nil
}

func (s *DynamoDBStore) ListPendingApprovals(ctx context.Context) ([]*automation.ApprovalRequest, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexLookup),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: approvalPendingGSI1PK},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	out := make([]*automation.ApprovalRequest, 0, len(items))
	for _, item := range items {
		var req automation.ApprovalRequest
		if err := attributevalue.UnmarshalMap(item, &req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval request: %w", err)
		}
		out = append(out, &req)
	}
	return out, nil
}

// Schedule entry operations

func (s *DynamoDBStore) PutSchedule(ctx context.Context, entry *automation.ScheduleEntry) error {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule entry: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: schedulePK(entry.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: metaSK}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeSchedule}

	if entry.Enabled {
		item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: scheduleDueGSI1PK}
		item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: sortableTime(entry.NextRunAt)}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put schedule entry: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetSchedule(ctx context.Context, scheduleID string) (*automation.ScheduleEntry, error) {
	result, err := s.getMeta(ctx, schedulePK(scheduleID))
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule entry: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	var entry automation.ScheduleEntry
	if err := attributevalue.UnmarshalMap(result, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule entry: %w", err)
	}
	return &entry, nil
}

func (s *DynamoDBStore) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return s.deleteMeta(ctx, schedulePK(scheduleID), "schedule entry")
}

func (s *DynamoDBStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*automation.ScheduleEntry, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexLookup),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND GSI1SK <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: scheduleDueGSI1PK},
			":now": &types.AttributeValueMemberS{Value: sortableTime(now)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}

	out := make([]*automation.ScheduleEntry, 0, len(items))
	for _, item := range items {
		var entry automation.ScheduleEntry
		if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (s *DynamoDBStore) ListSchedules(ctx context.Context) ([]*automation.ScheduleEntry, error) {
	items, err := s.scanEntity(ctx, EntityTypeSchedule)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	out := make([]*automation.ScheduleEntry, 0, len(items))
	for _, item := range items {
		var entry automation.ScheduleEntry
		if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, nil
}

// Webhook operations

func (s *DynamoDBStore) CreateWebhook(ctx context.Context, hook *automation.Webhook) error {
	return s.putWebhook(ctx, hook)
}

func (s *DynamoDBStore) UpdateWebhook(ctx context.Context, hook *automation.Webhook) error {
	hook.UpdatedAt = time.Now()
	return s.putWebhook(ctx, hook)
}

func (s *DynamoDBStore) putWebhook(ctx context.Context, hook *automation.Webhook) error {
	item, err := attributevalue.MarshalMap(hook)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: webhookPK(hook.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: metaSK}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeWebhook}
	item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: webhookDirectionGSI2PK(string(hook.Direction))}
	item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: hook.ID}

	if hook.Token != "" {
		item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: webhookTokenGSI1PK(hook.Token)}
		item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: metaSK}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put webhook: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetWebhook(ctx context.Context, webhookID string) (*automation.Webhook, error) {
	result, err := s.getMeta(ctx, webhookPK(webhookID))
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	var hook automation.Webhook
	if err := attributevalue.UnmarshalMap(result, &hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webhook: %w", err)
	}
	return &hook, nil
}

func (s *DynamoDBStore) GetWebhookByToken(ctx context.Context, token string) (*automation.Webhook, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexLookup),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: webhookTokenGSI1PK(token)},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up webhook by token: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	var hook automation.Webhook
	if err := attributevalue.UnmarshalMap(items[0], &hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webhook: %w", err)
	}
	return &hook, nil
}

func (s *DynamoDBStore) DeleteWebhook(ctx context.Context, webhookID string) error {
	return s.deleteMeta(ctx, webhookPK(webhookID), "webhook")
}

func (s *DynamoDBStore) ListWebhooks(ctx context.Context, filter automation.WebhookFilter) ([]*automation.Webhook, error) {
	var items []map[string]types.AttributeValue
	var err error

	if filter.Direction != "" {
		items, err = s.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(IndexSecondary),
			KeyConditionExpression: aws.String("GSI2PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: webhookDirectionGSI2PK(string(filter.Direction))},
			},
		})
	} else {
		items, err = s.scanEntity(ctx, EntityTypeWebhook)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}

	var hooks []*automation.Webhook
	for _, item := range items {
		var hook automation.Webhook
		if err := attributevalue.UnmarshalMap(item, &hook); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook: %w", err)
		}
		if filter.ActiveOnly && !hook.Active() {
			continue
		}
		if filter.OwnerID != "" && hook.OwnerID != filter.OwnerID {
			continue
		}
		hooks = append(hooks, &hook)
	}
	return hooks, nil
}

// Delivery operations

func (s *DynamoDBStore) CreateDelivery(ctx context.Context, d *automation.WebhookDelivery) error {
	return s.putDelivery(ctx, d)
}

func (s *DynamoDBStore) UpdateDelivery(ctx context.Context, d *automation.WebhookDelivery) error {
	d.UpdatedAt = time.Now()
	return s.putDelivery(ctx, d)
}

func (s *DynamoDBStore) putDelivery(ctx context.Context, d *automation.WebhookDelivery) error {
	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: deliveryPK(d.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: metaSK}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeDelivery}
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: deliveryGSI1PK(d.WebhookID)}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: sortableTime(d.CreatedAt)}

	if d.Status == automation.DeliveryStatusDeadLetter {
		item[AttrGSI2PK] = &types.AttributeValueMemberS{Value: deliveryDeadGSI2PK}
		item[AttrGSI2SK] = &types.AttributeValueMemberS{Value: sortableTime(d.CreatedAt)}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put delivery: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetDelivery(ctx context.Context, deliveryID string) (*automation.WebhookDelivery, error) {
	result, err := s.getMeta(ctx, deliveryPK(deliveryID))
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	if result == nil {
		return nil, nil
	}

	var d automation.WebhookDelivery
	if err := attributevalue.UnmarshalMap(result, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return &d, nil
}

func (s *DynamoDBStore) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*automation.WebhookDelivery, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexLookup),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: deliveryGSI1PK(webhookID)},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return unmarshalDeliveries(result.Items)
}

func (s *DynamoDBStore) ListDeadLetters(ctx context.Context, limit int) ([]*automation.WebhookDelivery, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexSecondary),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: deliveryDeadGSI2PK},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return unmarshalDeliveries(result.Items)
}

func unmarshalDeliveries(items []map[string]types.AttributeValue) ([]*automation.WebhookDelivery, error) {
	out := make([]*automation.WebhookDelivery, 0, len(items))
	for _, item := range items {
		var d automation.WebhookDelivery
		if err := attributevalue.UnmarshalMap(item, &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
		}
		out = append(out, &d)
	}
	return out, nil
}

// Audit log operations

func (s *DynamoDBStore) AppendAudit(ctx context.Context, entry *automation.AuditLogEntry) error {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: auditPK}
	item[AttrSK] = &types.AttributeValueMemberS{Value: auditSK(entry.Timestamp, entry.ID)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeAudit}

	if entry.RunID != "" {
		item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: auditRunGSI1PK(entry.RunID)}
		item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: sortableTime(entry.Timestamp)}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListAudit(ctx context.Context, filter automation.AuditFilter) ([]*automation.AuditLogEntry, error) {
	var input *dynamodb.QueryInput
	if filter.RunID != "" {
		input = &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(IndexLookup),
			KeyConditionExpression: aws.String("GSI1PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: auditRunGSI1PK(filter.RunID)},
			},
		}
	} else {
		input = &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: auditPK},
			},
		}
	}

	items, err := s.queryAll(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	var out []*automation.AuditLogEntry
	for _, item := range items {
		var entry automation.AuditLogEntry
		if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		if filter.WorkflowID != "" && entry.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.WebhookID != "" && entry.WebhookID != filter.WebhookID {
			continue
		}
		if filter.EventType != "" && entry.EventType != filter.EventType {
			continue
		}
		if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, &entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Shared helpers

func (s *DynamoDBStore) getMeta(ctx context.Context, pk string) (map[string]types.AttributeValue, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: pk},
			AttrSK: &types.AttributeValueMemberS{Value: metaSK},
		},
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, nil
	}
	return result.Item, nil
}

func (s *DynamoDBStore) deleteMeta(ctx context.Context, pk, kind string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: pk},
			AttrSK: &types.AttributeValueMemberS{Value: metaSK},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	return nil
}

// queryAll paginates through all pages of a query
func (s *DynamoDBStore) queryAll(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		if lastEvaluatedKey != nil {
			input.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}
	return items, nil
}

// scanEntity scans the table for one entity type; used only by the
// unindexed list paths
func (s *DynamoDBStore) scanEntity(ctx context.Context, entityType string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("entity_type = :et"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":et": &types.AttributeValueMemberS{Value: entityType},
			},
		}
		if lastEvaluatedKey != nil {
			input.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}
	return items, nil
}

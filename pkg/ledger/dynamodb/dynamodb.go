// Package dynamodb implements ledger.Store on AWS DynamoDB using a single
// table. Transactions, agents, approvals, and audit entries share the table
// under composite keys; a unit of work commits through TransactWriteItems
// with version conditions, so a lost race surfaces as ledger.ErrConflict
// and nothing partial is ever written.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/remitwire/settlement-engine/pkg/ledger"
)

const (
	kindTransaction = "TRANSACTION"
	kindAgent       = "AGENT"
	kindApproval    = "APPROVAL"
	kindAudit       = "AUDIT"

	metaSortKey = "META"
	cityIndex   = "CityIndex"

	// auditTimeLayout is fixed-width so audit sort keys order lexically.
	auditTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Config holds the connection settings for the DynamoDB ledger.
type Config struct {
	Region    string
	TableName string
	// Endpoint overrides the AWS endpoint, e.g. for DynamoDB Local.
	Endpoint string
}

// Store is a DynamoDB-backed implementation of ledger.Store.
type Store struct {
	client      *dynamodb.Client
	tableName   string
	initialized bool
}

// NewStore creates a DynamoDB ledger store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.TableName == "" {
		cfg.TableName = "SettlementLedger"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: cfg.Endpoint, SigningRegion: cfg.Region}, nil
			})
	}

	return &Store{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.TableName,
	}, nil
}

// Initialize implements ledger.Store. The table must already exist; schema
// provisioning is an operator task, not an application startup side effect.
func (s *Store) Initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return fmt.Errorf("table %s does not exist: %w", s.tableName, ledger.ErrNotInitialized)
		}
		return fmt.Errorf("error checking table: %w", err)
	}

	s.initialized = true
	return nil
}

// Close implements ledger.Store. DynamoDB needs no explicit disconnect.
func (s *Store) Close() error {
	s.initialized = false
	return nil
}

func transactionPK(id int64) string { return "TX#" + strconv.FormatInt(id, 10) }
func agentPK(id int64) string       { return "AGENT#" + strconv.FormatInt(id, 10) }

func approvalSK(approverID string) string { return "APPROVAL#" + approverID }

func auditSK(at time.Time) string {
	// UUID suffix keeps entries written in the same nanosecond distinct.
	return "AUDIT#" + at.UTC().Format(auditTimeLayout) + "#" + uuid.NewString()
}

// marshalEntity marshals an entity and injects the table keys.
func marshalEntity(entity interface{}, pk, sk, kind string) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["EntityKind"] = &types.AttributeValueMemberS{Value: kind}
	return item, nil
}

// nextID atomically increments the named counter item and returns the new
// value. Counters live in the same table under a reserved partition.
func (s *Store) nextID(ctx context.Context, name string) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "COUNTER"},
			"SK": &types.AttributeValueMemberS{Value: name},
		},
		UpdateExpression: aws.String("ADD #v :one"),
		ExpressionAttributeNames: map[string]string{
			"#v": "Value",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", name, err)
	}
	n, ok := out.Attributes["Value"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("counter %s: unexpected attribute shape", name)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

// CreateTransaction implements ledger.Store. The transaction row and its
// creation audit entry commit in one TransactWriteItems call.
func (s *Store) CreateTransaction(ctx context.Context, tx *ledger.Transaction, audit *ledger.AuditEntry) error {
	if !s.initialized {
		return ledger.ErrNotInitialized
	}

	id, err := s.nextID(ctx, "transaction")
	if err != nil {
		return err
	}
	tx.ID = id
	tx.Version = 1

	txItem, err := marshalEntity(tx, transactionPK(tx.ID), metaSortKey, kindTransaction)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                txItem,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}}

	if audit != nil {
		audit.TransactionID = tx.ID
		auditItem, err := marshalEntity(audit, transactionPK(tx.ID), auditSK(audit.CreatedAt), kindAudit)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      auditItem,
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("TransactWriteItems operation failed: %w", err)
	}
	return nil
}

// GetTransaction implements ledger.Store.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: transactionPK(id)},
			"SK": &types.AttributeValueMemberS{Value: metaSortKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem operation failed: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}

	var tx ledger.Transaction
	if err := attributevalue.UnmarshalMap(result.Item, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// view implements ledger.View over a consistent snapshot of one transaction.
type view struct {
	store *Store
	tx    *ledger.Transaction
}

func (v *view) Transaction() *ledger.Transaction { return v.tx }

func (v *view) Agent(ctx context.Context, id int64) (*ledger.Agent, error) {
	return v.store.GetAgent(ctx, id)
}

func (v *view) Approvals(ctx context.Context) ([]ledger.Approval, error) {
	return v.store.ListApprovals(ctx, v.tx.ID)
}

// Update implements ledger.Store. DynamoDB has no row locks, so atomicity
// comes from optimistic versioning: the transaction is read consistently,
// the update function runs, and the commit conditions every write on the
// versions it read. A concurrent writer fails the condition and the whole
// unit cancels with ledger.ErrConflict for the caller to retry.
func (s *Store) Update(ctx context.Context, txID int64, fn ledger.UpdateFunc) error {
	if !s.initialized {
		return ledger.ErrNotInitialized
	}

	current, err := s.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	readVersion := current.Version

	unit, err := fn(ctx, &view{store: s, tx: current})
	if err != nil {
		return err
	}
	if unit == nil {
		return nil
	}

	return s.commit(ctx, txID, readVersion, unit)
}

func (s *Store) commit(ctx context.Context, txID, readVersion int64, unit *ledger.UnitOfWork) error {
	var items []types.TransactWriteItem

	if unit.Transaction != nil {
		unit.Transaction.Version = readVersion + 1
		item, err := marshalEntity(unit.Transaction, transactionPK(txID), metaSortKey, kindTransaction)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("#ver = :v"),
				ExpressionAttributeNames: map[string]string{
					"#ver": "Version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(readVersion, 10)},
				},
			},
		})
	}

	if unit.Agent != nil {
		readAgentVersion := unit.Agent.Version
		unit.Agent.Version = readAgentVersion + 1
		item, err := marshalEntity(unit.Agent, agentPK(unit.Agent.ID), metaSortKey, kindAgent)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_exists(PK) AND #ver = :v"),
				ExpressionAttributeNames: map[string]string{
					"#ver": "Version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(readAgentVersion, 10)},
				},
			},
		})
	}

	if unit.Approval != nil {
		item, err := marshalEntity(unit.Approval, transactionPK(txID), approvalSK(unit.Approval.ApproverID), kindApproval)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		})
	}

	if unit.Audit != nil {
		item, err := marshalEntity(unit.Audit, transactionPK(txID), auditSK(unit.Audit.CreatedAt), kindAudit)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      item,
			},
		})
	}

	if len(items) == 0 {
		return nil
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return ledger.ErrConflict
				}
			}
		}
		return fmt.Errorf("TransactWriteItems operation failed: %w", err)
	}
	return nil
}

// PutAgent implements ledger.Store.
func (s *Store) PutAgent(ctx context.Context, agent *ledger.Agent) error {
	if !s.initialized {
		return ledger.ErrNotInitialized
	}

	if agent.ID == 0 {
		id, err := s.nextID(ctx, "agent")
		if err != nil {
			return err
		}
		agent.ID = id
	}
	if agent.Version == 0 {
		agent.Version = 1
	}

	item, err := marshalEntity(agent, agentPK(agent.ID), metaSortKey, kindAgent)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem operation failed: %w", err)
	}
	return nil
}

// GetAgent implements ledger.Store.
func (s *Store) GetAgent(ctx context.Context, id int64) (*ledger.Agent, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: agentPK(id)},
			"SK": &types.AttributeValueMemberS{Value: metaSortKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem operation failed: %w", err)
	}
	if len(result.Item) == 0 {
		return nil, ledger.ErrAgentNotFound
	}

	var agent ledger.Agent
	if err := attributevalue.UnmarshalMap(result.Item, &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &agent, nil
}

// ListAgentsByCity implements ledger.Store. Agents carry a City attribute,
// so the sparse CityIndex GSI holds exactly the agent rows.
func (s *Store) ListAgentsByCity(ctx context.Context, city string) ([]*ledger.Agent, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}

	agents := make([]*ledger.Agent, 0)
	var lastKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(cityIndex),
			KeyConditionExpression: aws.String("#city = :city"),
			ExpressionAttributeNames: map[string]string{
				"#city": "City",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":city": &types.AttributeValueMemberS{Value: city},
			},
			ExclusiveStartKey: lastKey,
		}
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query operation failed: %w", err)
		}
		for _, item := range result.Items {
			var agent ledger.Agent
			if err := attributevalue.UnmarshalMap(item, &agent); err != nil {
				return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
			}
			agents = append(agents, &agent)
		}
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = result.LastEvaluatedKey
	}
	return agents, nil
}

// ListApprovals implements ledger.Store.
func (s *Store) ListApprovals(ctx context.Context, txID int64) ([]ledger.Approval, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}
	return queryPrefix[ledger.Approval](ctx, s, txID, "APPROVAL#")
}

// AuditHistory implements ledger.Store. Audit sort keys embed a fixed-width
// timestamp, so the query's natural order is oldest first.
func (s *Store) AuditHistory(ctx context.Context, txID int64) ([]ledger.AuditEntry, error) {
	if !s.initialized {
		return nil, ledger.ErrNotInitialized
	}
	return queryPrefix[ledger.AuditEntry](ctx, s, txID, "AUDIT#")
}

func queryPrefix[T any](ctx context.Context, s *Store, txID int64, prefix string) ([]T, error) {
	out := make([]T, 0)
	var lastKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: transactionPK(txID)},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: lastKey,
		}
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query operation failed: %w", err)
		}
		for _, item := range result.Items {
			var entity T
			if err := attributevalue.UnmarshalMap(item, &entity); err != nil {
				return nil, fmt.Errorf("failed to unmarshal item: %w", err)
			}
			out = append(out, entity)
		}
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = result.LastEvaluatedKey
	}
	return out, nil
}

// ResetDailyAmounts implements ledger.Store. Agents are scanned and each
// non-zero counter is cleared with a conditional update, so a reset racing
// an assignment never clobbers a fresher row.
func (s *Store) ResetDailyAmounts(ctx context.Context) (int, error) {
	if !s.initialized {
		return 0, ledger.ErrNotInitialized
	}

	n := 0
	var lastKey map[string]types.AttributeValue
	for {
		result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("EntityKind = :kind AND #cda > :zero"),
			ExpressionAttributeNames: map[string]string{
				"#cda": "CurrentDailyAmount",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":kind": &types.AttributeValueMemberS{Value: kindAgent},
				":zero": &types.AttributeValueMemberN{Value: "0"},
			},
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return n, fmt.Errorf("Scan operation failed: %w", err)
		}

		for _, item := range result.Items {
			var agent ledger.Agent
			if err := attributevalue.UnmarshalMap(item, &agent); err != nil {
				return n, fmt.Errorf("failed to unmarshal agent: %w", err)
			}
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: agentPK(agent.ID)},
					"SK": &types.AttributeValueMemberS{Value: metaSortKey},
				},
				UpdateExpression:    aws.String("SET #cda = :zero ADD #ver :one"),
				ConditionExpression: aws.String("#ver = :v"),
				ExpressionAttributeNames: map[string]string{
					"#cda": "CurrentDailyAmount",
					"#ver": "Version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":zero": &types.AttributeValueMemberN{Value: "0"},
					":one":  &types.AttributeValueMemberN{Value: "1"},
					":v":    &types.AttributeValueMemberN{Value: strconv.FormatInt(agent.Version, 10)},
				},
			})
			if err != nil {
				var condFailed *types.ConditionalCheckFailedException
				if errors.As(err, &condFailed) {
					// The agent moved since the scan; the next reset catches it.
					continue
				}
				return n, fmt.Errorf("UpdateItem operation failed: %w", err)
			}
			n++
		}

		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		lastKey = result.LastEvaluatedKey
	}
	return n, nil
}

var _ ledger.Store = (*Store)(nil)

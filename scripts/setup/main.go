// Command setup provisions the storage backing the settlement ledger. For
// DynamoDB it creates the single-table layout with the CityIndex GSI; for
// PostgreSQL and immudb it opens the configured store and lets the driver
// create the schema.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/remitwire/settlement-engine/internal/config"
	"github.com/remitwire/settlement-engine/pkg/ledger/factory"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	backends := os.Args[1:]
	if len(backends) == 0 {
		backends = []string{cfg.Ledger.Backend}
	}

	ctx := context.Background()
	for _, backend := range backends {
		switch strings.ToLower(backend) {
		case "dynamodb":
			setupDynamoDB(ctx, cfg)
		case "postgres", "immudb", "memory":
			setupViaStore(ctx, cfg, backend)
		default:
			log.Fatalf("Unknown backend: %s", backend)
		}
	}
}

// setupViaStore provisions backends whose stores create their own schema
// during Initialize.
func setupViaStore(ctx context.Context, cfg config.Config, backend string) {
	log.Printf("Setting up %s...", backend)

	ledgerCfg := cfg.Ledger
	ledgerCfg.Backend = backend

	store, err := factory.New(ctx, ledgerCfg)
	if err != nil {
		log.Fatalf("Failed to create %s store: %v", backend, err)
	}
	defer store.Close()

	if err := store.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize %s: %v", backend, err)
	}

	log.Printf("%s setup completed successfully", backend)
}

// setupDynamoDB creates the ledger table. The store's Initialize only
// verifies the table exists, so table creation lives here.
func setupDynamoDB(ctx context.Context, cfg config.Config) {
	log.Println("Setting up DynamoDB...")

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Ledger.DynamoDB.Region),
	}
	if cfg.Ledger.DynamoDB.Endpoint != "" {
		endpoint := cfg.Ledger.DynamoDB.Endpoint
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			}),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}
	client := dynamodb.NewFromConfig(awsCfg)

	tableName := cfg.Ledger.DynamoDB.TableName
	createTableInput := &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("PK"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("SK"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("City"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("PK"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("SK"),
				KeyType:       types.KeyTypeRange,
			},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("CityIndex"),
				KeySchema: []types.KeySchemaElement{
					{
						AttributeName: aws.String("City"),
						KeyType:       types.KeyTypeHash,
					},
					{
						AttributeName: aws.String("PK"),
						KeyType:       types.KeyTypeRange,
					},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
			},
		},
	}

	_, err = client.CreateTable(ctx, createTableInput)
	if err != nil {
		var alreadyExists *types.ResourceInUseException
		if errors.As(err, &alreadyExists) {
			log.Printf("Table %s already exists", tableName)
			return
		}
		log.Fatalf("Failed to create table: %v", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, 5*time.Minute)
	if err != nil {
		log.Fatalf("Failed to wait for table creation: %v", err)
	}

	log.Printf("DynamoDB table %s created successfully", tableName)
}

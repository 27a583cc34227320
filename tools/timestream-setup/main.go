// Command timestream-setup provisions the Timestream database and table
// that receive engine transition metrics, then runs a sanity query to
// confirm the table is reachable.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/timestreamquery"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"
)

func main() {
	region := getEnv("AWS_REGION", "us-east-1")
	endpoint := getEnv("TIMESTREAM_ENDPOINT", "")
	databaseName := getEnv("METRICS_DATABASE", "SettlementMetrics")
	tableName := getEnv("METRICS_TABLE", "Transitions")

	log.Printf("Setting up Timestream database: %s, table: %s", databaseName, tableName)

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		log.Fatalf("Unable to load SDK config: %v", err)
	}

	// Custom endpoint for LocalStack
	if endpoint != "" {
		log.Printf("Using custom endpoint: %s", endpoint)
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		})
		cfg.EndpointResolverWithOptions = customResolver
	}

	writeSvc := timestreamwrite.NewFromConfig(cfg)

	if err := createDatabaseIfNotExists(ctx, writeSvc, databaseName); err != nil {
		log.Fatalf("Failed to create database: %v", err)
	}

	if err := createTableIfNotExists(ctx, writeSvc, databaseName, tableName); err != nil {
		log.Fatalf("Failed to create table: %v", err)
	}

	querySvc := timestreamquery.NewFromConfig(cfg)
	if err := sanityQuery(ctx, querySvc, databaseName, tableName); err != nil {
		log.Fatalf("Sanity query failed: %v", err)
	}

	log.Println("Timestream setup completed successfully")
}

// createDatabaseIfNotExists creates the database if it doesn't already exist
func createDatabaseIfNotExists(ctx context.Context, client *timestreamwrite.Client, databaseName string) error {
	_, err := client.DescribeDatabase(ctx, &timestreamwrite.DescribeDatabaseInput{
		DatabaseName: aws.String(databaseName),
	})
	if err != nil {
		if isResourceNotFound(err) {
			log.Printf("Database %s does not exist, creating...", databaseName)
			_, err = client.CreateDatabase(ctx, &timestreamwrite.CreateDatabaseInput{
				DatabaseName: aws.String(databaseName),
			})
			if err != nil {
				return fmt.Errorf("failed to create database: %w", err)
			}
			log.Printf("Database %s created successfully", databaseName)
			return nil
		}
		return fmt.Errorf("error checking database existence: %w", err)
	}

	log.Printf("Database %s already exists", databaseName)
	return nil
}

// createTableIfNotExists creates the table if it doesn't already exist
func createTableIfNotExists(ctx context.Context, client *timestreamwrite.Client, databaseName, tableName string) error {
	_, err := client.DescribeTable(ctx, &timestreamwrite.DescribeTableInput{
		DatabaseName: aws.String(databaseName),
		TableName:    aws.String(tableName),
	})
	if err != nil {
		if isResourceNotFound(err) {
			log.Printf("Table %s does not exist in database %s, creating...", tableName, databaseName)
			_, err = client.CreateTable(ctx, &timestreamwrite.CreateTableInput{
				DatabaseName: aws.String(databaseName),
				TableName:    aws.String(tableName),
				RetentionProperties: &types.RetentionProperties{
					MagneticStoreRetentionPeriodInDays: aws.Int64(30),
					MemoryStoreRetentionPeriodInHours:  aws.Int64(24),
				},
			})
			if err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
			log.Printf("Table %s created successfully", tableName)
			return nil
		}
		return fmt.Errorf("error checking table existence: %w", err)
	}

	log.Printf("Table %s already exists in database %s", tableName, databaseName)
	return nil
}

// sanityQuery counts recent transition rows. An empty table is a valid
// result; the point is that the query engine can see the table.
func sanityQuery(ctx context.Context, client *timestreamquery.Client, databaseName, tableName string) error {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"."%s" WHERE time > ago(1d)`, databaseName, tableName)
	result, err := client.Query(ctx, &timestreamquery.QueryInput{
		QueryString: aws.String(query),
	})
	if err != nil {
		return err
	}

	for _, row := range result.Rows {
		for _, datum := range row.Data {
			if datum.ScalarValue != nil {
				log.Printf("Transition rows in the last 24h: %s", *datum.ScalarValue)
			}
		}
	}
	return nil
}

// isResourceNotFound checks if an error is a ResourceNotFoundException
func isResourceNotFound(err error) bool {
	return err != nil && (isErrorWithCode(err, "ResourceNotFoundException") ||
		isErrorWithCode(err, "ValidationException") ||
		isErrorWithCode(err, "InvalidEndpointException"))
}

// isErrorWithCode checks if an error contains a specific code
func isErrorWithCode(err error, code string) bool {
	errStr := err.Error()
	return errStr != "" && (errStr == code ||
		errStr == "operation error Timestream: CreateDatabase, "+code ||
		errStr == "operation error Timestream: CreateTable, "+code)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

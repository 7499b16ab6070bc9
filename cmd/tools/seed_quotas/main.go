package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"metering-service/internal/api"
	"metering-service/internal/models"
	"metering-service/internal/repository"
	"metering-service/internal/timewindow"
)

// seedFile is the YAML layout this tool consumes:
//
//	api_keys:
//	  - key: dev_key_12345
//	    name: Development Key
//	    tenant: org_001        # optional scope
//	quotas:
//	  - tenant: org_001
//	    resource: billing      # omit for a wildcard quota
//	    feature: invoice_generate
//	    limit: 1000
//	    period: monthly
//	    threshold: 80          # optional, defaults to 80
type seedFile struct {
	APIKeys []seedKey   `yaml:"api_keys"`
	Quotas  []seedQuota `yaml:"quotas"`
}

type seedKey struct {
	Key    string `yaml:"key"`
	Name   string `yaml:"name"`
	Tenant string `yaml:"tenant"`
}

type seedQuota struct {
	Tenant    string `yaml:"tenant"`
	Resource  string `yaml:"resource"`
	Feature   string `yaml:"feature"`
	Limit     int64  `yaml:"limit"`
	Period    string `yaml:"period"`
	Threshold int    `yaml:"threshold"`
}

func (q seedQuota) validate() error {
	if q.Tenant == "" || q.Feature == "" {
		return errors.New("tenant and feature are required")
	}
	if q.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", q.Limit)
	}
	if !timewindow.Valid(q.Period) {
		return fmt.Errorf("unknown period %q", q.Period)
	}
	if q.Threshold < 0 || q.Threshold > 100 {
		return fmt.Errorf("threshold must be 0..100, got %d", q.Threshold)
	}
	return nil
}

func main() {
	var file string
	flag.StringVar(&file, "file", "seed.yaml", "path to the seed YAML file")
	flag.Parse()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL or DB_URL is required")
	}

	content, err := os.ReadFile(file)
	if err != nil {
		log.Fatalf("failed to read seed file: %v", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(content, &seed); err != nil {
		log.Fatalf("failed to parse seed file: %v", err)
	}
	if len(seed.APIKeys) == 0 && len(seed.Quotas) == 0 {
		log.Fatalf("%s contains no api_keys and no quotas", file)
	}

	repo, err := repository.NewRepository(databaseURL, 0, 0)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	keysCreated := seedKeys(ctx, repo, seed.APIKeys)
	quotasCreated := seedQuotas(ctx, repo, seed.Quotas)

	fmt.Printf("Done: %d api key(s) and %d quota(s) created.\n", keysCreated, quotasCreated)
}

func seedKeys(ctx context.Context, repo *repository.Repository, keys []seedKey) int {
	created := 0
	for i, k := range keys {
		if k.Key == "" {
			log.Fatalf("api_keys[%d]: key is required", i)
		}
		if k.Name == "" {
			k.Name = "Seeded Key"
		}

		existing, err := repo.LookupAPIKey(ctx, api.HashAPIKey(k.Key))
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			log.Fatalf("api_keys[%d]: lookup failed: %v", i, err)
		}
		if existing != nil {
			fmt.Printf("API key already exists: %s (%s)\n", k.Key, existing.Name)
			continue
		}

		record := &models.APIKey{
			Name:     k.Name,
			KeyHash:  api.HashAPIKey(k.Key),
			IsActive: true,
		}
		if k.Tenant != "" {
			record.TenantID = &k.Tenant
		}
		if err := repo.CreateAPIKey(ctx, record); err != nil {
			log.Fatalf("api_keys[%d]: insert failed: %v", i, err)
		}
		fmt.Printf("Created API key: %s (%s)\n", k.Key, k.Name)
		created++
	}
	return created
}

func seedQuotas(ctx context.Context, repo *repository.Repository, quotas []seedQuota) int {
	// One ListQuotas call per tenant keeps the rerun path cheap and makes
	// the tool idempotent: rows already present are skipped, not duplicated.
	existing := make(map[string]map[string]bool)
	created := 0

	for i, q := range quotas {
		if err := q.validate(); err != nil {
			log.Fatalf("quotas[%d]: %v", i, err)
		}

		if _, ok := existing[q.Tenant]; !ok {
			rows, err := repo.ListQuotas(ctx, q.Tenant)
			if err != nil {
				log.Fatalf("quotas[%d]: list failed: %v", i, err)
			}
			seen := make(map[string]bool, len(rows))
			for _, row := range rows {
				seen[quotaSlot(row.Resource, row.Feature)] = true
			}
			existing[q.Tenant] = seen
		}

		var resource *string
		if q.Resource != "" {
			resource = &q.Resource
		}
		slot := quotaSlot(resource, q.Feature)
		if existing[q.Tenant][slot] {
			fmt.Printf("Quota already exists: %s/%s\n", q.Tenant, slot)
			continue
		}

		record := &models.Quota{
			TenantID:       q.Tenant,
			Resource:       resource,
			Feature:        q.Feature,
			LimitValue:     q.Limit,
			Period:         q.Period,
			AlertThreshold: q.Threshold,
			IsActive:       true,
		}
		if err := repo.CreateQuota(ctx, record); err != nil {
			log.Fatalf("quotas[%d]: insert failed: %v", i, err)
		}
		existing[q.Tenant][slot] = true
		fmt.Printf("Created quota: %s/%s = %d per %s\n", q.Tenant, slot, q.Limit, q.Period)
		created++
	}
	return created
}

func quotaSlot(resource *string, feature string) string {
	if resource == nil {
		return "*/" + feature
	}
	return *resource + "/" + feature
}

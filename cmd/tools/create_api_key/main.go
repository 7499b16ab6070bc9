package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"metering-service/internal/api"
	"metering-service/internal/models"
	"metering-service/internal/repository"
)

// generateSecret mints a fresh key secret. Only its SHA-256 digest is
// stored; losing the printed value means minting a new key.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "mtr_" + hex.EncodeToString(b)
}

func main() {
	var (
		name       string
		tenant     string
		expiresIn  int
		secretFlag string
	)

	flag.StringVar(&name, "name", "Development Key", "human-readable key name")
	flag.StringVar(&tenant, "tenant", "", "pin the key to one tenant (default: any tenant)")
	flag.IntVar(&expiresIn, "expires-days", 0, "days until the key expires (default: never)")
	flag.StringVar(&secretFlag, "key", "", "use this secret instead of minting one (dev only)")
	flag.Parse()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL or DB_URL is required")
	}

	repo, err := repository.NewRepository(databaseURL, 0, 0)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret := secretFlag
	if secret == "" {
		secret = generateSecret()
	}

	existing, err := repo.LookupAPIKey(ctx, api.HashAPIKey(secret))
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Fatalf("failed to check for existing key: %v", err)
	}
	if existing != nil {
		fmt.Printf("API key already exists: %s\n", secret)
		fmt.Printf("Name: %s\n", existing.Name)
		fmt.Printf("Active: %v\n", existing.IsActive)
		return
	}

	key := &models.APIKey{
		Name:     name,
		KeyHash:  api.HashAPIKey(secret),
		IsActive: true,
	}
	if tenant != "" {
		key.TenantID = &tenant
	}
	if expiresIn > 0 {
		exp := time.Now().UTC().AddDate(0, 0, expiresIn)
		key.ExpiresAt = &exp
	}

	if err := repo.CreateAPIKey(ctx, key); err != nil {
		log.Fatalf("failed to create api key: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Println("API Key Created Successfully!")
	fmt.Println("============================================================")
	fmt.Printf("API Key: %s\n", secret)
	fmt.Printf("Name:    %s\n", name)
	if tenant != "" {
		fmt.Printf("Tenant:  %s\n", tenant)
	}
	if key.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("Use this in your requests:")
	fmt.Printf("  Header: X-API-Key: %s\n", secret)
	fmt.Println()
	fmt.Println("The secret is not stored and cannot be recovered; save it now.")
	fmt.Println("============================================================")
}

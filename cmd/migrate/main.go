// Command migrate applies or rolls back the Coordinator's Postgres schema
// using goose, grounded on the pack's cmd/migrate (adhtanjung-maukmn-api-
// alpha): load DATABASE_URL from the environment (.env in local dev),
// connect, and hand off to goose.Run with the embedded migrations
// directory as the source of truth.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	fmt.Printf("running goose %s...\n", command)

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	migrationsDir := "internal/repository/migrations"
	if err := goose.Run(command, db, migrationsDir); err != nil {
		log.Fatalf("goose %s failed: %v", command, err)
	}

	fmt.Printf("goose %s completed\n", command)
}

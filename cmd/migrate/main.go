package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"fertyflow.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()
	var (
		dsn            = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations relative to the working directory; embedded files when empty")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds relative to the working directory; embedded files when empty")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|pending]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var mgr *migrate.Manager
	if *migrationsPath == "" && *seedsPath == "" {
		mgr = migrate.NewEmbedded(db)
	} else {
		if *migrationsPath == "" || *seedsPath == "" {
			log.Fatal("-migrations and -seeds must be given together")
		}
		mgr = migrate.NewManager(db, os.DirFS("."), *migrationsPath, *seedsPath)
	}

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var recs []migrate.Record
		if recs, err = mgr.Status(ctx); err == nil {
			for _, rec := range recs {
				sum := rec.Checksum
				if len(sum) > 12 {
					sum = sum[:12]
				}
				fmt.Printf("%-40s %s %s\n", rec.Name, rec.AppliedAt.UTC().Format(time.RFC3339), sum)
			}
		}
	case "pending":
		var names []string
		if names, err = mgr.Pending(ctx); err == nil {
			for _, name := range names {
				fmt.Println(name)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
